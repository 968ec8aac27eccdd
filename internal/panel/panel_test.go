package panel

import (
	"context"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"photodiag/internal/bsread"
	"photodiag/internal/device"
	"photodiag/internal/elog"
	"photodiag/internal/fitting"
	"photodiag/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// database/sql keeps a connection opener goroutine per pool
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
		// idle keep-alive connections of the default HTTP transport
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

func testInventory() *device.Inventory {
	return device.NewInventory(
		[]device.Monitor{{Name: "SARFE10-PBPS053"}, {Name: "SAROP11-PBPS110"}},
		[]device.Spectrometer{
			{Name: "SARFE10-PSSS059", MotorPV: "SARFE10-PSSS059:MOTOR_Y3", MotorRecord: true, ScanFrom: 35, ScanTo: 92.5, ScanStep: 2.5},
			{Name: "SATOP21-PMOS127-2D", MotorPV: "SATOP21-PMOS127-2D:MOTOR_X1", ScanFrom: 0, ScanTo: 3, ScanStep: 1},
		},
	)
}

func testHistory(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// gaussianSpectrum builds a smooth single-shot spectrum on a symmetric axis.
func gaussianSpectrum(n int, sigma float64) (axis, wf []float64) {
	axis = make([]float64, n)
	wf = make([]float64, n)
	for i := range axis {
		axis[i] = -10 + 20*float64(i)/float64(n-1)
		wf[i] = math.Exp(-axis[i] * axis[i] / (2 * sigma * sigma))
	}
	return axis, wf
}

// --- fakes ------------------------------------------------------------

type fakeSource struct {
	mu   sync.Mutex
	msgs []*bsread.Message
}

func (f *fakeSource) Receive(ctx context.Context) (*bsread.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		msg := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return msg, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSource) Close() error { return nil }

type fakePV struct {
	name string

	mu      sync.Mutex
	scalar  float64
	array   []float64
	puts    []float64
	updates chan []float64
	getErr  error
}

func (p *fakePV) Name() string { return p.name }

func (p *fakePV) Get(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.scalar, p.getErr
}

func (p *fakePV) GetArray(ctx context.Context) ([]float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.array...), p.getErr
}

func (p *fakePV) Put(ctx context.Context, value float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts = append(p.puts, value)
	p.scalar = value
	return nil
}

func (p *fakePV) Monitor(ctx context.Context) (<-chan []float64, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updates == nil {
		p.updates = make(chan []float64, 64)
	}
	return p.updates, func() {}, nil
}

func (p *fakePV) Close() {}

type fakeMotor struct {
	mu      sync.Mutex
	pos     float64
	moves   []float64
	updates chan []float64
}

func (m *fakeMotor) Position(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pos, nil
}

func (m *fakeMotor) MonitorPosition(ctx context.Context) (<-chan []float64, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updates == nil {
		m.updates = make(chan []float64, 64)
	}
	return m.updates, func() {}, nil
}

func (m *fakeMotor) Move(ctx context.Context, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pos = pos
	m.moves = append(m.moves, pos)
	return nil
}

func (m *fakeMotor) Close() {}

type fakeEpics struct {
	mu     sync.Mutex
	pvs    map[string]*fakePV
	motors map[string]*fakeMotor
	// collect returns the waveforms for one CollectData call
	collect func(name string, shots int) [][]float64
}

func newFakeEpics() *fakeEpics {
	return &fakeEpics{pvs: make(map[string]*fakePV), motors: make(map[string]*fakeMotor)}
}

func (f *fakeEpics) pv(name string) *fakePV {
	f.mu.Lock()
	defer f.mu.Unlock()
	pv, ok := f.pvs[name]
	if !ok {
		pv = &fakePV{name: name}
		f.pvs[name] = pv
	}
	return pv
}

func (f *fakeEpics) PV(name string) PV { return f.pv(name) }

func (f *fakeEpics) Motor(name string) Motor {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.motors[name]
	if !ok {
		m = &fakeMotor{}
		f.motors[name] = m
	}
	return m
}

func (f *fakeEpics) CollectData(ctx context.Context, names []string, shots int) ([][][]float64, error) {
	out := make([][][]float64, len(names))
	for i, name := range names {
		out[i] = f.collect(name, shots)
	}
	return out, nil
}

type fakeCapturer struct{}

func (fakeCapturer) Capture(ctx context.Context, url string) ([]byte, error) {
	return []byte("png-bytes"), nil
}

func testElog(t *testing.T) (*elog.Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://"+r.Host+"/123")
		w.WriteHeader(http.StatusFound)
	}))
	t.Cleanup(srv.Close)
	return elog.New(srv.URL, "sf-photodiag", "", "", time.Second, nil), srv
}

// --- ring -------------------------------------------------------------

func TestRingDropsOldest(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	got := r.items()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Errorf("items = %v, want [3 4 5]", got)
	}
	r.clear()
	if r.len() != 0 {
		t.Errorf("len after clear = %d", r.len())
	}
}

// --- correlation ------------------------------------------------------

func correlationMessage(pulse uint64, base float64) *bsread.Message {
	mk := func(v float64) bsread.Value { return bsread.Value{Data: []float64{v}} }
	return &bsread.Message{
		PulseID: pulse,
		Values: map[string]bsread.Value{
			"SARFE10-PBPS053:XPOS":      mk(base + 1),
			"SARFE10-PBPS053:YPOS":      mk(base + 2),
			"SARFE10-PBPS053:INTENSITY": mk(base + 3),
			"SAROP11-PBPS110:XPOS":      mk(base + 4),
			"SAROP11-PBPS110:YPOS":      mk(base + 5),
			"SAROP11-PBPS110:INTENSITY": mk(base + 6),
		},
	}
}

func TestCorrelationSplitsEvenOdd(t *testing.T) {
	src := &fakeSource{}
	for pulse := uint64(0); pulse < 10; pulse++ {
		src.msgs = append(src.msgs, correlationMessage(pulse, float64(pulse)*10))
	}
	factory := func(ctx context.Context, channels []string) (MessageSource, error) {
		if len(channels) != 6 {
			t.Errorf("subscribed to %d channels, want 6", len(channels))
		}
		return src, nil
	}

	eng := NewCorrelation(factory, testInventory(), nil, nil, nil, zap.NewNop())
	if err := eng.Start(context.Background(), "SARFE10-PBPS053", "SAROP11-PBPS110", 100); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()

	deadline := time.Now().Add(5 * time.Second)
	var snap CorrelationSnapshot
	for {
		snap = eng.Snapshot()
		if len(snap.XCorr.Even.X)+len(snap.XCorr.Odd.X) == 10 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %d even, %d odd", len(snap.XCorr.Even.X), len(snap.XCorr.Odd.X))
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(snap.XCorr.Even.X) != 5 || len(snap.XCorr.Odd.X) != 5 {
		t.Fatalf("split = %d even / %d odd, want 5/5", len(snap.XCorr.Even.X), len(snap.XCorr.Odd.X))
	}
	// pulse 0 is even: xpos1 = 1, xpos2 = 4
	if snap.XCorr.Even.X[0] != 1 || snap.XCorr.Even.Y[0] != 4 {
		t.Errorf("even point = (%g, %g), want (1, 4)", snap.XCorr.Even.X[0], snap.XCorr.Even.Y[0])
	}
	// pulse 1 is odd: intensity1 = 13, intensity2 = 16
	if snap.ICorr.Odd.X[0] != 13 || snap.ICorr.Odd.Y[0] != 16 {
		t.Errorf("odd point = (%g, %g), want (13, 16)", snap.ICorr.Odd.X[0], snap.ICorr.Odd.Y[0])
	}
	if snap.Title == "" {
		t.Error("snapshot title must name the device pair")
	}
}

func TestCorrelationStartGuards(t *testing.T) {
	factory := func(ctx context.Context, channels []string) (MessageSource, error) {
		return &fakeSource{}, nil
	}
	eng := NewCorrelation(factory, testInventory(), nil, nil, nil, nil)

	if err := eng.Start(context.Background(), "NOPE", "SAROP11-PBPS110", 0); err == nil {
		t.Error("unknown device must fail")
	}
	if err := eng.Start(context.Background(), "SARFE10-PBPS053", "SAROP11-PBPS110", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer eng.Stop()
	if err := eng.Start(context.Background(), "SARFE10-PBPS053", "SAROP11-PBPS110", 0); err != ErrBusy {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}
}

func TestCorrelationPushElogBlockedWhileRunning(t *testing.T) {
	client, _ := testElog(t)
	factory := func(ctx context.Context, channels []string) (MessageSource, error) {
		return &fakeSource{}, nil
	}
	eng := NewCorrelation(factory, testInventory(), client, fakeCapturer{}, testHistory(t), nil)
	if err := eng.Start(context.Background(), "SARFE10-PBPS053", "SAROP11-PBPS110", 0); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := eng.PushElog(context.Background(), "http://localhost/correlation"); err != ErrBusy {
		t.Errorf("PushElog while running = %v, want ErrBusy", err)
	}
	eng.Stop()

	id, err := eng.PushElog(context.Background(), "http://localhost/correlation")
	if err != nil {
		t.Fatalf("PushElog: %v", err)
	}
	if id != "123" {
		t.Errorf("id = %q", id)
	}
}

// --- spectral autocorrelation -----------------------------------------

func TestSpectSelectResetsAndGuards(t *testing.T) {
	eng := NewSpectAutocorr(newFakeEpics(), testInventory(), nil, nil, nil, nil)
	defer eng.Close()

	if err := eng.Select("NOPE"); err == nil {
		t.Error("unknown spectrometer must fail")
	}
	if err := eng.Select("SARFE10-PSSS059"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	spect, ok := eng.Selected()
	if !ok || spect.Name != "SARFE10-PSSS059" || !spect.MotorRecord {
		t.Errorf("Selected = %+v, %v", spect, ok)
	}
	if err := eng.StartLive(context.Background(), 10); err == nil {
		defer eng.StopLive()
	}
}

func TestSpectLiveFitCycle(t *testing.T) {
	fake := newFakeEpics()
	axis, wf := gaussianSpectrum(41, 1.0)
	fake.pv("SATOP21-PMOS127-2D:SPECTRUM_X").array = axis

	history := testHistory(t)
	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, history, zap.NewNop(),
		WithFitInterval(30*time.Millisecond))
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := eng.StartLive(context.Background(), 50); err != nil {
		t.Fatalf("StartLive: %v", err)
	}
	defer eng.Close()

	yPV := fake.pv("SATOP21-PMOS127-2D:SPECTRUM_Y")
	updates, _, _ := yPV.Monitor(context.Background())
	_ = updates
	for i := 0; i < 8; i++ {
		yPV.updates <- append([]float64(nil), wf...)
	}

	deadline := time.Now().Add(10 * time.Second)
	var snap SpectSnapshot
	for {
		snap = eng.Snapshot()
		if len(snap.Fit) > 0 && len(snap.Trend) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a fit")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if len(snap.Lags) != 41 || len(snap.Autocorr) != 41 {
		t.Errorf("axis lengths: lags=%d autocorr=%d", len(snap.Lags), len(snap.Autocorr))
	}
	if snap.Lags[20] != 0 {
		t.Errorf("lag axis not centered: %g", snap.Lags[20])
	}
	point := snap.Trend[len(snap.Trend)-1]
	if point.Spike <= 0 || point.Spike > point.Background {
		t.Errorf("trend widths: spike=%g envelope=%g background=%g",
			point.Spike, point.Envelope, point.Background)
	}

	fits, err := history.RecentFits(context.Background(), "SATOP21-PMOS127-2D", 10)
	if err != nil || len(fits) == 0 {
		t.Errorf("fit history: %v (%d records)", err, len(fits))
	}
}

func TestSpectCalibrationScan(t *testing.T) {
	fake := newFakeEpics()
	axis, wf := gaussianSpectrum(41, 1.0)
	fake.pv("SATOP21-PMOS127-2D:SPECTRUM_X").array = axis
	fake.pv("SATOP21-PMOS127-2D:MOTOR_X1").scalar = 7 // initial axis position
	fake.collect = func(name string, shots int) [][]float64 {
		out := make([][]float64, shots)
		for i := range out {
			out[i] = append([]float64(nil), wf...)
		}
		return out
	}

	history := testHistory(t)
	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, history, zap.NewNop())
	defer eng.Close()
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := eng.Calibrate(context.Background(), 0, 3, 1, 5); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if err := eng.Calibrate(context.Background(), 0, 3, 1, 5); err != ErrBusy {
		t.Errorf("second Calibrate = %v, want ErrBusy", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, calib := eng.Status(); !calib {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("calibration did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	snap := eng.Snapshot()
	if len(snap.Calibration) != 3 {
		t.Fatalf("calibration points = %d, want 3", len(snap.Calibration))
	}
	if snap.Calibration[0].Position != 0 || snap.Calibration[2].Position != 2 {
		t.Errorf("positions = %v", snap.Calibration)
	}
	for _, p := range snap.Calibration {
		if p.SpikeFWHM <= 0 {
			t.Errorf("width at %g is %g", p.Position, p.SpikeFWHM)
		}
	}

	// the axis returns to its initial position after the scan
	motorPV := fake.pv("SATOP21-PMOS127-2D:MOTOR_X1")
	motorPV.mu.Lock()
	puts := append([]float64(nil), motorPV.puts...)
	motorPV.mu.Unlock()
	if len(puts) != 4 || puts[3] != 7 {
		t.Errorf("axis positions = %v, want scan then restore to 7", puts)
	}

	rec, err := history.LatestCalibration(context.Background(), "SATOP21-PMOS127-2D")
	if err != nil {
		t.Fatalf("LatestCalibration: %v", err)
	}
	if len(rec.Positions) != 3 || len(rec.Widths) != 3 {
		t.Errorf("calibration record = %+v", rec)
	}
}

func TestSpectCalibrationUsesMotorRecord(t *testing.T) {
	fake := newFakeEpics()
	axis, wf := gaussianSpectrum(41, 1.0)
	fake.pv("SARFE10-PSSS059:SPECTRUM_X").array = axis
	fake.collect = func(name string, shots int) [][]float64 {
		out := make([][]float64, shots)
		for i := range out {
			out[i] = append([]float64(nil), wf...)
		}
		return out
	}
	motor := fake.Motor("SARFE10-PSSS059:MOTOR_Y3").(*fakeMotor)
	motor.pos = 50

	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, nil, zap.NewNop())
	defer eng.Close()
	if err := eng.Select("SARFE10-PSSS059"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := eng.Calibrate(context.Background(), 35, 40, 2.5, 3); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		if _, calib := eng.Status(); !calib {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("calibration did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}

	motor.mu.Lock()
	moves := append([]float64(nil), motor.moves...)
	motor.mu.Unlock()
	if len(moves) != 3 || moves[0] != 35 || moves[1] != 37.5 || moves[2] != 50 {
		t.Errorf("motor moves = %v, want [35 37.5 50]", moves)
	}
}

func TestSpectMoveAndPosition(t *testing.T) {
	fake := newFakeEpics()
	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, nil, nil)
	defer eng.Close()

	if err := eng.Move(context.Background(), 1); err != ErrNoDevice {
		t.Errorf("Move without device = %v, want ErrNoDevice", err)
	}
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := eng.Move(context.Background(), 2.5); err != nil {
		t.Fatalf("Move: %v", err)
	}
	pos, err := eng.MotorPosition(context.Background())
	if err != nil || pos != 2.5 {
		t.Errorf("MotorPosition = %g, %v", pos, err)
	}
}

func TestSpectPushFitElog(t *testing.T) {
	client, _ := testElog(t)
	history := testHistory(t)
	eng := NewSpectAutocorr(newFakeEpics(), testInventory(), client, fakeCapturer{}, history, nil)
	defer eng.Close()
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	id, err := eng.PushFitElog(context.Background(), "http://localhost/spect-autocorr")
	if err != nil {
		t.Fatalf("PushFitElog: %v", err)
	}
	if id != "123" {
		t.Errorf("id = %q", id)
	}

	entries, err := history.RecentElogEntries(context.Background(), 5)
	if err != nil || len(entries) != 1 {
		t.Fatalf("elog history: %v (%d entries)", err, len(entries))
	}
	if entries[0].Panel != "spect-autocorr" {
		t.Errorf("panel = %q", entries[0].Panel)
	}
}

func TestSpectSelectSeedsTrendFromHistory(t *testing.T) {
	history := testHistory(t)
	for i := 0; i < 3; i++ {
		if _, err := history.SaveFit(context.Background(), store.FitRecord{
			Device:         "SATOP21-PMOS127-2D",
			BackgroundFWHM: 20,
			EnvelopeFWHM:   6,
			SpikeFWHM:      1 + float64(i),
		}); err != nil {
			t.Fatalf("SaveFit: %v", err)
		}
	}

	eng := NewSpectAutocorr(newFakeEpics(), testInventory(), nil, nil, history, zap.NewNop())
	defer eng.Close()
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	snap := eng.Snapshot()
	if len(snap.Trend) != 3 {
		t.Fatalf("trend points = %d, want 3", len(snap.Trend))
	}
	// oldest first: the newest stored fit becomes the last trend point
	if snap.Trend[0].Spike != 1 || snap.Trend[2].Spike != 3 {
		t.Errorf("trend spikes = %g .. %g, want 1 .. 3",
			snap.Trend[0].Spike, snap.Trend[2].Spike)
	}
}

func TestSpectReadbackStreams(t *testing.T) {
	fake := newFakeEpics()
	motor := fake.Motor("SARFE10-PSSS059:MOTOR_Y3").(*fakeMotor)
	if _, _, err := motor.MonitorPosition(context.Background()); err != nil {
		t.Fatalf("MonitorPosition: %v", err)
	}

	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, nil, zap.NewNop())
	defer eng.Close()
	if err := eng.Select("SARFE10-PSSS059"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if snap := eng.Snapshot(); snap.MotorKnown {
		t.Error("readback must be unknown before the first update")
	}

	motor.updates <- []float64{42.5}

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := eng.Snapshot()
		if snap.MotorKnown {
			if snap.MotorPosition != 42.5 {
				t.Errorf("MotorPosition = %g, want 42.5", snap.MotorPosition)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("readback update never reached the snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpectReseedWithoutLive(t *testing.T) {
	fake := newFakeEpics()
	fake.pv("SATOP21-PMOS127-2D:FIT-FWHM").scalar = 5

	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, nil, zap.NewNop(),
		WithReseedInterval(50*time.Millisecond), WithReseedSampleGap(time.Millisecond))
	defer eng.Close()
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}

	// the envelope width reseeds while no live analysis is running
	want := 5 * fitting.AutocorrWidthRatio * fitting.FWHMToSigma
	deadline := time.Now().Add(10 * time.Second)
	for {
		eng.mu.Lock()
		sigma := eng.model.Components[fitting.ComponentEnvelope].Sigma.Value
		eng.mu.Unlock()
		if math.Abs(sigma-want) < 1e-9 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("envelope sigma = %g, want %g", sigma, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSpectShallowBufferClearsTrend(t *testing.T) {
	fake := newFakeEpics()
	axis, wf := gaussianSpectrum(41, 1.0)
	xPV := fake.pv("SATOP21-PMOS127-2D:SPECTRUM_X")
	xPV.array = axis

	eng := NewSpectAutocorr(fake, testInventory(), nil, nil, nil, zap.NewNop(),
		WithFitInterval(30*time.Millisecond))
	defer eng.Close()
	if err := eng.Select("SATOP21-PMOS127-2D"); err != nil {
		t.Fatalf("Select: %v", err)
	}
	if err := eng.StartLive(context.Background(), 50); err != nil {
		t.Fatalf("StartLive: %v", err)
	}

	yPV := fake.pv("SATOP21-PMOS127-2D:SPECTRUM_Y")
	if _, _, err := yPV.Monitor(context.Background()); err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	for i := 0; i < 8; i++ {
		yPV.updates <- append([]float64(nil), wf...)
	}

	deadline := time.Now().Add(10 * time.Second)
	for len(eng.Snapshot().Trend) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a fit")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// a new energy axis empties the buffer; the next fit tick must clear
	// the curves and the trend instead of showing stale widths
	xPV.updates <- append([]float64(nil), axis...)

	deadline = time.Now().Add(10 * time.Second)
	for {
		snap := eng.Snapshot()
		if len(snap.Trend) == 0 && len(snap.Fit) == 0 && len(snap.Autocorr) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale display: trend=%d fit=%d", len(snap.Trend), len(snap.Fit))
		}
		time.Sleep(20 * time.Millisecond)
	}
}
