package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"photodiag/internal/device"
	"photodiag/internal/elog"
	"photodiag/internal/fitting"
	"photodiag/internal/store"
)

// ErrNoDevice is returned when an operation needs a selected spectrometer.
var ErrNoDevice = errors.New("panel: no spectrometer selected")

const (
	// fitInterval paces the live fit cycle.
	fitInterval = 3 * time.Second
	// trendRollover bounds the FWHM trend history.
	trendRollover = 3600
	// reseedInterval paces the envelope-width reseed from the device's
	// own fitted spectrum width.
	reseedInterval = 10 * time.Minute
	// reseedSamples and reseedSampleGap define the reseed acquisition.
	reseedSamples   = 20
	reseedSampleGap = 100 * time.Millisecond
	// minFitDepth is the smallest autocorrelation buffer worth fitting.
	minFitDepth = 4
)

// TrendPoint is one FWHM trend sample.
type TrendPoint struct {
	Time       time.Time `json:"time"`
	Background float64   `json:"background"`
	Envelope   float64   `json:"envelope"`
	Spike      float64   `json:"spike"`
}

// CalibPoint is one calibration scan sample: the spectral spike width
// observed at an axis position.
type CalibPoint struct {
	Position  float64 `json:"position"`
	SpikeFWHM float64 `json:"spike_fwhm"`
}

// SpectSnapshot is the published state of the spectral autocorrelation
// panel.
type SpectSnapshot struct {
	Device       string       `json:"device"`
	UpdatedAt    time.Time    `json:"updated_at"`
	Lags         []float64    `json:"lags"`
	Autocorr     []float64    `json:"autocorr"`
	Fit          []float64    `json:"fit"`
	Background   []float64    `json:"background"`
	Envelope     []float64    `json:"envelope"`
	Spike        []float64    `json:"spike"`
	Trend        []TrendPoint `json:"trend"`
	Calibration  []CalibPoint `json:"calibration"`
	LiveRunning  bool         `json:"live_running"`
	CalibRunning bool         `json:"calib_running"`

	// MotorPosition is the streamed axis readback; MotorKnown reports
	// whether a readback has arrived since the device was selected.
	MotorPosition float64 `json:"motor_position"`
	MotorKnown    bool    `json:"motor_known"`
}

// SpectAutocorr analyses single-shot spectrometer waveforms: it
// autocorrelates the spectra, fits the triple-Gaussian model to the mean,
// tracks the component widths over time and runs resolution calibration
// scans along the device's motor axis.
type SpectAutocorr struct {
	epics     EpicsClient
	inventory *device.Inventory
	elog      *elog.Client
	capture   Capturer
	history   *store.Store
	log       *zap.Logger

	fitInterval    time.Duration
	reseedInterval time.Duration
	sampleGap      time.Duration

	mu          sync.Mutex
	selected    device.Spectrometer
	hasDevice   bool
	model       fitting.TripleGaussian
	lags        []float64
	buf         *ring[[]float64]
	lastFit     *fitting.Result
	lastMean    []float64
	trend       *ring[TrendPoint]
	calibCurve  []CalibPoint
	readback    float64
	hasReadback bool

	// the session runs for the lifetime of a selection: it streams the
	// axis readback and paces the envelope reseed
	sessionCancel context.CancelFunc
	sessionDone   chan struct{}

	liveRunning bool
	liveCancel  context.CancelFunc
	liveDone    chan struct{}

	calibRunning bool
	calibCancel  context.CancelFunc
	calibDone    chan struct{}

	subs *broadcaster[SpectSnapshot]
}

// SpectOption adjusts engine timing, mainly for tests.
type SpectOption func(*SpectAutocorr)

// WithFitInterval overrides the live fit cadence.
func WithFitInterval(d time.Duration) SpectOption {
	return func(s *SpectAutocorr) { s.fitInterval = d }
}

// WithReseedInterval overrides the envelope reseed cadence.
func WithReseedInterval(d time.Duration) SpectOption {
	return func(s *SpectAutocorr) { s.reseedInterval = d }
}

// WithReseedSampleGap overrides the spacing of reseed samples.
func WithReseedSampleGap(d time.Duration) SpectOption {
	return func(s *SpectAutocorr) { s.sampleGap = d }
}

// NewSpectAutocorr builds the spectral autocorrelation engine.
func NewSpectAutocorr(epics EpicsClient, inv *device.Inventory, elogClient *elog.Client, capture Capturer, history *store.Store, log *zap.Logger, opts ...SpectOption) *SpectAutocorr {
	if log == nil {
		log = zap.NewNop()
	}
	s := &SpectAutocorr{
		epics:          epics,
		inventory:      inv,
		elog:           elogClient,
		capture:        capture,
		history:        history,
		log:            log.Named("spectautocorr"),
		fitInterval:    fitInterval,
		reseedInterval: reseedInterval,
		sampleGap:      reseedSampleGap,
		model:          fitting.DefaultParams(),
		buf:            newRing[[]float64](DefaultShots),
		trend:          newRing[TrendPoint](trendRollover),
		subs:           newBroadcaster[SpectSnapshot](),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers a snapshot listener. Call cancel to unregister.
func (s *SpectAutocorr) Subscribe() (<-chan SpectSnapshot, func()) {
	return s.subs.subscribe()
}

// Select switches the engine to another spectrometer and resets the
// analysis state. The FWHM trend is reseeded from stored fits so the
// display survives restarts. Selection is blocked while live analysis or
// a calibration scan is running.
func (s *SpectAutocorr) Select(name string) error {
	spect, err := s.inventory.Spectrometer(name)
	if err != nil {
		return fmt.Errorf("panel: %w", err)
	}

	s.mu.Lock()
	if s.liveRunning || s.calibRunning {
		s.mu.Unlock()
		return ErrBusy
	}
	prevCancel, prevDone := s.sessionCancel, s.sessionDone
	s.sessionCancel, s.sessionDone = nil, nil
	s.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}

	trend := s.loadTrend(spect.Name)

	s.mu.Lock()
	s.selected = spect
	s.hasDevice = true
	s.model = fitting.DefaultParams()
	s.lags = nil
	s.buf.clear()
	s.trend.clear()
	for _, p := range trend {
		s.trend.push(p)
	}
	s.calibCurve = nil
	s.lastFit = nil
	s.lastMean = nil
	s.readback = 0
	s.hasReadback = false

	sessCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.sessionCancel = cancel
	s.sessionDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sessionLoop(sessCtx, spect)
	}()

	s.log.Info("spectrometer selected", zap.String("device", name))
	return nil
}

// loadTrend restores the FWHM trend for a device from stored fits,
// oldest first.
func (s *SpectAutocorr) loadTrend(name string) []TrendPoint {
	if s.history == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fits, err := s.history.RecentFits(ctx, name, trendRollover)
	if err != nil {
		s.log.Warn("load fit history failed", zap.String("device", name), zap.Error(err))
		return nil
	}
	points := make([]TrendPoint, 0, len(fits))
	for i := len(fits) - 1; i >= 0; i-- {
		points = append(points, TrendPoint{
			Time:       fits[i].CreatedAt,
			Background: fits[i].BackgroundFWHM,
			Envelope:   fits[i].EnvelopeFWHM,
			Spike:      fits[i].SpikeFWHM,
		})
	}
	return points
}

// sessionLoop runs for the lifetime of a selection: it streams the axis
// readback into snapshots and reseeds the envelope width on a fixed
// cadence, whether or not live analysis is running.
func (s *SpectAutocorr) sessionLoop(ctx context.Context, spect device.Spectrometer) {
	axis := s.axisFor(spect)
	defer axis.close()

	readback, cancelMon, err := axis.monitor(ctx)
	if err != nil {
		s.log.Warn("axis readback monitor failed",
			zap.String("device", spect.Name), zap.Error(err))
		readback = nil
	} else {
		defer cancelMon()
	}

	reseedTicker := time.NewTicker(s.reseedInterval)
	defer reseedTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case vals, ok := <-readback:
			if !ok {
				readback = nil
				continue
			}
			if len(vals) == 0 {
				continue
			}
			s.mu.Lock()
			s.readback = vals[len(vals)-1]
			s.hasReadback = true
			s.mu.Unlock()
			s.subs.publish(s.Snapshot())
		case <-reseedTicker.C:
			s.reseedEnvelope(ctx, spect)
		}
	}
}

// Close stops the live analysis, any running scan, and the device
// session.
func (s *SpectAutocorr) Close() {
	s.StopLive()
	s.StopCalibration()

	s.mu.Lock()
	cancel, done := s.sessionCancel, s.sessionDone
	s.sessionCancel, s.sessionDone = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Selected returns the current spectrometer.
func (s *SpectAutocorr) Selected() (device.Spectrometer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.hasDevice
}

// Status reports the live and calibration run states.
func (s *SpectAutocorr) Status() (live, calib bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveRunning, s.calibRunning
}

// StartLive begins monitoring the spectrum channels and fitting the mean
// autocorrelation. shots <= 0 selects the default buffer depth.
func (s *SpectAutocorr) StartLive(ctx context.Context, shots int) error {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return ErrNoDevice
	}
	if s.liveRunning {
		s.mu.Unlock()
		return ErrBusy
	}
	if shots <= 0 {
		shots = DefaultShots
	}
	spect := s.selected
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.liveRunning = true
	s.liveCancel = cancel
	s.liveDone = done
	s.buf = newRing[[]float64](shots)
	s.mu.Unlock()

	pvX := s.epics.PV(spect.SpectrumXChannel())
	pvY := s.epics.PV(spect.SpectrumYChannel())

	// seed the lag axis and the background width before streaming
	axis, err := pvX.GetArray(runCtx)
	if err != nil {
		cancel()
		close(done)
		s.markLiveStopped()
		pvX.Close()
		pvY.Close()
		return fmt.Errorf("panel: read %s: %w", spect.SpectrumXChannel(), err)
	}
	s.applyAxis(axis)

	xCh, cancelX, err := pvX.Monitor(runCtx)
	if err != nil {
		cancel()
		close(done)
		s.markLiveStopped()
		pvX.Close()
		pvY.Close()
		return fmt.Errorf("panel: monitor %s: %w", spect.SpectrumXChannel(), err)
	}
	yCh, cancelY, err := pvY.Monitor(runCtx)
	if err != nil {
		cancelX()
		cancel()
		close(done)
		s.markLiveStopped()
		pvX.Close()
		pvY.Close()
		return fmt.Errorf("panel: monitor %s: %w", spect.SpectrumYChannel(), err)
	}

	go func() {
		defer close(done)
		defer func() {
			cancelX()
			cancelY()
			pvX.Close()
			pvY.Close()
		}()
		s.liveLoop(runCtx, spect, xCh, yCh)
	}()

	s.log.Info("live analysis started", zap.String("device", spect.Name), zap.Int("shots", shots))
	return nil
}

// StopLive ends the live analysis and waits for the loop to exit.
func (s *SpectAutocorr) StopLive() {
	s.mu.Lock()
	if !s.liveRunning {
		s.mu.Unlock()
		return
	}
	cancel, done := s.liveCancel, s.liveDone
	s.mu.Unlock()

	cancel()
	<-done
	s.markLiveStopped()
	s.log.Info("live analysis stopped")
}

func (s *SpectAutocorr) markLiveStopped() {
	s.mu.Lock()
	s.liveRunning = false
	s.mu.Unlock()
}

// liveLoop consumes spectrum updates and runs the periodic fit cycle.
// The envelope reseed belongs to the session, not to the live analysis.
func (s *SpectAutocorr) liveLoop(ctx context.Context, spect device.Spectrometer, xCh, yCh <-chan []float64) {
	fitTicker := time.NewTicker(s.fitInterval)
	defer fitTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case axis, ok := <-xCh:
			if !ok {
				return
			}
			// a changed energy axis invalidates the buffered autocorrelations
			s.applyAxis(axis)
		case wf, ok := <-yCh:
			if !ok {
				return
			}
			ac := fitting.Autocorrelate(wf)
			s.mu.Lock()
			s.buf.push(ac)
			s.mu.Unlock()
		case <-fitTicker.C:
			s.runFit(ctx, spect)
		}
	}
}

// applyAxis installs a new energy axis: recomputes the lag axis, reseeds
// the background width from the axis span and clears the buffer.
func (s *SpectAutocorr) applyAxis(axis []float64) {
	if len(axis) == 0 {
		return
	}
	lags := fitting.Lags(axis)
	span := axis[len(axis)-1] - axis[0]

	s.mu.Lock()
	s.lags = lags
	s.model.SeedBackgroundWidth(span)
	s.buf.clear()
	s.mu.Unlock()
}

// runFit fits the mean normalized autocorrelation and publishes a
// snapshot. Too shallow a buffer clears the curves and the trend and
// publishes the emptied state instead.
func (s *SpectAutocorr) runFit(ctx context.Context, spect device.Spectrometer) {
	s.mu.Lock()
	if s.buf.len() < minFitDepth {
		s.lastFit = nil
		s.lastMean = nil
		s.trend.clear()
		s.mu.Unlock()
		s.subs.publish(s.Snapshot())
		return
	}
	waveforms := s.buf.items()
	lags := append([]float64(nil), s.lags...)
	model := s.model
	s.mu.Unlock()

	mean, err := fitting.MeanNormalized(waveforms)
	if err != nil {
		s.log.Warn("autocorrelation mean failed", zap.Error(err))
		return
	}
	result, err := fitting.Fit(lags, mean, model)
	if err != nil {
		s.log.Warn("autocorrelation fit failed", zap.Error(err))
		return
	}

	spike, envelope, background := result.SpectralFWHM()
	point := TrendPoint{
		Time:       time.Now(),
		Background: background,
		Envelope:   envelope,
		Spike:      spike,
	}

	s.mu.Lock()
	s.lastFit = result
	s.lastMean = mean
	s.trend.push(point)
	s.mu.Unlock()

	if s.history != nil {
		if _, err := s.history.SaveFit(ctx, store.FitRecord{
			Device:         spect.Name,
			BackgroundFWHM: background,
			EnvelopeFWHM:   envelope,
			SpikeFWHM:      spike,
			RedChiSquare:   result.RedChiSquare,
		}); err != nil {
			s.log.Warn("record fit failed", zap.Error(err))
		}
	}
	s.subs.publish(s.Snapshot())
}

// reseedEnvelope refreshes the envelope width guess from the device's own
// fitted spectrum width, falling back to the legacy channel name.
func (s *SpectAutocorr) reseedEnvelope(ctx context.Context, spect device.Spectrometer) {
	pv := s.epics.PV(spect.FWHMChannel())
	if _, err := pv.Get(ctx); err != nil {
		pv.Close()
		pv = s.epics.PV(spect.LegacyFWHMChannel())
	}
	defer pv.Close()

	var sum float64
	var n int
	for i := 0; i < reseedSamples; i++ {
		v, err := pv.Get(ctx)
		if err != nil {
			s.log.Warn("envelope reseed read failed", zap.String("pv", pv.Name()), zap.Error(err))
			return
		}
		sum += v
		n++
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.sampleGap):
		}
	}
	if n == 0 {
		return
	}
	mean := sum / float64(n)

	s.mu.Lock()
	s.model.SeedEnvelopeWidth(mean)
	s.mu.Unlock()
	s.log.Info("envelope width reseeded", zap.String("device", spect.Name), zap.Float64("fwhm", mean))
}

// Snapshot returns the current analysis state.
func (s *SpectAutocorr) Snapshot() SpectSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := SpectSnapshot{
		Device:        s.selected.Name,
		UpdatedAt:     time.Now(),
		Trend:         s.trend.items(),
		Calibration:   append([]CalibPoint(nil), s.calibCurve...),
		LiveRunning:   s.liveRunning,
		CalibRunning:  s.calibRunning,
		MotorPosition: s.readback,
		MotorKnown:    s.hasReadback,
	}
	if s.lastFit == nil {
		return snap
	}
	spikeIdx, envIdx, bkgIdx := s.lastFit.Identify()
	snap.Lags = append([]float64(nil), s.lags...)
	snap.Autocorr = append([]float64(nil), s.lastMean...)
	snap.Fit = s.lastFit.Best
	snap.Background = s.lastFit.Components[bkgIdx].Curve
	snap.Envelope = s.lastFit.Components[envIdx].Curve
	snap.Spike = s.lastFit.Components[spikeIdx].Curve
	return snap
}

// Calibrate runs a resolution scan along the device's motor axis: at each
// position it acquires shots spectra, fits the mean autocorrelation and
// records the spectral spike width. The axis returns to its initial
// position afterwards, also when the scan is stopped early.
func (s *SpectAutocorr) Calibrate(ctx context.Context, from, to, step float64, shots int) error {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return ErrNoDevice
	}
	if s.calibRunning {
		s.mu.Unlock()
		return ErrBusy
	}
	if step == 0 || (to-from)*step <= 0 {
		s.mu.Unlock()
		return fmt.Errorf("panel: empty scan range [%g, %g) step %g", from, to, step)
	}
	if shots <= 0 {
		shots = DefaultShots
	}
	spect := s.selected
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.calibRunning = true
	s.calibCancel = cancel
	s.calibDone = done
	s.calibCurve = nil
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			s.mu.Lock()
			s.calibRunning = false
			s.mu.Unlock()
			s.subs.publish(s.Snapshot())
		}()
		if err := s.scan(runCtx, spect, from, to, step, shots); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("calibration scan failed", zap.String("device", spect.Name), zap.Error(err))
			return
		}
		s.log.Info("calibration finished", zap.String("device", spect.Name))
	}()
	s.log.Info("calibration started", zap.String("device", spect.Name),
		zap.Float64("from", from), zap.Float64("to", to), zap.Float64("step", step), zap.Int("shots", shots))
	return nil
}

// StopCalibration requests an early end of the running scan.
func (s *SpectAutocorr) StopCalibration() {
	s.mu.Lock()
	if !s.calibRunning {
		s.mu.Unlock()
		return
	}
	cancel, done := s.calibCancel, s.calibDone
	s.mu.Unlock()

	cancel()
	<-done
	s.log.Info("calibration stopped")
}

// axisDriver abstracts the scan axis: a motor record or a plain setpoint
// PV, selected per device.
type axisDriver interface {
	position(ctx context.Context) (float64, error)
	moveTo(ctx context.Context, pos float64) error
	monitor(ctx context.Context) (<-chan []float64, func(), error)
	close()
}

type motorDriver struct{ m Motor }

func (d motorDriver) position(ctx context.Context) (float64, error) { return d.m.Position(ctx) }
func (d motorDriver) moveTo(ctx context.Context, pos float64) error { return d.m.Move(ctx, pos) }
func (d motorDriver) monitor(ctx context.Context) (<-chan []float64, func(), error) {
	return d.m.MonitorPosition(ctx)
}
func (d motorDriver) close() { d.m.Close() }

type pvDriver struct{ pv PV }

func (d pvDriver) position(ctx context.Context) (float64, error) { return d.pv.Get(ctx) }
func (d pvDriver) moveTo(ctx context.Context, pos float64) error { return d.pv.Put(ctx, pos) }
func (d pvDriver) monitor(ctx context.Context) (<-chan []float64, func(), error) {
	return d.pv.Monitor(ctx)
}
func (d pvDriver) close() { d.pv.Close() }

func (s *SpectAutocorr) axisFor(spect device.Spectrometer) axisDriver {
	if spect.MotorRecord {
		return motorDriver{m: s.epics.Motor(spect.MotorPV)}
	}
	return pvDriver{pv: s.epics.PV(spect.MotorPV)}
}

func (s *SpectAutocorr) scan(ctx context.Context, spect device.Spectrometer, from, to, step float64, shots int) error {
	axis := s.axisFor(spect)
	defer axis.close()
	startedAt := time.Now()

	initial, err := axis.position(ctx)
	if err != nil {
		return fmt.Errorf("initial position: %w", err)
	}
	defer func() {
		// restore on a fresh context: the scan context may be cancelled
		restoreCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := axis.moveTo(restoreCtx, initial); err != nil {
			s.log.Error("restore axis position failed",
				zap.String("device", spect.Name), zap.Float64("position", initial), zap.Error(err))
		}
	}()

	pvX := s.epics.PV(spect.SpectrumXChannel())
	defer pvX.Close()

	var positions, widths []float64
	var scanErr error
loop:
	for pos := from; (step > 0 && pos < to) || (step < 0 && pos > to); pos += step {
		if err := axis.moveTo(ctx, pos); err != nil {
			scanErr = fmt.Errorf("move to %g: %w", pos, err)
			break loop
		}

		data, err := s.epics.CollectData(ctx, []string{spect.SpectrumYChannel()}, shots)
		if err != nil {
			scanErr = fmt.Errorf("acquire at %g: %w", pos, err)
			break loop
		}
		autocorrs := make([][]float64, len(data[0]))
		for i, wf := range data[0] {
			autocorrs[i] = fitting.Autocorrelate(wf)
		}
		mean, err := fitting.MeanNormalized(autocorrs)
		if err != nil {
			scanErr = fmt.Errorf("average at %g: %w", pos, err)
			break loop
		}

		energyAxis, err := pvX.GetArray(ctx)
		if err != nil {
			scanErr = fmt.Errorf("energy axis at %g: %w", pos, err)
			break loop
		}
		lags := fitting.Lags(energyAxis)

		s.mu.Lock()
		model := s.model
		s.mu.Unlock()
		result, err := fitting.Fit(lags, mean, model)
		if err != nil {
			scanErr = fmt.Errorf("fit at %g: %w", pos, err)
			break loop
		}
		spike, _, _ := result.SpectralFWHM()

		s.mu.Lock()
		s.calibCurve = append(s.calibCurve, CalibPoint{Position: pos, SpikeFWHM: spike})
		s.mu.Unlock()
		positions = append(positions, pos)
		widths = append(widths, spike)
		s.subs.publish(s.Snapshot())

		select {
		case <-ctx.Done():
			scanErr = ctx.Err()
			break loop
		default:
		}
	}

	// a stopped or failed scan keeps its partial record, marked aborted
	if s.history != nil && len(positions) > 0 {
		best := positions[0]
		min := widths[0]
		for i, w := range widths {
			if w < min {
				min, best = w, positions[i]
			}
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := s.history.SaveCalibration(saveCtx, store.CalibrationRecord{
			Device:     spect.Name,
			Positions:  positions,
			Widths:     widths,
			Best:       best,
			Aborted:    scanErr != nil,
			StartedAt:  startedAt,
			FinishedAt: time.Now(),
		}); err != nil {
			s.log.Warn("record calibration failed", zap.Error(err))
		}
	}
	return scanErr
}

// Move drives the calibration axis to a new position.
func (s *SpectAutocorr) Move(ctx context.Context, pos float64) error {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return ErrNoDevice
	}
	if s.calibRunning {
		s.mu.Unlock()
		return ErrBusy
	}
	spect := s.selected
	s.mu.Unlock()

	axis := s.axisFor(spect)
	defer axis.close()
	return axis.moveTo(ctx, pos)
}

// MotorPosition reads the calibration axis readback.
func (s *SpectAutocorr) MotorPosition(ctx context.Context) (float64, error) {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return 0, ErrNoDevice
	}
	spect := s.selected
	s.mu.Unlock()

	axis := s.axisFor(spect)
	defer axis.close()
	return axis.position(ctx)
}

// PushFitElog posts the fit page and the fit report to the logbook.
// Posting is blocked while the live analysis is running.
func (s *SpectAutocorr) PushFitElog(ctx context.Context, pageURL string) (string, error) {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return "", ErrNoDevice
	}
	if s.liveRunning {
		s.mu.Unlock()
		return "", ErrBusy
	}
	spect := s.selected
	var report string
	if s.lastFit != nil {
		report = s.lastFit.Report()
	}
	s.mu.Unlock()

	return s.pushElog(ctx, pageURL, spect, "fit.png", report, map[string]string{
		"Entry":  "Info",
		"Domain": string(spect.Domain()),
		"System": "Diagnostics",
		"Title":  fmt.Sprintf("%s Autocorrelation fit results", spect.Name),
	})
}

// PushCalibElog posts the calibration page to the logbook. Posting is
// blocked while a scan is running.
func (s *SpectAutocorr) PushCalibElog(ctx context.Context, pageURL string) (string, error) {
	s.mu.Lock()
	if !s.hasDevice {
		s.mu.Unlock()
		return "", ErrNoDevice
	}
	if s.calibRunning {
		s.mu.Unlock()
		return "", ErrBusy
	}
	spect := s.selected
	s.mu.Unlock()

	return s.pushElog(ctx, pageURL, spect, "calibration.png", "", map[string]string{
		"Entry":  "Configuration",
		"Domain": string(spect.Domain()),
		"System": "Diagnostics",
		"Title":  fmt.Sprintf("%s resolution", spect.Name),
	})
}

func (s *SpectAutocorr) pushElog(ctx context.Context, pageURL string, spect device.Spectrometer, filename, message string, attrs map[string]string) (string, error) {
	if s.elog == nil {
		return "", ErrElogDisabled
	}
	png, err := s.capture.Capture(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("panel: capture page: %w", err)
	}
	id, err := s.elog.Post(ctx, elog.Entry{
		Message:     message,
		Attributes:  attrs,
		Attachments: []elog.Attachment{{Name: filename, Data: png}},
	})
	if err != nil {
		return "", err
	}
	if s.history != nil {
		if _, err := s.history.SaveElogEntry(ctx, store.ElogRecord{
			Device:    spect.Name,
			Panel:     "spect-autocorr",
			MessageID: id,
			URL:       s.elog.EntryURL(id),
		}); err != nil {
			s.log.Warn("record elog entry failed", zap.Error(err))
		}
	}
	s.log.Info("logbook entry created", zap.String("device", spect.Name), zap.String("url", s.elog.EntryURL(id)))
	return id, nil
}
