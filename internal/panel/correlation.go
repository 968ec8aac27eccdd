package panel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"photodiag/internal/bsread"
	"photodiag/internal/device"
	"photodiag/internal/elog"
	"photodiag/internal/store"
)

// ErrBusy is returned when an operation conflicts with one in progress.
var ErrBusy = errors.New("panel: operation already running")

// ErrElogDisabled is returned when a logbook push is requested but no
// logbook is configured.
var ErrElogDisabled = errors.New("panel: logbook is disabled")

// DefaultShots is the acquisition depth used when a request leaves the
// shot count unset.
const DefaultShots = 100

// correlationSnapshotInterval paces snapshot publication to subscribers.
const correlationSnapshotInterval = time.Second

// Points is a paired scatter series.
type Points struct {
	X []float64 `json:"x"`
	Y []float64 `json:"y"`
}

// CorrelationSeries carries the even and odd pulse populations of one
// correlation plot.
type CorrelationSeries struct {
	Even Points `json:"even"`
	Odd  Points `json:"odd"`
}

// CorrelationSnapshot is the published state of the correlation panel.
type CorrelationSnapshot struct {
	Device1   string            `json:"device1"`
	Device2   string            `json:"device2"`
	Title     string            `json:"title"`
	UpdatedAt time.Time         `json:"updated_at"`
	XCorr     CorrelationSeries `json:"xcorr"`
	YCorr     CorrelationSeries `json:"ycorr"`
	ICorr     CorrelationSeries `json:"icorr"`
}

// correlationSample is one pulse across both monitors.
type correlationSample struct {
	odd                    bool
	x1, y1, i1, x2, y2, i2 float64
}

// Correlation streams position and intensity channels of two beam
// position monitors and correlates them shot by shot, split into even
// and odd pulses.
type Correlation struct {
	sources   SourceFactory
	inventory *device.Inventory
	elog      *elog.Client
	capture   Capturer
	history   *store.Store
	log       *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	device1 string
	device2 string
	buf     *ring[correlationSample]

	subs *broadcaster[CorrelationSnapshot]
}

// Capturer renders a page to PNG for logbook attachments.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// NewCorrelation builds the correlation engine.
func NewCorrelation(sources SourceFactory, inv *device.Inventory, elogClient *elog.Client, capture Capturer, history *store.Store, log *zap.Logger) *Correlation {
	if log == nil {
		log = zap.NewNop()
	}
	return &Correlation{
		sources:   sources,
		inventory: inv,
		elog:      elogClient,
		capture:   capture,
		history:   history,
		log:       log.Named("correlation"),
		subs:      newBroadcaster[CorrelationSnapshot](),
	}
}

// Running reports whether an acquisition is active.
func (c *Correlation) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Devices returns the currently selected monitor pair.
func (c *Correlation) Devices() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.device1, c.device2
}

// Subscribe registers a snapshot listener. Call cancel to unregister.
func (c *Correlation) Subscribe() (<-chan CorrelationSnapshot, func()) {
	return c.subs.subscribe()
}

// Start begins streaming the two monitors. shots <= 0 selects the default
// acquisition depth.
func (c *Correlation) Start(ctx context.Context, device1, device2 string, shots int) error {
	mon1, err := c.inventory.Monitor(device1)
	if err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	mon2, err := c.inventory.Monitor(device2)
	if err != nil {
		return fmt.Errorf("panel: %w", err)
	}
	if shots <= 0 {
		shots = DefaultShots
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.device1 = device1
	c.device2 = device2
	c.buf = newRing[correlationSample](shots)
	c.mu.Unlock()

	channels := []string{
		mon1.IntensityChannel(), mon1.XPosChannel(), mon1.YPosChannel(),
		mon2.IntensityChannel(), mon2.XPosChannel(), mon2.YPosChannel(),
	}

	go c.run(runCtx, done, mon1, mon2, channels)
	c.log.Info("acquisition started",
		zap.String("device1", device1), zap.String("device2", device2), zap.Int("shots", shots))
	return nil
}

// Stop ends the acquisition and waits for the stream to wind down.
func (c *Correlation) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.Info("acquisition stopped")
}

func (c *Correlation) run(ctx context.Context, done chan struct{}, mon1, mon2 device.Monitor, channels []string) {
	defer close(done)

	src, err := c.sources(ctx, channels)
	if err != nil {
		c.log.Error("stream connect failed", zap.Error(err))
		c.markStopped()
		return
	}
	defer src.Close()

	ticker := time.NewTicker(correlationSnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.subs.publish(c.Snapshot())
		default:
		}

		msg, err := src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("stream receive failed", zap.Error(err))
			continue
		}
		c.ingest(msg, mon1, mon2)
	}
}

// markStopped clears the running flag after an aborted startup.
func (c *Correlation) markStopped() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// ingest appends one pulse to the ring buffer. Pulses missing any of the
// six channels are skipped.
func (c *Correlation) ingest(msg *bsread.Message, mon1, mon2 device.Monitor) {
	vals := [6]float64{}
	names := [6]string{
		mon1.XPosChannel(), mon1.YPosChannel(), mon1.IntensityChannel(),
		mon2.XPosChannel(), mon2.YPosChannel(), mon2.IntensityChannel(),
	}
	for i, name := range names {
		v, ok := msg.Values[name]
		if !ok || !v.Present() {
			return
		}
		vals[i] = v.Float()
	}

	sample := correlationSample{
		odd: msg.PulseID%2 == 1,
		x1:  vals[0], y1: vals[1], i1: vals[2],
		x2: vals[3], y2: vals[4], i2: vals[5],
	}
	c.mu.Lock()
	c.buf.push(sample)
	c.mu.Unlock()
}

// Snapshot returns the current even/odd correlation state.
func (c *Correlation) Snapshot() CorrelationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := CorrelationSnapshot{
		Device1:   c.device1,
		Device2:   c.device2,
		UpdatedAt: time.Now(),
	}
	if c.buf == nil || c.buf.len() == 0 {
		return snap
	}
	snap.Title = fmt.Sprintf("%s vs %s, %s", c.device2, c.device1, snap.UpdatedAt.Format("2006-01-02 15:04:05"))

	for _, s := range c.buf.items() {
		if s.odd {
			snap.XCorr.Odd.X = append(snap.XCorr.Odd.X, s.x1)
			snap.XCorr.Odd.Y = append(snap.XCorr.Odd.Y, s.x2)
			snap.YCorr.Odd.X = append(snap.YCorr.Odd.X, s.y1)
			snap.YCorr.Odd.Y = append(snap.YCorr.Odd.Y, s.y2)
			snap.ICorr.Odd.X = append(snap.ICorr.Odd.X, s.i1)
			snap.ICorr.Odd.Y = append(snap.ICorr.Odd.Y, s.i2)
		} else {
			snap.XCorr.Even.X = append(snap.XCorr.Even.X, s.x1)
			snap.XCorr.Even.Y = append(snap.XCorr.Even.Y, s.x2)
			snap.YCorr.Even.X = append(snap.YCorr.Even.X, s.y1)
			snap.YCorr.Even.Y = append(snap.YCorr.Even.Y, s.y2)
			snap.ICorr.Even.X = append(snap.ICorr.Even.X, s.i1)
			snap.ICorr.Even.Y = append(snap.ICorr.Even.Y, s.i2)
		}
	}
	return snap
}

// PushElog captures the panel page and posts it to the logbook. Posting
// is blocked while an acquisition is running, matching the panel's
// control locking.
func (c *Correlation) PushElog(ctx context.Context, pageURL string) (string, error) {
	if c.elog == nil {
		return "", ErrElogDisabled
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return "", ErrBusy
	}
	device1, device2 := c.device1, c.device2
	c.mu.Unlock()

	png, err := c.capture.Capture(ctx, pageURL)
	if err != nil {
		return "", fmt.Errorf("panel: capture correlation page: %w", err)
	}

	id, err := c.elog.Post(ctx, elog.Entry{
		Attributes: map[string]string{
			"Entry":  "Info",
			"Domain": string(device.DomainAramis),
			"System": "Diagnostics",
			"Title":  fmt.Sprintf("%s vs %s correlation", device2, device1),
		},
		Attachments: []elog.Attachment{{Name: "correlation.png", Data: png}},
	})
	if err != nil {
		return "", err
	}

	if c.history != nil {
		if _, err := c.history.SaveElogEntry(ctx, store.ElogRecord{
			Device:    device1,
			Panel:     "correlation",
			MessageID: id,
			URL:       c.elog.EntryURL(id),
		}); err != nil {
			c.log.Warn("record elog entry failed", zap.Error(err))
		}
	}
	c.log.Info("logbook entry created",
		zap.String("device1", device1), zap.String("device2", device2), zap.String("url", c.elog.EntryURL(id)))
	return id, nil
}
