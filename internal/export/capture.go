// Package export renders panel pages to PNG for logbook attachments using
// a headless browser.
package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// Capturer owns a lazily launched headless browser and renders pages from
// it on demand. Safe for concurrent use.
type Capturer struct {
	viewportWidth  int
	viewportHeight int
	settle         time.Duration
	navTimeout     time.Duration
	headless       bool
	browserBin     string
	log            *zap.Logger

	mu         sync.Mutex
	browser    *rod.Browser
	controlURL string
}

// Option adjusts Capturer behaviour.
type Option func(*Capturer)

// WithViewport sets the render viewport. Non-positive dimensions keep the
// defaults.
func WithViewport(width, height int) Option {
	return func(c *Capturer) {
		if width > 0 && height > 0 {
			c.viewportWidth = width
			c.viewportHeight = height
		}
	}
}

// WithHeadless toggles headless browser mode.
func WithHeadless(headless bool) Option {
	return func(c *Capturer) { c.headless = headless }
}

// WithBrowserBin sets an explicit browser binary instead of the
// auto-downloaded one.
func WithBrowserBin(path string) Option {
	return func(c *Capturer) { c.browserBin = path }
}

// WithNavigationTimeout bounds how long one capture may take.
func WithNavigationTimeout(d time.Duration) Option {
	return func(c *Capturer) {
		if d > 0 {
			c.navTimeout = d
		}
	}
}

// WithSettleDelay sets how long to wait after load before capturing, so
// streaming plots have data on screen.
func WithSettleDelay(d time.Duration) Option {
	return func(c *Capturer) { c.settle = d }
}

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Capturer) { c.log = log }
}

// NewCapturer builds a Capturer. The browser is launched on first use.
func NewCapturer(opts ...Option) *Capturer {
	c := &Capturer{
		viewportWidth:  1500,
		viewportHeight: 850,
		settle:         2 * time.Second,
		navTimeout:     30 * time.Second,
		headless:       true,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ensureStarted launches and connects the browser if needed. The browser
// outlives individual captures; per-capture contexts apply to pages only.
func (c *Capturer) ensureStarted() (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		return c.browser, nil
	}

	l := launcher.New().Headless(c.headless)
	if c.browserBin != "" {
		l = l.Bin(c.browserBin)
	}
	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("export: launch browser: %w", err)
	}
	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("export: connect browser: %w", err)
	}
	c.browser = browser
	c.controlURL = url
	c.log.Info("headless browser started", zap.String("control_url", url))
	return browser, nil
}

// Capture renders the page at url and returns a PNG.
func (c *Capturer) Capture(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.navTimeout)
	defer cancel()

	browser, err := c.ensureStarted()
	if err != nil {
		return nil, err
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return nil, fmt.Errorf("export: open %s: %w", url, err)
	}
	defer page.Close()

	page = page.Context(ctx)
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             c.viewportWidth,
		Height:            c.viewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("export: set viewport: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("export: wait load %s: %w", url, err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.settle):
	}

	png, err := page.Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("export: screenshot %s: %w", url, err)
	}
	c.log.Debug("page captured", zap.String("url", url), zap.Int("bytes", len(png)))
	return png, nil
}

// Close shuts the browser down.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.browser = nil
	return err
}
