package export

import (
	"testing"
	"time"
)

func TestOptionsApply(t *testing.T) {
	c := NewCapturer(
		WithViewport(800, 600),
		WithSettleDelay(50*time.Millisecond),
		WithNavigationTimeout(10*time.Second),
		WithHeadless(false),
		WithBrowserBin("/usr/bin/chromium"),
	)
	if c.viewportWidth != 800 || c.viewportHeight != 600 {
		t.Errorf("viewport = %dx%d", c.viewportWidth, c.viewportHeight)
	}
	if c.settle != 50*time.Millisecond {
		t.Errorf("settle = %v", c.settle)
	}
	if c.navTimeout != 10*time.Second {
		t.Errorf("navTimeout = %v", c.navTimeout)
	}
	if c.headless {
		t.Error("headless should be disabled")
	}
	if c.browserBin != "/usr/bin/chromium" {
		t.Errorf("browserBin = %q", c.browserBin)
	}
}

func TestDefaults(t *testing.T) {
	c := NewCapturer()
	if c.viewportWidth != 1500 || c.viewportHeight != 850 {
		t.Errorf("viewport = %dx%d", c.viewportWidth, c.viewportHeight)
	}
	if !c.headless {
		t.Error("headless must default to true")
	}
	if c.log == nil {
		t.Error("logger must default to a nop logger")
	}
}

func TestViewportIgnoresNonPositive(t *testing.T) {
	c := NewCapturer(WithViewport(0, 0))
	if c.viewportWidth != 1500 || c.viewportHeight != 850 {
		t.Errorf("viewport = %dx%d, want defaults kept", c.viewportWidth, c.viewportHeight)
	}
}

func TestCloseWithoutStart(t *testing.T) {
	c := NewCapturer()
	if err := c.Close(); err != nil {
		t.Errorf("Close on idle capturer: %v", err)
	}
}
