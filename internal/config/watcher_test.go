package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchReturnsNilOnShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photodiag.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	inv := DefaultConfig().Inventory()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, path, inv, zap.NewNop())
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err, "a cancelled watch is a clean shutdown, not a failure")
	case <-time.After(5 * time.Second):
		t.Fatal("Watch did not return after cancellation")
	}
}

func TestWatchReloadsInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photodiag.yaml")
	cfg := DefaultConfig()
	require.NoError(t, cfg.Save(path))

	inv := cfg.Inventory()
	before := len(inv.Monitors())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		errCh <- Watch(ctx, path, inv, zap.NewNop())
	}()

	// give the watcher time to register before rewriting the file
	time.Sleep(100 * time.Millisecond)
	cfg.Devices = append(cfg.Devices, MonitorConfig{Name: "SATFE10-PEPG046-EXTRA"})
	require.NoError(t, cfg.Save(path))

	deadline := time.Now().Add(5 * time.Second)
	for len(inv.Monitors()) == before {
		if time.Now().After(deadline) {
			t.Fatal("inventory was not reloaded")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	require.NoError(t, <-errCh)
}
