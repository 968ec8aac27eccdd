package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"photodiag/internal/device"
)

// debounceWindow coalesces the write bursts editors produce when saving.
const debounceWindow = 250 * time.Millisecond

// Watch reloads the device inventory when the config file changes. Only the
// devices and spectrometers sections take effect at runtime; everything
// else requires a restart. Watch blocks until ctx is cancelled and returns
// nil on cancellation, so a supervised shutdown stays clean.
func Watch(ctx context.Context, path string, inv *device.Inventory, log *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace files on save, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	target := filepath.Clean(path)
	var pending *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounceWindow, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", zap.Error(err))
		case <-reload:
			cfg, err := Load(path)
			if err != nil {
				log.Error("config reload failed", zap.Error(err))
				continue
			}
			if err := cfg.Validate(); err != nil {
				log.Error("reloaded config invalid, keeping previous inventory", zap.Error(err))
				continue
			}
			inv.Replace(cfg.monitors(), cfg.spectrometers())
			log.Info("device inventory reloaded",
				zap.Int("monitors", len(cfg.Devices)),
				zap.Int("spectrometers", len(cfg.Spectrometers)))
		}
	}
}
