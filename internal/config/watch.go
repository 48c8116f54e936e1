package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the config at path whenever the file changes and hands every
// successfully validated config to apply. Invalid configs are logged and the
// previous one stays in effect. The watch stops when ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, apply func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	target := filepath.Clean(path)
	// watch the directory: editors and config-map mounts replace files by rename
	if err := w.Add(filepath.Dir(target)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&fsnotify.Chmod == fsnotify.Chmod {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			case <-fire:
				fire = nil
				c, err := Load(target)
				if err != nil {
					logger.Error("config reload rejected", "path", target, "error", err)
					continue
				}
				logger.Info("config reloaded", "path", target, "routes", len(c.Routes))
				apply(c)
			}
		}
	}()
	return nil
}
