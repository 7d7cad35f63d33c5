package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/mocksmith/mocksmith/pkg/safego"
)

const watchDebounce = 500 * time.Millisecond

// Watch reloads the config file on change and hands the fresh Config to
// onReload. Editors often emit bursts of write/rename events, so reloads
// are debounced; a file that fails to parse is logged and skipped,
// keeping the running config.
func Watch(ctx context.Context, path string, logger *zap.Logger, onReload func(*Config)) error {
	if path == "" {
		return fmt.Errorf("config watch needs an explicit file path")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory: editors replace files via rename, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	safego.Go(logger, "config-watch", func() {
		defer watcher.Close()

		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload failed, keeping previous config",
					zap.String("path", path),
					zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.String("path", path))
			onReload(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				if pending != nil {
					pending.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(watchDebounce, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", zap.Error(err))
			}
		}
	})
	return nil
}
