package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the configuration file whenever it changes and pushes valid
// snapshots into the store. An invalid or unreadable file is logged and
// ignored; the store keeps its last-known-good configuration. Watch blocks
// until ctx is cancelled.
func Watch(ctx context.Context, path string, store *Store, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: editors replace files on save,
	// which would otherwise drop the watch.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			abs, err := filepath.Abs(ev.Name)
			if err != nil || abs != target {
				continue
			}

			cfg, err := Load(path)
			if err != nil {
				log.Warn("config reload rejected, keeping previous configuration",
					"path", path, "error", err)
				continue
			}
			if err := store.Replace(cfg); err != nil {
				log.Warn("config reload rejected by store", "error", err)
				continue
			}
			log.Info("configuration reloaded", "path", path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", "error", err)
		}
	}
}
