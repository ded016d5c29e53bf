package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// configWatcher reloads the config file whenever it changes on disk and hands the result to apply. The
// directory is watched rather than the file, since editors commonly replace the file on save.
type configWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	apply    func(config)

	logger *slog.Logger
}

const errLoggerKey = "err"

func newConfigWatcher(path string, apply func(config), logger *slog.Logger) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("error creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("error watching config directory: %w", err)
	}

	return &configWatcher{
		watcher:  watcher,
		path:     filepath.Clean(path),
		debounce: 100 * time.Millisecond,
		apply:    apply,
		logger:   logger.With(slog.String("module", "config")),
	}, nil
}

// Run processes file events until ctx is done or the watcher is closed. Bursts of events are collapsed
// into a single reload.
func (w *configWatcher) Run(ctx context.Context) {
	var reload <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Config watcher error", slog.String(errLoggerKey, err.Error()))
		}
	}
}

func (w *configWatcher) reload() {
	cfg, err := loadConfig(w.path)
	if err != nil {
		// Keep running with the previous configuration.
		w.logger.Error("Failed to reload config", slog.String(errLoggerKey, err.Error()))
		return
	}

	w.logger.Info("Config reloaded", slog.String("path", w.path))
	w.apply(cfg)
}

// Close stops the watcher.
func (w *configWatcher) Close() error {
	return w.watcher.Close()
}
