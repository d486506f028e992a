package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// settleDelay lets an editor finish writing before the file is read.
	settleDelay  = 100 * time.Millisecond
	pollInterval = 2 * time.Second
)

// Watcher reloads a configuration file when it changes on disk. A file
// that fails to load is reported and the previous configuration stays in
// effect.
type Watcher struct {
	path     string
	profile  string
	onChange func(Snapshot)
	onError  func(error)
	logger   *slog.Logger
}

// NewWatcher watches path and resolves profile (or the file's active
// profile when empty) on every change.
func NewWatcher(path, profile string, onChange func(Snapshot), onError func(error)) *Watcher {
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		path:     path,
		profile:  profile,
		onChange: onChange,
		onError:  onError,
		logger:   slog.Default().With("component", "config-watch"),
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify not available, falling back to polling", "error", err)
		w.poll(ctx)
		return
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Debug("Failed to close watcher", "error", err)
		}
	}()

	// Watch the directory: editors replace the file rather than write it.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to watch config directory, falling back to polling", "error", err)
		w.poll(ctx)
		return
	}
	w.logger.Debug("Config watcher started", "path", w.path)

	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				w.poll(ctx)
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				settle.Reset(settleDelay)
			}

		case <-settle.C:
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				w.poll(ctx)
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		}
	}
}

func (w *Watcher) poll(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var last time.Time
	if info, err := os.Stat(w.path); err == nil {
		last = info.ModTime()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil || !info.ModTime().After(last) {
				continue
			}
			last = info.ModTime()
			w.reload()
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadWithProfile(w.path, w.profile)
	if err != nil {
		w.logger.Warn("Ignoring invalid configuration", "path", w.path, "error", err)
		w.onError(err)
		return
	}
	w.logger.Info("Configuration reloaded", "path", w.path, "profile", cfg.Profile)
	w.onChange(cfg.Snapshot())
}
