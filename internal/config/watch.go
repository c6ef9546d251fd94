package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chorushq/chorus/internal/workspace"
)

// debounceWindow coalesces the burst of fsnotify events editors produce for
// a single save (write + chmod, or remove + create for atomic saves).
const debounceWindow = 250 * time.Millisecond

// Watcher re-parses chorus.toml when it changes and hands the new
// configuration to a callback. Only plugin declarations take effect at
// runtime; server and limit changes are logged as requiring a restart.
type Watcher struct {
	root   string
	onLoad func(*Config)
	logger *slog.Logger
}

// NewWatcher creates a watcher for the workspace root. onLoad is called
// with each successfully parsed configuration.
func NewWatcher(root string, logger *slog.Logger, onLoad func(*Config)) *Watcher {
	return &Watcher{root: root, onLoad: onLoad, logger: logger}
}

// Run watches until ctx is canceled. The parent directory is watched rather
// than the file itself so atomic-rename saves keep working.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fw.Close() }()

	if err := fw.Add(w.root); err != nil {
		return err
	}

	target := workspace.ConfigPath(w.root)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
				timerC = timer.C
			} else {
				timer.Reset(debounceWindow)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.root)
	if err != nil {
		w.logger.Warn("config reload failed; keeping previous configuration", "error", err)
		return
	}
	w.logger.Info("configuration reloaded", "plugins", len(cfg.EnabledPlugins()))
	w.onLoad(cfg)
}
