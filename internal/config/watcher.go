package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the relay display settings when the config file changes.
// Only the relay section is hot-reloaded; everything else (backend URL,
// bridge URL, store mode) requires a restart.
type Watcher struct {
	path     string
	cfg      *Config
	onChange func(RelayConfig)
	fw       *fsnotify.Watcher
	cancel   context.CancelFunc
}

// NewWatcher creates a watcher for the given config file.
// onChange is invoked after the relay section has been swapped in.
func NewWatcher(path string, cfg *Config, onChange func(RelayConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{path: path, cfg: cfg, onChange: onChange, fw: fw}, nil
}

// Start begins watching. The parent directory is watched rather than the file
// itself so editors that replace the file (rename-over) are still caught.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.fw.Add(dir); err != nil {
		return err
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.loop(ctx)

	slog.Debug("config watcher started", "path", w.path)
	return nil
}

// Stop shuts the watcher down.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	_ = w.fw.Close()
}

func (w *Watcher) loop(ctx context.Context) {
	base := filepath.Base(w.path)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			w.reload()
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			slog.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	fresh, err := Load(w.path)
	if err != nil {
		slog.Warn("config reload failed, keeping current settings", "error", err)
		return
	}

	w.cfg.ReplaceRelay(fresh.Relay)
	slog.Info("relay settings reloaded",
		"show_thoughts", fresh.Relay.ShowThoughts,
		"show_outputs", fresh.Relay.ShowOutputs,
		"show_file_ops", fresh.Relay.ShowFileOps,
	)

	if w.onChange != nil {
		w.onChange(fresh.Relay)
	}
}
