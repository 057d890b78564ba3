package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultCoalesceWindow groups the several filesystem events an editor
// produces for one save into a single reload.
const DefaultCoalesceWindow = 100 * time.Millisecond

// ReloadEvent reports a change to config.yaml. Op is the union of the
// operations seen during the coalesce window.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the home directory and emits a ReloadEvent whenever
// config.yaml is written, created or renamed into place.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	window  time.Duration
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		window:  DefaultCoalesceWindow,
		events:  make(chan ReloadEvent, 4),
	}
}

// Events is closed when the watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching until ctx is done. It fails when the home
// directory cannot be watched.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files by rename, so the directory is watched rather
	// than the file itself.
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return err
	}
	go w.loop(ctx, fsw, ConfigPath(w.homeDir))
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, target string) {
	defer fsw.Close()
	defer close(w.events)

	var (
		pending *ReloadEvent
		flush   <-chan time.Time
		timer   *time.Timer
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if pending != nil {
				pending.Op |= ev.Op
				continue
			}
			pending = &ReloadEvent{Path: ev.Name, Op: ev.Op}
			timer = time.NewTimer(w.window)
			flush = timer.C
		case <-flush:
			select {
			case w.events <- *pending:
			default:
				w.logger.Warn("config reload event dropped; consumer is behind", "path", pending.Path)
			}
			w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			pending, flush, timer = nil, nil, nil
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}
