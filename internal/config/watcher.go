package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the event bursts editors emit on save. The first
// event arms a per-path timer; everything else inside the window folds into
// that one delivery.
const debounceWindow = 200 * time.Millisecond

type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher reports edits to the files the daemon reads at startup, so it can
// re-arm instructions and capability sources without a restart. Deliveries
// are debounced per path.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent

	mu      sync.Mutex
	pending map[string]ReloadEvent
	closed  bool
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 16),
		pending: make(map[string]ReloadEvent),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	files := []string{
		ConfigPath(w.homeDir),
		InstructionsPath(w.homeDir),
	}
	for _, file := range files {
		_ = fsw.Add(file)
	}
	// Agent capability sources live under agents/<name>/tools.json; watching
	// the agents dir catches creates of new agent directories too.
	_ = fsw.Add(filepath.Join(w.homeDir, "agents"))

	go func() {
		defer fsw.Close()
		defer close(w.events)
		defer w.markClosed()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				w.observe(ev)
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

// observe folds the raw event into the pending set, arming the delivery
// timer on the first event for a path.
func (w *Watcher) observe(ev fsnotify.Event) {
	w.mu.Lock()
	_, armed := w.pending[ev.Name]
	w.pending[ev.Name] = ReloadEvent{Path: ev.Name, Op: ev.Op}
	w.mu.Unlock()
	if armed {
		return
	}
	time.AfterFunc(debounceWindow, func() { w.deliver(ev.Name) })
}

// deliver emits the coalesced event for path. The send happens under the
// mutex so markClosed cannot race it against channel close.
func (w *Watcher) deliver(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev, ok := w.pending[path]
	delete(w.pending, path)
	if !ok || w.closed {
		return
	}
	select {
	case w.events <- ev:
	default:
	}
	w.logger.Info("watched file changed", "path", ev.Path, "op", ev.Op.String())
}

func (w *Watcher) markClosed() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}
