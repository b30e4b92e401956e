package statestore

import (
	"context"
	"os"
	"sync"
	"time"

	"gridbot/internal/core"
)

// TriggerWatcher polls for a recalculate trigger file and fires onTrigger
// debounce after the file first appears, a poll+debounce idiom used in
// place of a kernel inotify dependency. If the file disappears before the
// debounce elapses (e.g. another process raced to clean it up) the pending
// fire is cancelled.
type TriggerWatcher struct {
	path      string
	interval  time.Duration
	debounce  time.Duration
	onTrigger func(ctx context.Context)
	logger    core.Logger

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewTriggerWatcher constructs a watcher for the trigger file at path.
func NewTriggerWatcher(path string, interval, debounce time.Duration, onTrigger func(ctx context.Context), logger core.Logger) *TriggerWatcher {
	return &TriggerWatcher{
		path:      path,
		interval:  interval,
		debounce:  debounce,
		onTrigger: onTrigger,
		logger:    logger,
	}
}

// Run polls until ctx is cancelled. Call in its own goroutine.
func (w *TriggerWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

func (w *TriggerWatcher) poll(ctx context.Context) {
	_, err := os.Stat(w.path)
	exists := err == nil

	w.mu.Lock()
	defer w.mu.Unlock()

	if !exists {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		w.pending = false
		return
	}

	if w.pending {
		return
	}
	w.pending = true
	w.timer = time.AfterFunc(w.debounce, func() { w.fire(ctx) })
}

func (w *TriggerWatcher) fire(ctx context.Context) {
	w.mu.Lock()
	w.pending = false
	w.mu.Unlock()

	w.onTrigger(ctx)

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		w.logger.Error("failed to remove recalculate trigger file", "path", w.path, "error", err)
	}
}
