package codegraph

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"cognitron/internal/config"
	"cognitron/internal/logging"
)

// Watcher triggers a full worker re-run when an entry directly inside one
// of the configured include roots changes, debouncing bursts of events
// from the same save.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher builds an fsnotify watcher over the configured include
// roots. Each root directory is watched on its own; its subdirectories
// are not added.
func NewWatcher(cfg config.CodeGraphConfig) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, root := range cfg.IncludeRoots {
		if err := fsw.Add(root); err != nil {
			logging.CodeGraphWarn("watch: could not add %s: %v", root, err)
		}
	}
	return &Watcher{fsw: fsw, debounce: 500 * time.Millisecond}, nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error { return w.fsw.Close() }

// Run blocks, debouncing bursts of fsnotify events and invoking onChange
// once per settled burst, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, onChange func()) {
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isRelevantEvent(event) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.CodeGraphWarn("watch error: %v", err)
		case <-fire:
			onChange()
		}
	}
}

func isRelevantEvent(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}
