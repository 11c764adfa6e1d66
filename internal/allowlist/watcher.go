package allowlist

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// WatchEvent reports a debounced change to the allowlist file.
type WatchEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher watches the allowlist file for external edits and emits debounced
// change events so the daemon can reload policy without restarting.
type Watcher struct {
	path    string
	logger  *log.Logger
	watcher *fsnotify.Watcher

	debounceWindow time.Duration
	events         chan WatchEvent
	errors         chan error

	mu      sync.Mutex
	pending map[string]fsnotify.Op

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a watcher for the allowlist file at path. The file's
// parent directory is watched so atomic rename-over-save is observed.
func NewWatcher(path string, logger *log.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("allowlist path is required")
	}
	if logger == nil {
		logger = log.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}

	return &Watcher{
		path:           path,
		logger:         logger,
		watcher:        fsw,
		debounceWindow: 200 * time.Millisecond,
		events:         make(chan WatchEvent, 16),
		errors:         make(chan error, 1),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}, nil
}

// Events returns the debounced change channel.
func (w *Watcher) Events() <-chan WatchEvent {
	return w.events
}

// Errors returns the watcher error channel.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start runs the watch loop until the context is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	go w.loop(ctx)
	return nil
}

// Stop shuts the watcher down and waits for the loop to exit.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.doneCh
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.debounceWindow)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			// Only the allowlist file itself (or its tmp sibling being
			// renamed into place) is interesting.
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			w.record(ev.Name, ev.Op)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			default:
			}
		case <-ticker.C:
			w.flush()
		}
	}
}

// record aggregates ops per path inside the debounce window.
func (w *Watcher) record(path string, op fsnotify.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending[path] |= op
}

// flush emits one event per changed path and clears the pending set.
func (w *Watcher) flush() {
	w.mu.Lock()
	pending := w.pending
	w.pending = make(map[string]fsnotify.Op)
	w.mu.Unlock()

	for path, op := range pending {
		select {
		case w.events <- WatchEvent{Path: path, Op: op}:
		default:
			w.logger.Warn("dropping allowlist watch event", "path", path)
		}
	}
}
