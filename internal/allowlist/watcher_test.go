package allowlist

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

func TestWatcherDebounceAggregatesOps(t *testing.T) {
	t.Parallel()

	w := &Watcher{
		path:           "/tmp/approvals.json",
		logger:         log.Default(),
		debounceWindow: 100 * time.Millisecond,
		events:         make(chan WatchEvent, 10),
		errors:         make(chan error, 1),
		pending:        make(map[string]fsnotify.Op),
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}

	w.record("/tmp/approvals.json", fsnotify.Create)
	w.record("/tmp/approvals.json", fsnotify.Write)
	w.flush()

	ev := <-w.events
	if ev.Op&(fsnotify.Create|fsnotify.Write) != (fsnotify.Create | fsnotify.Write) {
		t.Fatalf("ops not aggregated: got=%v", ev.Op)
	}

	select {
	case extra := <-w.events:
		t.Fatalf("unexpected second event: %+v", extra)
	default:
	}
}

func TestWatcherEmitsOnSave(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.json")

	w, err := NewWatcher(path, log.Default())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	f := emptyFile()
	if err := f.AddEntry("builder", "/usr/bin/git"); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if err := Save(path, f); err != nil {
		t.Fatalf("Save: %v", err)
	}

	select {
	case ev := <-w.Events():
		if filepath.Clean(ev.Path) != filepath.Clean(path) {
			t.Fatalf("event path = %q, want %q", ev.Path, path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch event")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.json")

	w, err := NewWatcher(path, log.Default())
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(func() { _ = w.Stop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for unrelated file: %+v", ev)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNewWatcherEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher("", log.Default()); err == nil {
		t.Fatal("expected error for empty path")
	}
}
