package fswatch

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type fakeMirror struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeMirror) Invalidate(uri string) error {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, uri)
	f.mu.Unlock()
	return nil
}

func (f *fakeMirror) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invalidated)
}

func TestTrackedFileChangeInvalidatesMirror(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fm := &fakeMirror{}
	w, err := New(fm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Track(path); err != nil {
		t.Fatalf("Track: %v", err)
	}

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	for fm.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for invalidation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestUntrackedFileChangeIsIgnored(t *testing.T) {
	dir := t.TempDir()
	tracked := filepath.Join(dir, "tracked.txt")
	untracked := filepath.Join(dir, "untracked.txt")
	for _, p := range []string{tracked, untracked} {
		if err := os.WriteFile(p, []byte("v1"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fm := &fakeMirror{}
	w, err := New(fm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Track(tracked); err != nil {
		t.Fatalf("Track: %v", err)
	}
	// untracked is deliberately never passed to Track.

	if err := os.WriteFile(untracked, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if fm.count() != 0 {
		t.Fatalf("expected no invalidation for untracked path, got %d", fm.count())
	}
}

func TestUntrackStopsFurtherInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.txt")
	if err := os.WriteFile(path, []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	fm := &fakeMirror{}
	w, err := New(fm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	if err := w.Track(path); err != nil {
		t.Fatal(err)
	}
	w.Untrack(path)

	if err := os.WriteFile(path, []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if fm.count() != 0 {
		t.Fatalf("expected no invalidation after Untrack, got %d", fm.count())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fm := &fakeMirror{}
	w, err := New(fm, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
