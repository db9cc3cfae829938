// Package fswatch watches mirrored documents' underlying files for
// external changes and invalidates them in the editor/document mirror
// (SPEC_FULL.md SUPPLEMENTED FEATURES). Not part of spec.md's own
// mirror operations; bounded to the mirror's own invariants (the
// invalidation path is the same bounded re-read openDocument uses,
// never a separate unbounded read).
package fswatch

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Invalidator is the subset of *mirror.Mirror this package depends
// on, kept narrow so fswatch doesn't need to import mirror's full
// surface.
type Invalidator interface {
	Invalidate(uri string) error
}

// Watcher feeds external filesystem changes to an Invalidator,
// tracking a dynamic set of paths (the mirror's currently-open
// documents) rather than a fixed set decided at construction.
type Watcher struct {
	inner *fsnotify.Watcher
	inv   Invalidator
	log   *slog.Logger

	mu      sync.Mutex
	watched map[string]bool

	done chan struct{}
}

// New starts watching for changes; call Track/Untrack to add or
// remove paths as the mirror opens and closes documents.
func New(inv Invalidator, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	inner, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		inner:   inner,
		inv:     inv,
		log:     log,
		watched: make(map[string]bool),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Track begins watching path for external changes. A no-op if already
// tracked.
func (w *Watcher) Track(path string) error {
	w.mu.Lock()
	already := w.watched[path]
	w.mu.Unlock()
	if already {
		return nil
	}
	if err := w.inner.Add(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.watched[path] = true
	w.mu.Unlock()
	return nil
}

// Untrack stops watching path, e.g. once the mirror evicts its
// document.
func (w *Watcher) Untrack(path string) {
	w.mu.Lock()
	if !w.watched[path] {
		w.mu.Unlock()
		return
	}
	delete(w.watched, path)
	w.mu.Unlock()
	_ = w.inner.Remove(path)
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.inner.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.inner.Errors:
			if !ok {
				return
			}
			w.log.Warn("fswatch error", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}
	w.mu.Lock()
	tracked := w.watched[ev.Name]
	w.mu.Unlock()
	if !tracked {
		return
	}
	if err := w.inv.Invalidate(ev.Name); err != nil {
		w.log.Warn("fswatch invalidate failed", "path", ev.Name, "err", err)
	}
}

// Close stops the watcher goroutine and releases the underlying
// platform handle.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	return w.inner.Close()
}
