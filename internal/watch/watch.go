// Package watch provides the ChangeWatcher capability for file: playlist
// URLs: it watches a file's parent directory (so atomic rename-replace is
// observed, per fsnotify's own documented caveat) and reports when the
// named file changes, collapsing bursts of events between Next calls into
// a single result. Grounded on ausocean-cloud's cmd/vidforward/watcher.go,
// generalized from a one-shot callback into the pull-based Next() the
// fetcher state machine needs.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Event is the outcome of one Next call.
type Event int

const (
	// EventChange indicates any event on the watched file other than a
	// create or rename (e.g. a write).
	EventChange Event = iota
	// EventRename indicates the watched file's directory entry changed
	// identity (e.g. the atomic rename-into-place this watcher exists for).
	EventRename
	// EventTimeout indicates no event arrived before the requested timeout.
	EventTimeout
)

func (e Event) String() string {
	switch e {
	case EventChange:
		return "change"
	case EventRename:
		return "rename"
	case EventTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// ErrClosed is returned by Next once the watcher has been closed. Close is
// idempotent and returns nil on repeat calls.
var ErrClosed = errors.New("watch: watcher closed")

// Watcher is the ChangeWatcher capability described in spec §4.4.
type Watcher interface {
	// Next blocks until an event is observed, timeout elapses (if non-zero),
	// or the watcher is closed. A zero timeout waits indefinitely.
	Next(ctx context.Context, timeout time.Duration) (Event, error)
	Close() error
}

// fsWatcher is the fsnotify-backed Watcher implementation.
type fsWatcher struct {
	fsw    *fsnotify.Watcher
	file   string
	dir    string

	mu       sync.Mutex
	pending  *Event // coalesced event accumulated while no Next was pending
	pendErr  error
	closed   bool
	closeErr error

	wake chan struct{}
}

// Create opens a Watcher on the parent directory of the filesystem path
// and reports events for that file only. It returns an error when the
// watcher cannot be set up; it never returns a nil Watcher with a nil
// error. The fetcher creates one only for file: URLs and otherwise waits
// on a plain timer (spec §4.2).
func Create(path string) (Watcher, error) {
	dir := filepath.Dir(path)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch: watching directory %q: %w", dir, err)
	}

	w := &fsWatcher{
		fsw:  fsw,
		file: filepath.Clean(path),
		dir:  dir,
		wake: make(chan struct{}, 1),
	}
	go w.run()
	return w, nil
}

func (w *fsWatcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				w.deliverErr(ErrClosed)
				return
			}
			if filepath.Clean(ev.Name) != w.file {
				continue
			}
			kind := EventChange
			if ev.Op&(fsnotify.Rename|fsnotify.Create) != 0 {
				kind = EventRename
			}
			w.coalesce(kind)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				w.deliverErr(ErrClosed)
				return
			}
			w.deliverErr(err)
		}
	}
}

// coalesce records the latest event kind. Multiple events arriving between
// Next calls (or within one event-loop turn) collapse to one resolution,
// per spec §4.4.
func (w *fsWatcher) coalesce(kind Event) {
	w.mu.Lock()
	w.pending = &kind
	w.mu.Unlock()
	w.signal()
}

func (w *fsWatcher) deliverErr(err error) {
	w.mu.Lock()
	if w.pendErr == nil {
		w.pendErr = err
	}
	w.mu.Unlock()
	w.signal()
}

func (w *fsWatcher) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Next implements Watcher.
func (w *fsWatcher) Next(ctx context.Context, timeout time.Duration) (Event, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return EventTimeout, ErrClosed
	}
	if w.pendErr != nil {
		err := w.pendErr
		w.mu.Unlock()
		return EventTimeout, err
	}
	if w.pending != nil {
		ev := *w.pending
		w.pending = nil
		w.mu.Unlock()
		return ev, nil
	}
	w.mu.Unlock()

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutCh = t.C
	}

	select {
	case <-w.wake:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.closed {
			return EventTimeout, ErrClosed
		}
		if w.pendErr != nil {
			return EventTimeout, w.pendErr
		}
		if w.pending != nil {
			ev := *w.pending
			w.pending = nil
			return ev, nil
		}
		return EventTimeout, nil
	case <-timeoutCh:
		return EventTimeout, nil
	case <-ctx.Done():
		return EventTimeout, ctx.Err()
	}
}

// Close implements Watcher. It is idempotent.
func (w *fsWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fsw.Close()
	w.signal()
	return err
}
