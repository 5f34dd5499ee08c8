// Package reader implements the PlaylistReader: a pull-based,
// single-consumer adapter over a PlaylistFetcher with a zero-capacity
// buffer (spec §4.5). Grounded on the teacher's HLSCollapser
// Start/Read/ReadContext producer-consumer shape
// (internal/relay/hls_collapser.go), but replacing its internally
// buffered channel with direct synchronous calls into the fetcher, since
// highWaterMark = 0 means no buffering may happen at all: the next
// fetch/update is only initiated when the consumer calls Next.
package reader

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jmylchreest/hlspoll/internal/fetcher"
)

// Reader is the PlaylistReader of spec §4.5.
type Reader struct {
	fetcher      *fetcher.Fetcher
	maxStallTime time.Duration

	mu       sync.Mutex
	started  bool
	closed   bool
	closeErr error
}

// New builds a Reader over f. maxStallTime is propagated to every
// subsequent Update call as its stall timeout.
func New(f *fetcher.Fetcher, maxStallTime time.Duration) *Reader {
	return &Reader{fetcher: f, maxStallTime: maxStallTime}
}

// Next pulls the next snapshot. The first call invokes the fetcher's
// Index; every later call invokes Update with the reader's
// maxStallTime. Once a snapshot is delivered whose fetcher no longer
// reports CanUpdate(), the stream terminates: Next returns io.EOF from
// then on. A fatal error from Index/Update closes the stream with that
// error instead, and every later Next call repeats it.
func (r *Reader) Next(ctx context.Context) (*fetcher.Snapshot, error) {
	r.mu.Lock()
	if r.closed {
		err := r.closeErr
		r.mu.Unlock()
		return nil, err
	}
	first := !r.started
	r.started = true
	r.mu.Unlock()

	var (
		snap *fetcher.Snapshot
		err  error
	)
	if first {
		snap, err = r.fetcher.Index(ctx)
	} else {
		snap, err = r.fetcher.Update(ctx, r.maxStallTime)
	}
	if err != nil {
		r.closeWith(err)
		return nil, err
	}

	if !r.fetcher.CanUpdate() {
		r.closeWith(io.EOF)
	}
	return snap, nil
}

func (r *Reader) closeWith(err error) {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		r.closeErr = err
	}
	r.mu.Unlock()
}

// Close cancels the stream's underlying fetcher and terminates the
// stream for future Next calls, per spec §5's "cancellation of the
// stream cancels the fetcher".
func (r *Reader) Close() error {
	r.closeWith(io.EOF)
	r.fetcher.Cancel(nil)
	return nil
}
