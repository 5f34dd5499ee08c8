// Package fetch provides the ContentFetcher capability the playlist fetcher
// state machine consumes: byte-level retrieval for http(s):, file:, and
// data: URLs, with abort, timeout, byterange, probe, and blocking-group
// connection-affinity support.
package fetch

import (
	"context"
	"io"
	"time"
)

// Byterange is an inclusive HTTP byte-range window. A nil Length means
// "to the end of the representation".
type Byterange struct {
	Offset uint64
	Length *uint64
}

// Header renders the byterange as an HTTP Range header value, e.g.
// "bytes=0-1023" or "bytes=1024-" when Length is nil.
func (b Byterange) Header() string {
	if b.Length == nil {
		return "bytes=" + uitoa(b.Offset) + "-"
	}
	end := b.Offset + *b.Length - 1
	return "bytes=" + uitoa(b.Offset) + "-" + uitoa(end)
}

func uitoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// Meta is the response metadata returned alongside a fetch's byte stream.
type Meta struct {
	// URL is the final resolved URL (after redirects).
	URL string
	// MIME is the lower-cased content-type, stripped of parameters.
	MIME string
	// Size is the byte count, or -1 if unknown.
	Size int64
	// Modified is the remote last-modified instant, if advertised.
	Modified *time.Time
	// ETag is the remote entity tag, if advertised.
	ETag string
}

// DownloadTracker is an optional progress-observation hook. A hook that
// panics is recovered; the fetch layer keeps calling the remaining hooks
// for that request.
type DownloadTracker interface {
	// Start is called once the request is about to be issued. The returned
	// token is passed to Advance/Finish for this request.
	Start(url string, opts TrackerStartOpts) any
	// Advance reports additional bytes received. A zero-byte call signals
	// "response headers received".
	Advance(token any, bytes int64)
	// Finish is called exactly once when the request completes, successfully
	// or not.
	Finish(token any, err error)
}

// TrackerStartOpts carries the request shape a tracker may want to record.
type TrackerStartOpts struct {
	Byterange *Byterange
	Blocking  string
}

// Options configures a single Perform call.
type Options struct {
	Byterange *Byterange
	// Probe requests metadata only, no body.
	Probe bool
	// Timeout bounds the whole request; zero makes HTTPFetcher use its
	// 30-second default. FileFetcher and DataFetcher ignore it.
	Timeout time.Duration
	// Retries is the automatic server-side-retry budget on soft failures.
	Retries uint8
	// Blocking is the connection-affinity group key; requests sharing a key
	// are serialized through one connection.
	Blocking string
	// Fresh requires the request to bypass any intermediate cache.
	Fresh bool
	Tracker DownloadTracker
}

// Result bundles a fetch's metadata with its (optional) byte stream.
type Result struct {
	Meta Meta
	// Completed resolves when the body has been fully delivered or errored.
	// It is safe to wait on even if Stream is nil (e.g. a probe request).
	Completed <-chan error
	// Stream is nil for probe requests.
	Stream io.ReadCloser

	cancel func(reason error)
}

// Cancel drops the stream without treating it as an error.
func (r *Result) Cancel(reason error) {
	if r.cancel != nil {
		r.cancel(reason)
	}
}

// ConsumeUTF8 drains Stream and returns its contents decoded as UTF-8. It is
// an error to call this on a probe result (Stream is nil).
func (r *Result) ConsumeUTF8(ctx context.Context) (string, error) {
	if r.Stream == nil {
		return "", ErrNoBody
	}
	defer r.Stream.Close()

	type readResult struct {
		data []byte
		err  error
	}
	done := make(chan readResult, 1)
	go func() {
		data, err := io.ReadAll(r.Stream)
		done <- readResult{data, err}
	}()

	select {
	case <-ctx.Done():
		r.Cancel(ctx.Err())
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		return string(res.data), nil
	}
}

// Fetcher is the ContentFetcher capability: fetch bytes + metadata for a
// URL, honoring Options. Concrete implementations are selected by URL
// scheme (see NewForURL).
type Fetcher interface {
	Perform(ctx context.Context, url string, opts Options) (*Result, error)
}
