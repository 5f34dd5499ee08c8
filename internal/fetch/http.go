package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmylchreest/hlspoll/pkg/httpclient"
)

// defaultTimeout is the fetch layer's default request timeout (spec §4.2:
// "30 s default timeout").
const defaultTimeout = 30 * time.Second

// HTTPFetcher implements Fetcher for http: and https: URLs on top of the
// teacher's resilient httpclient.Client (circuit breaker, retry/backoff,
// transparent decompression), with a BlockingPool for the spec's
// connection-affinity requirement: a request with a blocking key bypasses
// the resilient client and is sent on the key's pooled size-1
// *http.Client instead.
type HTTPFetcher struct {
	client *httpclient.Client
	pool   *BlockingPool
	logger *slog.Logger
}

// NewHTTPFetcher builds an HTTPFetcher. cfg configures the underlying
// resilient client (retry/backoff, circuit breaker, decompression,
// response-size ceiling); pool may be nil to use DefaultBlockingPool.
func NewHTTPFetcher(cfg httpclient.Config, pool *BlockingPool) *HTTPFetcher {
	if pool == nil {
		pool = DefaultBlockingPool
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPFetcher{
		client: httpclient.New(cfg),
		pool:   pool,
		logger: cfg.Logger,
	}
}

// Perform implements Fetcher.
func (f *HTTPFetcher) Perform(ctx context.Context, url string, opts Options) (*Result, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)

	// requestID correlates this request's log lines, the same way the
	// teacher's HLSCollapser tags every collapse session with a uuid
	// (internal/relay/hls_collapser.go's sessionID).
	requestID := uuid.NewString()
	f.logger.Debug("fetch: request starting",
		slog.String("request_id", requestID), slog.String("url", url), slog.Bool("blocking", opts.Blocking != ""))

	method := http.MethodGet
	if opts.Probe {
		method = http.MethodHead
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch: building request: %w", err)
	}
	if opts.Byterange != nil {
		req.Header.Set("Range", opts.Byterange.Header())
	}
	if opts.Fresh {
		req.Header.Set("Cache-Control", "no-store")
		req.Header.Set("Pragma", "no-cache")
	}

	var token any
	if opts.Tracker != nil {
		token = f.startTracker(opts.Tracker, url, opts)
	}

	var resp *http.Response
	if opts.Blocking != "" {
		client := f.pool.Acquire(opts.Blocking)
		defer f.pool.Release(opts.Blocking)
		resp, err = client.Do(req)
	} else if opts.Retries > 0 {
		resp, err = f.client.DoWithRetries(reqCtx, req, int(opts.Retries))
	} else {
		resp, err = f.client.DoWithContext(reqCtx, req)
	}
	if err != nil {
		cancel()
		f.finishTracker(opts.Tracker, token, err)
		f.logger.Debug("fetch: request failed", slog.String("request_id", requestID), slog.Any("error", err))
		return nil, classifyTransportErr(url, reqCtx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		statusErr := &StatusError{URL: url, Status: resp.StatusCode, Cause: fmt.Errorf("%s", http.StatusText(resp.StatusCode))}
		f.finishTracker(opts.Tracker, token, statusErr)
		return nil, statusErr
	}

	if opts.Tracker != nil {
		f.advanceTracker(opts.Tracker, token, 0)
	}

	meta := metaFromResponse(resp)

	if opts.Probe {
		resp.Body.Close()
		cancel()
		f.finishTracker(opts.Tracker, token, nil)
		completed := make(chan error, 1)
		completed <- nil
		return &Result{Meta: meta, Completed: completed, cancel: func(error) {}}, nil
	}

	completed := make(chan error, 1)
	stream := &trackingBody{
		body:    resp.Body,
		tracker: opts.Tracker,
		token:   token,
		done:    completed,
		cancel:  cancel,
	}

	return &Result{
		Meta:      meta,
		Completed: completed,
		Stream:    stream,
		cancel: func(reason error) {
			stream.cancelWithReason(reason)
		},
	}, nil
}

func (f *HTTPFetcher) startTracker(t DownloadTracker, url string, opts Options) (token any) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("download tracker start panicked, disabling for request",
				slog.Any("panic", r), slog.String("url", url))
			token = nil
		}
	}()
	var br *Byterange
	if opts.Byterange != nil {
		b := *opts.Byterange
		br = &b
	}
	return t.Start(url, TrackerStartOpts{Byterange: br, Blocking: opts.Blocking})
}

func (f *HTTPFetcher) advanceTracker(t DownloadTracker, token any, n int64) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("download tracker advance panicked", slog.Any("panic", r))
		}
	}()
	t.Advance(token, n)
}

func (f *HTTPFetcher) finishTracker(t DownloadTracker, token any, err error) {
	if t == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("download tracker finish panicked", slog.Any("panic", r))
		}
	}()
	t.Finish(token, err)
}

// trackingBody wraps a response body, reporting progress to a
// DownloadTracker and resolving Completed on EOF or error, without
// buffering or tee-ing the stream (design note §9: "avoid duplicating the
// buffer").
type trackingBody struct {
	body    io.ReadCloser
	tracker DownloadTracker
	token   any
	done    chan error
	cancel  context.CancelFunc
	fired   bool
}

func (b *trackingBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 && b.tracker != nil {
		safeAdvance(b.tracker, b.token, int64(n))
	}
	if err != nil {
		b.finish(errOrNilOnEOF(err))
	}
	return n, err
}

func (b *trackingBody) Close() error {
	err := b.body.Close()
	b.finish(nil)
	b.cancel()
	return err
}

func (b *trackingBody) cancelWithReason(reason error) {
	b.body.Close()
	b.finish(reason)
	b.cancel()
}

func (b *trackingBody) finish(err error) {
	if b.fired {
		return
	}
	b.fired = true
	if b.tracker != nil {
		safeFinish(b.tracker, b.token, err)
	}
	b.done <- err
}

func errOrNilOnEOF(err error) error {
	if err == io.EOF {
		return nil
	}
	return err
}

func safeAdvance(t DownloadTracker, token any, n int64) {
	defer func() { recover() }()
	t.Advance(token, n)
}

func safeFinish(t DownloadTracker, token any, err error) {
	defer func() { recover() }()
	t.Finish(token, err)
}

func metaFromResponse(resp *http.Response) Meta {
	m := Meta{
		URL:  resp.Request.URL.String(),
		Size: resp.ContentLength,
	}
	if m.Size == 0 && resp.ContentLength < 0 {
		m.Size = -1
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			m.MIME = strings.ToLower(mt)
		} else {
			m.MIME = strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
		}
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		m.ETag = etag
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			m.Modified = &t
		}
	}
	return m
}

func classifyTransportErr(url string, ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return &TimeoutError{URL: url, Cause: err}
	}
	if ctx.Err() == context.Canceled {
		return &AbortError{URL: url, Reason: err}
	}
	return &TransportError{URL: url, Syscall: syscallName(err), Cause: err}
}

// syscallName extracts a short errno-like label when the error wraps a
// recognizable DNS/connection failure, for parity with the node variant's
// syscall-tagged transport errors (spec §4.2 isRecoverableUpdateError).
func syscallName(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "no such host"):
		return "ENOTFOUND"
	case strings.Contains(s, "connection refused"):
		return "ECONNREFUSED"
	case strings.Contains(s, "connection reset"):
		return "ECONNRESET"
	case strings.Contains(s, "i/o timeout"):
		return "ETIMEDOUT"
	default:
		return ""
	}
}
