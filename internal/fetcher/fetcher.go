// Package fetcher implements the playlist fetcher state machine: the
// ~55% core of the engine (spec §2/§4.2). It owns the update loop,
// scheduling, blocking-reload URL construction, monotonicity enforcement,
// recovery policy, stall timer, and cancellation described by spec.md.
package fetcher

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlspoll/internal/fetch"
	"github.com/jmylchreest/hlspoll/internal/playlist"
	"github.com/jmylchreest/hlspoll/internal/watch"
)

// defaultTimeout is the fetch layer's default request timeout, per spec
// §4.2/§5 ("Fetch has a default 30 s timeout when not overridden").
const defaultTimeout = 30 * time.Second

// minRetryDelay is the floor applied between recoverable-error retries and
// "not updated" retries within a single Update call (spec §4.2 steps 7-8).
const minRetryDelay = 100 * time.Millisecond

// defaultMaxRewindRejections is the Open Question decision recorded in
// DESIGN.md: preserve the source's count=2 threshold but expose it as a
// tunable.
const defaultMaxRewindRejections = 2

// HeadHint requests an initial or blocking-reload position via
// _HLS_msn/_HLS_part query parameters (spec §3 "Derived query lastMsn",
// §4.2 "head").
type HeadHint struct {
	MSN  uint64
	Part *int
}

// Options configures a Fetcher (spec §4.2 "opts").
type Options struct {
	// LowLatency controls whether LL-HLS features are stripped from
	// exposed snapshots.
	LowLatency bool
	// Head is an initial request hint: first request is blocking and
	// carries _HLS_msn/_HLS_part.
	Head *HeadHint
	// Extensions lists custom tags to preserve; accepted for API parity
	// with spec §4.2 but a no-op against gohlslib's parser (DESIGN.md).
	Extensions map[string]bool
	// OnProblem is invoked for every recoverable error encountered during
	// an update loop. A panic from OnProblem is fatal and propagates out
	// of Update, mirroring spec §7's "a throw from on_problem itself is
	// fatal and escapes update()".
	OnProblem func(error)
	// MaxRewindRejections bounds how many consecutive media-sequence
	// regressions are rejected before one is accepted as a legitimate
	// server-side rewind. Zero uses the spec default of 2.
	MaxRewindRejections int
	// InitialTimeout bounds the initial fetch. Zero uses defaultTimeout.
	InitialTimeout time.Duration
	// MinUpdateInterval floors the computed reload delay, regardless of
	// what the playlist's target/part duration implies. Zero disables
	// the floor.
	MinUpdateInterval time.Duration
	// ChangeWatchTimeout ceilings how long a single wait ever blocks on an
	// active ChangeWatcher, regardless of what the computed reload delay
	// implies. Zero disables the ceiling (wait exactly the computed delay).
	ChangeWatchTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRewindRejections <= 0 {
		o.MaxRewindRejections = defaultMaxRewindRejections
	}
	if o.InitialTimeout <= 0 {
		o.InitialTimeout = defaultTimeout
	}
	return o
}

// watcherFactory abstracts watch.Create for testability.
type watcherFactory func(path string) (watch.Watcher, error)

// Fetcher is the PlaylistFetcher state machine of spec §4.2.
type Fetcher struct {
	rawURL         string
	cf             fetch.Fetcher
	opts           Options
	newWatcher     watcherFactory
	isData         bool

	mu      sync.Mutex
	baseURL string // original URL with any _HLS_* query params stripped

	indexStarted bool
	indexDone    chan struct{}
	indexSnap    *Snapshot
	indexErr     error

	updating bool
	watcher  watch.Watcher

	lastPlaylist *playlist.Playlist
	lastIndex    Index
	lastUpdated  time.Time
	lastModified *time.Time
	rejected     int

	// State carried across iterations (within one Update call) and across
	// Update calls, since step 2/step 1 of spec §4.2's loop consult "the
	// last iteration" regardless of which call it ran in.
	lastIterSuccess   bool
	lastIterBlocking  bool
	lastIterErrored   bool
	lastIterUnchanged bool

	canceled     bool
	cancelReason error
	ctx          context.Context
	cancelFn     context.CancelCauseFunc
}

// New creates a Fetcher for rawURL, using cf as its ContentFetcher.
func New(rawURL string, cf fetch.Fetcher, opts Options) *Fetcher {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Fetcher{
		rawURL:     rawURL,
		baseURL:    rawURL,
		cf:         cf,
		opts:       opts.withDefaults(),
		newWatcher: watch.Create,
		isData:     fetch.IsDataURL(rawURL),
		indexDone:  make(chan struct{}),
		ctx:        ctx,
		cancelFn:   cancel,
	}
}

// Index performs the initial fetch on first call; subsequent calls return
// the same already-resolved result (spec §4.2 "idempotent").
func (f *Fetcher) Index(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	if f.indexStarted {
		f.mu.Unlock()
		<-f.indexDone
		return f.indexSnap, f.indexErr
	}
	f.indexStarted = true
	f.mu.Unlock()

	snap, err := f.performInitialFetch(ctx)

	f.mu.Lock()
	f.indexSnap = snap
	f.indexErr = err
	close(f.indexDone)
	f.mu.Unlock()

	return snap, err
}

func (f *Fetcher) performInitialFetch(ctx context.Context) (*Snapshot, error) {
	reqURL := f.rawURL
	blockingKey := ""
	if f.opts.Head != nil {
		reqURL = appendHeadParams(f.rawURL, *f.opts.Head)
		blockingKey = f.rawURL
	}

	if fetch.IsFileURL(f.rawURL) {
		if path, err := fetch.FilePath(f.rawURL); err == nil {
			w, werr := f.newWatcher(path)
			if werr == nil {
				f.mu.Lock()
				f.watcher = w
				f.mu.Unlock()
			}
		}
	}

	fctx, cancel := f.withCancel(ctx)
	defer cancel()

	res, err := f.cf.Perform(fctx, reqURL, fetch.Options{
		Timeout:  f.opts.InitialTimeout,
		Blocking: blockingKey,
	})
	if err != nil {
		return nil, f.tagBlocking(classify(err), blockingKey != "")
	}

	if mimeErr := validateMIME(res.Meta, res.Meta.URL); mimeErr != nil {
		res.Cancel(mimeErr)
		return nil, mimeErr
	}

	text, err := res.ConsumeUTF8(fctx)
	if err != nil {
		return nil, f.tagBlocking(classify(err), blockingKey != "")
	}

	updated := time.Now()
	idx, err := parseIndex(text, f.opts.Extensions)
	if err != nil {
		return nil, err
	}

	var pl *playlist.Playlist
	if idx.Kind == KindMedia {
		pl, err = playlist.FromMedia(idx.Media, f.opts.LowLatency)
		if err != nil {
			return nil, newError(ErrorKindParser, "fetcher: building playlist view", err)
		}
		if perr := f.preprocessIndex(pl); perr != nil {
			return nil, perr
		}
	}

	f.mu.Lock()
	f.baseURL = stripHLSParams(res.Meta.URL)
	f.lastPlaylist = pl
	f.lastIndex = idx
	f.lastUpdated = updated
	f.lastModified = res.Meta.Modified
	f.mu.Unlock()

	if idx.Kind == KindMaster || (pl != nil && !pl.IsLive()) {
		f.releaseWatcher()
	}

	return &Snapshot{
		Index:    idx,
		Playlist: pl,
		Meta:     Meta{URL: res.Meta.URL, Updated: updated, Modified: res.Meta.Modified},
	}, nil
}

// Update runs the update loop until it produces a changed snapshot or a
// non-recoverable error escapes (spec §4.2 "Update loop").
func (f *Fetcher) Update(ctx context.Context, timeout time.Duration) (*Snapshot, error) {
	f.mu.Lock()
	if !f.indexStarted {
		f.mu.Unlock()
		return nil, ErrIndexNotReady
	}
	select {
	case <-f.indexDone:
	default:
		f.mu.Unlock()
		return nil, ErrIndexNotReady
	}
	if f.indexErr != nil {
		f.mu.Unlock()
		return nil, ErrIndexNotReady
	}
	if f.updating {
		f.mu.Unlock()
		return nil, ErrUpdateInFlight
	}
	if f.isData {
		f.mu.Unlock()
		return nil, fetch.ErrDataURINotUpdatable
	}
	if !f.canUpdateLocked() {
		f.mu.Unlock()
		return nil, ErrCannotUpdate
	}
	f.updating = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.updating = false
		f.mu.Unlock()
	}()

	if timeout > 0 {
		stallTimer := time.AfterFunc(timeout, func() {
			f.Cancel(ErrStalled)
		})
		defer stallTimer.Stop()
	}

	return f.updateLoop(ctx)
}

func (f *Fetcher) updateLoop(ctx context.Context) (*Snapshot, error) {
	for {
		f.mu.Lock()
		prevPlaylist := f.lastPlaylist
		prevUpdated := f.lastUpdated
		prevSuccess := f.lastIterSuccess
		prevBlocking := f.lastIterBlocking
		prevUnchanged := f.lastIterUnchanged
		prevErrored := f.lastIterErrored
		base := f.baseURL
		f.mu.Unlock()

		blockingKey := ""
		reqURL := base
		zeroDelay := false

		if prevPlaylist != nil && prevPlaylist.CanBlockReload() && prevSuccess {
			zeroDelay = true
			blockingKey = f.rawURL
			head := prevPlaylist.NextHead()
			reqURL = appendHeadParams(base, HeadHint{MSN: head.MSN, Part: head.Part})
		}

		delay := time.Duration(0)
		if !zeroDelay {
			delay = getUpdateInterval(prevPlaylist, prevUnchanged, prevErrored)
			if prevSuccess {
				delay -= time.Since(prevUpdated)
			}
			if delay < 0 {
				delay = 0
			}
			if delay < f.opts.MinUpdateInterval {
				delay = f.opts.MinUpdateInterval
			}
		}

		if err := f.wait(ctx, delay); err != nil {
			return nil, classify(err)
		}

		snap, sameHead, ferr := f.fetchOneIteration(ctx, reqURL, blockingKey, prevPlaylist)
		if ferr != nil {
			if !isRecoverableUpdateError(ferr) {
				f.markIteration(false, false, true, false)
				return nil, ferr
			}
			f.reportProblem(ferr)
			f.markIteration(false, false, true, false)
			if err := f.wait(ctx, minRetryDelay); err != nil {
				return nil, classify(err)
			}
			continue
		}

		if snap != nil {
			f.markIteration(true, blockingKey != "", false, false)
			return snap, nil
		}

		// Same head despite request.
		if prevBlocking && prevSuccess {
			return nil, newError(ErrorKindStreamInconsistency, "fetcher: stream inconsistency", ErrStreamInconsistency)
		}
		f.markIteration(false, false, false, sameHead)
		if err := f.wait(ctx, minRetryDelay); err != nil {
			return nil, classify(err)
		}
	}
}

// fetchOneIteration performs one fetch+parse cycle of the update loop
// (spec §4.2 steps 4-7). It returns a non-nil snapshot when the caller
// should deliver it, sameHead=true when the server returned an unchanged
// head, or a classified error.
func (f *Fetcher) fetchOneIteration(ctx context.Context, reqURL, blockingKey string, prevPlaylist *playlist.Playlist) (*Snapshot, bool, *Error) {
	fctx, cancel := f.withCancel(ctx)
	defer cancel()

	res, err := f.cf.Perform(fctx, reqURL, fetch.Options{
		Timeout:  defaultTimeout,
		Blocking: blockingKey,
		Fresh:    blockingKey == "",
	})
	if err != nil {
		return nil, false, f.tagBlocking(classify(err), blockingKey != "")
	}

	if mimeErr := validateMIME(res.Meta, res.Meta.URL); mimeErr != nil {
		res.Cancel(mimeErr)
		return nil, false, f.tagBlocking(mimeErr, blockingKey != "")
	}

	text, err := res.ConsumeUTF8(fctx)
	if err != nil {
		return nil, false, f.tagBlocking(classify(err), blockingKey != "")
	}

	idx, err := parseIndex(text, f.opts.Extensions)
	if err != nil {
		return nil, false, f.tagBlocking(classify(err), blockingKey != "")
	}

	var pl *playlist.Playlist
	if idx.Kind == KindMedia {
		pl, err = playlist.FromMedia(idx.Media, f.opts.LowLatency)
		if err != nil {
			return nil, false, f.tagBlocking(newError(ErrorKindParser, "fetcher: building playlist view", err), blockingKey != "")
		}
		if perr := f.preprocessIndex(pl); perr != nil {
			return nil, false, f.tagBlocking(perr, blockingKey != "")
		}
	}

	updated := time.Now()
	nowLive := idx.Kind == KindMedia && pl.IsLive()
	sameHead := idx.Kind == KindMedia && prevPlaylist != nil && pl.IsSameHead(prevPlaylist)

	f.mu.Lock()
	f.baseURL = stripHLSParams(res.Meta.URL)
	f.mu.Unlock()

	if !nowLive || !sameHead {
		f.mu.Lock()
		f.lastPlaylist = pl
		f.lastIndex = idx
		f.lastUpdated = updated
		f.lastModified = res.Meta.Modified
		f.mu.Unlock()

		if !nowLive {
			f.releaseWatcher()
		}

		return &Snapshot{
			Index:    idx,
			Playlist: pl,
			Meta:     Meta{URL: res.Meta.URL, Updated: updated, Modified: res.Meta.Modified},
		}, false, nil
	}

	return nil, true, nil
}

func (f *Fetcher) markIteration(success, blocking, errored, unchanged bool) {
	f.mu.Lock()
	f.lastIterSuccess = success
	f.lastIterBlocking = blocking
	f.lastIterErrored = errored
	f.lastIterUnchanged = unchanged
	f.mu.Unlock()
}

// preprocessIndex enforces monotonicity (spec §4.2 "preprocess_index",
// property P1). It mutates the fetcher's rejected-regression counter.
func (f *Fetcher) preprocessIndex(newPl *playlist.Playlist) *Error {
	f.mu.Lock()
	defer f.mu.Unlock()

	prev := f.lastPlaylist
	if prev == nil {
		f.rejected = 0
		return nil
	}
	if newPl.LastMSN(true) < prev.LastMSN(true) {
		f.rejected++
		if f.rejected <= f.opts.MaxRewindRejections {
			return newError(ErrorKindRewind, "", fmt.Errorf("rejected update from the past"))
		}
		// Third (or later, if MaxRewindRejections is raised) consecutive
		// regression in a row: accept it as a genuine server-side rewind.
		f.rejected = 0
		return nil
	}
	f.rejected = 0
	return nil
}

// getUpdateInterval computes the base reload delay (spec §4.2). previousErrored
// is accepted to match the source's documented inputs but, per the §9
// redesign note, does not affect the halving decision: only previousUnchanged
// and an empty segment list do.
func getUpdateInterval(prev *playlist.Playlist, previousUnchanged, previousErrored bool) time.Duration {
	_ = previousErrored
	if prev == nil {
		return 0
	}
	base := prev.TargetDuration()
	if prev.PartTarget() > 0 && !prev.IFramesOnly() {
		base = prev.PartTarget()
	}
	if previousUnchanged || len(prev.Segments()) == 0 {
		base /= 2
	}
	return base
}

// CanUpdate reports whether Update may be called (spec §4.2 "can_update").
func (f *Fetcher) CanUpdate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canUpdateLocked()
}

func (f *Fetcher) canUpdateLocked() bool {
	if f.canceled {
		return false
	}
	if f.lastIndex.Kind == KindMaster {
		return false
	}
	return f.lastPlaylist != nil && f.lastPlaylist.IsLive()
}

// Cancel aborts all in-flight and future operations (spec §4.2 "cancel()").
// It is idempotent.
func (f *Fetcher) Cancel(reason error) {
	f.mu.Lock()
	if f.canceled {
		f.mu.Unlock()
		return
	}
	f.canceled = true
	if reason == nil {
		reason = newError(ErrorKindAbort, "fetcher: cancelled", nil)
	}
	f.cancelReason = reason
	w := f.watcher
	f.mu.Unlock()

	f.cancelFn(reason)
	if w != nil {
		w.Close()
	}
}

func (f *Fetcher) cancelErr() error {
	f.mu.Lock()
	reason := f.cancelReason
	f.mu.Unlock()
	return newError(ErrorKindAbort, "fetcher: cancelled", reason)
}

func (f *Fetcher) releaseWatcher() {
	f.mu.Lock()
	w := f.watcher
	f.watcher = nil
	f.mu.Unlock()
	if w != nil {
		w.Close()
	}
}

// Playlist returns the last known ParsedPlaylist, or nil.
func (f *Fetcher) Playlist() *playlist.Playlist {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPlaylist
}

// CurrentPlayoutDelay returns updated-endDate for the last snapshot, if
// both are known (spec §4.2 "current_playout_delay").
func (f *Fetcher) CurrentPlayoutDelay() (time.Duration, bool) {
	f.mu.Lock()
	pl := f.lastPlaylist
	updated := f.lastUpdated
	f.mu.Unlock()
	if pl == nil {
		return 0, false
	}
	end := pl.EndDate()
	if end == nil {
		return 0, false
	}
	return updated.Sub(*end), true
}

func (f *Fetcher) reportProblem(err *Error) {
	if f.opts.OnProblem != nil {
		f.opts.OnProblem(err)
	}
}

func (f *Fetcher) tagBlocking(err *Error, blocking bool) *Error {
	if err == nil || !blocking {
		return err
	}
	return err.WithBlocking()
}

// wait blocks for d, resolved early by a ChangeWatcher event (if one is
// active and d is positive), the fetcher's own cancellation, or ctx. A zero
// d returns without consulting the watcher.
func (f *Fetcher) wait(ctx context.Context, d time.Duration) error {
	if d < 0 {
		d = 0
	}
	f.mu.Lock()
	w := f.watcher
	f.mu.Unlock()

	if w != nil && d > 0 {
		if f.opts.ChangeWatchTimeout > 0 && d > f.opts.ChangeWatchTimeout {
			d = f.opts.ChangeWatchTimeout
		}
		wctx, cancel := f.withCancel(ctx)
		defer cancel()
		type result struct {
			ev  watch.Event
			err error
		}
		ch := make(chan result, 1)
		go func() {
			ev, err := w.Next(wctx, d)
			ch <- result{ev, err}
		}()
		select {
		case r := <-ch:
			if r.err != nil {
				return r.err
			}
			return nil
		case <-f.ctx.Done():
			return f.cancelErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-f.ctx.Done():
		return f.cancelErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withCancel derives a context from ctx that is also cancelled when the
// fetcher's own cancellation token fires, so every suspension point (spec
// §5) observes Cancel() immediately.
func (f *Fetcher) withCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(f.ctx, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// validateMIME implements spec §4.2/§6's MIME acceptance rule (property P5).
func validateMIME(meta fetch.Meta, resolvedURL string) *Error {
	switch meta.MIME {
	case "application/vnd.apple.mpegurl", "application/x-mpegurl", "audio/mpegurl":
		return nil
	}
	if strings.HasSuffix(resolvedURL, ".m3u8") || strings.HasSuffix(resolvedURL, ".m3u") {
		return nil
	}
	return newError(ErrorKindInvalidMime, fmt.Sprintf("fetcher: invalid mime type %q for %s", meta.MIME, resolvedURL), nil)
}

// appendHeadParams appends _HLS_msn and (if set) _HLS_part to rawURL's
// query string, in that order (spec §6 "Wire behavior").
func appendHeadParams(rawURL string, head HeadHint) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	params := "_HLS_msn=" + strconv.FormatUint(head.MSN, 10)
	if head.Part != nil {
		params += "&_HLS_part=" + strconv.Itoa(*head.Part)
	}
	if u.RawQuery != "" {
		u.RawQuery += "&" + params
	} else {
		u.RawQuery = params
	}
	return u.String()
}

// stripHLSParams removes any _HLS_* query parameters from rawURL so
// subsequent relative-URL resolution off the stored base is stable (spec
// §4.2 "Resolved base URL normalisation").
func stripHLSParams(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	changed := false
	for k := range q {
		if strings.HasPrefix(k, "_HLS_") {
			q.Del(k)
			changed = true
		}
	}
	if !changed {
		return rawURL
	}
	u.RawQuery = q.Encode()
	return u.String()
}
