package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmylchreest/hlspoll/internal/fetch"
)

// fakeResponse scripts one fakeFetcher.Perform call.
type fakeResponse struct {
	text     string
	mime     string
	err      error
	blockCh  chan struct{} // if set, Perform waits on it before returning
}

// fakeFetcher is a scripted fetch.Fetcher: each Perform call consumes the
// next queued response in order, recording the URL it was asked for.
type fakeFetcher struct {
	mu    sync.Mutex
	queue []fakeResponse
	calls []string
}

func newFakeFetcher(responses ...fakeResponse) *fakeFetcher {
	return &fakeFetcher{queue: responses}
}

func (f *fakeFetcher) Perform(ctx context.Context, url string, opts fetch.Options) (*fetch.Result, error) {
	f.mu.Lock()
	if len(f.queue) == 0 {
		f.mu.Unlock()
		return nil, fmt.Errorf("fakeFetcher: no more scripted responses for %s", url)
	}
	resp := f.queue[0]
	f.queue = f.queue[1:]
	f.calls = append(f.calls, url)
	f.mu.Unlock()

	if resp.blockCh != nil {
		select {
		case <-resp.blockCh:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if resp.err != nil {
		return nil, resp.err
	}

	completed := make(chan error, 1)
	completed <- nil
	mime := resp.mime
	if mime == "" {
		mime = "application/vnd.apple.mpegurl"
	}
	return &fetch.Result{
		Meta:      fetch.Meta{URL: url, MIME: mime, Size: int64(len(resp.text))},
		Completed: completed,
		Stream:    io.NopCloser(strings.NewReader(resp.text)),
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// liveManifest builds a single-segment live media playlist at the given
// media sequence number, so LastMSN(true) == seq.
// liveManifest uses a 1-second target duration so updateLoop's inter-poll
// delay stays short enough for tests driven by real timers.
func liveManifest(seq uint64) string {
	return fmt.Sprintf(`#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:1
#EXT-X-MEDIA-SEQUENCE:%d
#EXTINF:1.000,
seg%d.ts
`, seq, seq)
}

const vodManifest = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-PLAYLIST-TYPE:VOD
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.000,
seg0.ts
#EXT-X-ENDLIST
`

const masterManifest = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-STREAM-INF:BANDWIDTH=1280000
low/index.m3u8
`

func newTestFetcher(cf fetch.Fetcher, opts Options) *Fetcher {
	return New("https://example.test/index.m3u8", cf, opts)
}

func TestFetcher_Index_VODTerminatesUpdates(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: vodManifest})
	f := newTestFetcher(cf, Options{})

	snap, err := f.Index(context.Background())
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if snap.Playlist == nil || snap.Playlist.IsLive() {
		t.Fatalf("expected a non-live VOD playlist")
	}
	if f.CanUpdate() {
		t.Fatalf("expected CanUpdate() false for a VOD playlist")
	}

	_, err = f.Update(context.Background(), 0)
	if !errors.Is(err, ErrCannotUpdate) {
		t.Fatalf("expected ErrCannotUpdate, got %v", err)
	}
}

func TestFetcher_Index_IsIdempotent(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: vodManifest})
	f := newTestFetcher(cf, Options{})

	snap1, err := f.Index(context.Background())
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	snap2, err := f.Index(context.Background())
	if err != nil {
		t.Fatalf("Index (2nd): %v", err)
	}
	if snap1 != snap2 {
		t.Fatalf("expected the second Index call to return the cached result")
	}
	if cf.callCount() != 1 {
		t.Fatalf("expected only one fetch, got %d", cf.callCount())
	}
}

func TestFetcher_Update_BeforeIndexFails(t *testing.T) {
	cf := newFakeFetcher()
	f := newTestFetcher(cf, Options{})

	_, err := f.Update(context.Background(), 0)
	if !errors.Is(err, ErrIndexNotReady) {
		t.Fatalf("expected ErrIndexNotReady, got %v", err)
	}
}

func TestFetcher_Update_DeliversChangedSnapshot(t *testing.T) {
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{text: liveManifest(11)},
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	snap, err := f.Update(context.Background(), 0)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.Playlist.MediaSequence() != 11 {
		t.Fatalf("expected media sequence 11, got %d", snap.Playlist.MediaSequence())
	}
}

func TestFetcher_Update_SingleFlight(t *testing.T) {
	gate := make(chan struct{})
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{text: liveManifest(11), blockCh: gate},
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	started := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		close(started)
		_, err := f.Update(context.Background(), 0)
		result <- err
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the goroutine enter updateLoop

	_, err := f.Update(context.Background(), 0)
	if !errors.Is(err, ErrUpdateInFlight) {
		t.Fatalf("expected ErrUpdateInFlight for a concurrent Update, got %v", err)
	}

	close(gate)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("background Update failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("background Update did not complete after releasing the gate")
	}
}

func TestFetcher_Update_RecoversFromTransientHTTPError(t *testing.T) {
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{err: &fetch.StatusError{URL: "https://example.test/index.m3u8", Status: 503}},
		fakeResponse{text: liveManifest(11)},
	)
	var problems []error
	f := newTestFetcher(cf, Options{OnProblem: func(err error) { problems = append(problems, err) }})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	snap, err := f.Update(context.Background(), 0)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.Playlist.MediaSequence() != 11 {
		t.Fatalf("expected recovery to reach media sequence 11, got %d", snap.Playlist.MediaSequence())
	}
	if len(problems) != 1 {
		t.Fatalf("expected exactly one reported problem, got %d", len(problems))
	}
}

func TestFetcher_Update_NonRecoverableErrorEscapes(t *testing.T) {
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{err: &fetch.StatusError{URL: "https://example.test/index.m3u8", Status: 403}},
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	_, err := f.Update(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected a non-recoverable 403 to escape Update")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != ErrorKindHTTPStatus {
		t.Fatalf("expected ErrorKindHTTPStatus, got %v", err)
	}
}

func TestFetcher_RewindRejectedTwiceThenAccepted(t *testing.T) {
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(20)},
		fakeResponse{text: liveManifest(15)}, // 1st regression: rejected
		fakeResponse{text: liveManifest(14)}, // 2nd regression: rejected
		fakeResponse{text: liveManifest(13)}, // 3rd regression: accepted as a rewind
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	snap, err := f.Update(context.Background(), 0)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.Playlist.MediaSequence() != 13 {
		t.Fatalf("expected the third regression to be accepted at sequence 13, got %d", snap.Playlist.MediaSequence())
	}
	if cf.callCount() != 4 {
		t.Fatalf("expected 4 fetches (1 index + 3 update attempts), got %d", cf.callCount())
	}
}

func TestFetcher_InvalidMimeRejected(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: vodManifest, mime: "text/plain"})
	f := New("https://example.test/stream", cf, Options{})

	_, err := f.Index(context.Background())
	if err == nil {
		t.Fatalf("expected an invalid-mime error")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != ErrorKindInvalidMime {
		t.Fatalf("expected ErrorKindInvalidMime, got %v", err)
	}
}

func TestFetcher_InvalidMimeAllowedByM3U8Extension(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: vodManifest, mime: "text/plain"})
	f := New("https://example.test/index.m3u8", cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("expected the .m3u8 extension to excuse an unexpected mime type: %v", err)
	}
}

func TestFetcher_MasterPlaylistIsTerminal(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: masterManifest})
	f := newTestFetcher(cf, Options{})

	snap, err := f.Index(context.Background())
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if snap.Playlist != nil {
		t.Fatalf("expected a nil Playlist for a master manifest")
	}
	if f.CanUpdate() {
		t.Fatalf("expected CanUpdate() false for a master playlist")
	}
}

func TestFetcher_DataURLNotUpdatable(t *testing.T) {
	cf := newFakeFetcher(fakeResponse{text: liveManifest(1)})
	f := New("data:application/vnd.apple.mpegurl,ignored", cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}
	_, err := f.Update(context.Background(), 0)
	if !errors.Is(err, fetch.ErrDataURINotUpdatable) {
		t.Fatalf("expected ErrDataURINotUpdatable, got %v", err)
	}
}

func TestFetcher_CancelUnblocksPendingUpdate(t *testing.T) {
	gate := make(chan struct{})
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{text: liveManifest(11), blockCh: gate},
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := f.Update(context.Background(), 0)
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	f.Cancel(nil)

	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("expected Cancel to abort the pending Update with an error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Cancel did not unblock the pending Update")
	}
}

func TestFetcher_StallTimerAbortsUpdate(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	cf := newFakeFetcher(
		fakeResponse{text: liveManifest(10)},
		fakeResponse{text: liveManifest(11), blockCh: gate},
	)
	f := newTestFetcher(cf, Options{})

	if _, err := f.Index(context.Background()); err != nil {
		t.Fatalf("Index: %v", err)
	}

	_, err := f.Update(context.Background(), 30*time.Millisecond)
	if err == nil {
		t.Fatalf("expected the stall timer to abort Update")
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != ErrorKindAbort {
		t.Fatalf("expected ErrorKindAbort from a stall timeout, got %v", err)
	}
}
