package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher implements Fetcher for file: URLs, used for local playlists
// paired with a watch.Watcher for change-driven polling (spec §4.4, S10).
type FileFetcher struct{}

// NewFileFetcher builds a FileFetcher.
func NewFileFetcher() *FileFetcher { return &FileFetcher{} }

// Perform reads the file named by url (a file: URL) in one shot. Byterange
// and probe are honored; blocking is only passed on to the tracker, and
// retries/fresh are no-ops (there is no cache to bypass).
func (f *FileFetcher) Perform(ctx context.Context, rawURL string, opts Options) (*Result, error) {
	path, err := filePathFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Cause: err}
	}
	modified := info.ModTime()

	meta := Meta{
		URL:      rawURL,
		MIME:     mimeFromExt(path),
		Size:     info.Size(),
		Modified: &modified,
	}

	completed := make(chan error, 1)
	if opts.Probe {
		completed <- nil
		return &Result{Meta: meta, Completed: completed, cancel: func(error) {}}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Cause: err}
	}
	if opts.Byterange != nil {
		start := int(opts.Byterange.Offset)
		end := len(data)
		if opts.Byterange.Length != nil {
			end = start + int(*opts.Byterange.Length)
		}
		if start > len(data) {
			start = len(data)
		}
		if end > len(data) {
			end = len(data)
		}
		data = data[start:end]
	}

	if opts.Tracker != nil {
		token := safeStart(opts.Tracker, rawURL, opts)
		safeAdvance(opts.Tracker, token, int64(len(data)))
		safeFinish(opts.Tracker, token, nil)
	}

	completed <- nil
	return &Result{
		Meta:      meta,
		Completed: completed,
		Stream:    io.NopCloser(bytes.NewReader(data)),
		cancel:    func(error) {},
	}, nil
}

func safeStart(t DownloadTracker, url string, opts Options) (token any) {
	defer func() { recover() }()
	return t.Start(url, TrackerStartOpts{Byterange: opts.Byterange, Blocking: opts.Blocking})
}

// FilePath converts a file: URL to a filesystem path, for callers (such as
// the fetcher's ChangeWatcher wiring) that need the path without issuing a
// fetch.
func FilePath(rawURL string) (string, error) {
	return filePathFromURL(rawURL)
}

func filePathFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("fetch: invalid file url %q: %w", rawURL, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("fetch: not a file: url: %q", rawURL)
	}
	path := u.Path
	if path == "" {
		path = u.Opaque
	}
	return filepath.FromSlash(path), nil
}

func mimeFromExt(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".m3u8", ".m3u":
		return "application/vnd.apple.mpegurl"
	default:
		return ""
	}
}
