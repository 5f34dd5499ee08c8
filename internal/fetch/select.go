package fetch

import (
	"fmt"
	"net/url"

	"github.com/jmylchreest/hlspoll/pkg/httpclient"
)

// NewForURL selects the Fetcher implementation appropriate to rawURL's
// scheme: HTTPFetcher for http(s), FileFetcher for file:, DataFetcher for
// data:. httpCfg and pool are used only when an HTTPFetcher is built.
func NewForURL(rawURL string, httpCfg httpclient.Config, pool *BlockingPool) (Fetcher, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return NewHTTPFetcher(httpCfg, pool), nil
	case "file":
		return NewFileFetcher(), nil
	case "data":
		return NewDataFetcher(), nil
	default:
		return nil, fmt.Errorf("fetch: unsupported url scheme %q", u.Scheme)
	}
}

// IsFileURL reports whether rawURL uses the file: scheme.
func IsFileURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "file"
}

// IsDataURL reports whether rawURL uses the data: scheme.
func IsDataURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	return err == nil && u.Scheme == "data"
}
