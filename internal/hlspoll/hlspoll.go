// Package hlspoll is the library's public-facing surface: it wires
// ContentFetcher, ChangeWatcher and PlaylistFetcher together behind the
// single createReader entry point of spec §6.
package hlspoll

import (
	"fmt"
	"time"

	"github.com/jmylchreest/hlspoll/internal/config"
	"github.com/jmylchreest/hlspoll/internal/fetch"
	"github.com/jmylchreest/hlspoll/internal/fetcher"
	"github.com/jmylchreest/hlspoll/internal/reader"
	"github.com/jmylchreest/hlspoll/pkg/httpclient"
)

// Snapshot re-exports the fetcher package's delivery unit so callers never
// need to import internal/fetcher directly.
type Snapshot = fetcher.Snapshot

// HeadHint re-exports the fetcher package's blocking-reload position hint.
type HeadHint = fetcher.HeadHint

// Options is the library's option bag (spec §6).
type Options struct {
	LowLatency           bool
	Head                 *HeadHint
	Extensions           map[string]bool
	OnProblem            func(error)
	MaxStallTime         time.Duration
	MaxRewindRejections  int
	MinUpdateInterval    time.Duration
	ChangeWatchTimeout   time.Duration
	HTTP                 httpclient.Config
	BlockingPoolIdleTime time.Duration
}

// OptionsFromConfig builds Options from a loaded Config, applying the
// engine's polling/http settings (cmd/hlspoll's wiring point).
func OptionsFromConfig(cfg *config.Config, onProblem func(error)) Options {
	extensions := make(map[string]bool, len(cfg.Polling.Extensions))
	for _, e := range cfg.Polling.Extensions {
		extensions[e] = true
	}

	httpCfg := httpclient.DefaultConfig()
	httpCfg.Timeout = cfg.HTTP.Timeout
	httpCfg.RetryAttempts = cfg.HTTP.RetryAttempts
	httpCfg.RetryDelay = cfg.HTTP.RetryDelay
	httpCfg.RetryMaxDelay = cfg.HTTP.RetryMaxDelay
	httpCfg.CircuitThreshold = cfg.HTTP.CircuitThreshold
	httpCfg.CircuitTimeout = cfg.HTTP.CircuitTimeout
	httpCfg.EnableDecompression = cfg.HTTP.EnableDecompression
	httpCfg.MaxResponseSize = cfg.HTTP.MaxResponseSize.Bytes()
	httpCfg.UserAgent = cfg.HTTP.UserAgent

	return Options{
		LowLatency:           cfg.Polling.LowLatency,
		Extensions:           extensions,
		OnProblem:            onProblem,
		MaxStallTime:         cfg.Polling.MaxStallTime.Duration(),
		MaxRewindRejections:  cfg.Polling.MaxRewindRejections,
		MinUpdateInterval:    cfg.Polling.MinUpdateInterval.Duration(),
		ChangeWatchTimeout:   cfg.Polling.ChangeWatchTimeout.Duration(),
		HTTP:                 httpCfg,
		BlockingPoolIdleTime: cfg.HTTP.IdlePoolTimeout,
	}
}

// CreateReader is the convenience constructor of spec §6: it selects a
// ContentFetcher for rawURL's scheme, builds a PlaylistFetcher over it, and
// wraps the result in a pull-based Reader.
func CreateReader(rawURL string, opts Options) (*reader.Reader, error) {
	var pool *fetch.BlockingPool
	if opts.BlockingPoolIdleTime > 0 {
		pool = fetch.NewBlockingPool(opts.BlockingPoolIdleTime)
	}

	cf, err := fetch.NewForURL(rawURL, opts.HTTP, pool)
	if err != nil {
		return nil, fmt.Errorf("hlspoll: selecting content fetcher: %w", err)
	}

	f := fetcher.New(rawURL, cf, fetcher.Options{
		LowLatency:          opts.LowLatency,
		Head:                opts.Head,
		Extensions:          opts.Extensions,
		OnProblem:           opts.OnProblem,
		MaxRewindRejections: opts.MaxRewindRejections,
		MinUpdateInterval:   opts.MinUpdateInterval,
		ChangeWatchTimeout:  opts.ChangeWatchTimeout,
	})

	return reader.New(f, opts.MaxStallTime), nil
}
