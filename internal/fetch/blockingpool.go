package fetch

import (
	"net/http"
	"sync"
	"time"
)

// defaultIdlePoolTimeout is how long an unreferenced blocking-group
// connection pool entry lingers before being evicted (spec §5 "Shared
// state").
const defaultIdlePoolTimeout = 10 * time.Second

// blockingPoolEntry is one blocking-key's dedicated single-connection
// transport, reference counted across the fetchers sharing that key.
type blockingPoolEntry struct {
	client *http.Client
	refs   int
	idle   *time.Timer
}

// BlockingPool is the process-wide, lazily-initialized pool of
// connection-affinity clients keyed by blocking group. Requests sharing a
// key are serialized through one connection (MaxConnsPerHost: 1), matching
// the spec's "blocking group" hint (§4.1) and the teacher's
// CircuitBreakerRegistry sharing shape (internal/relay/circuit_breaker.go).
type BlockingPool struct {
	mu          sync.Mutex
	entries     map[string]*blockingPoolEntry
	idleTimeout time.Duration
}

// NewBlockingPool creates an empty pool. idleTimeout of zero uses the
// 10-second default from spec §5.
func NewBlockingPool(idleTimeout time.Duration) *BlockingPool {
	if idleTimeout <= 0 {
		idleTimeout = defaultIdlePoolTimeout
	}
	return &BlockingPool{
		entries:     make(map[string]*blockingPoolEntry),
		idleTimeout: idleTimeout,
	}
}

// DefaultBlockingPool is the global pool shared by all HTTPFetchers that
// don't supply their own.
var DefaultBlockingPool = NewBlockingPool(0)

// Acquire returns the *http.Client dedicated to key, creating it (with a
// connection pool of size 1) if this is the first reference. Callers must
// call Release exactly once per Acquire.
func (p *BlockingPool) Acquire(key string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &blockingPoolEntry{
			client: &http.Client{
				Transport: &http.Transport{
					MaxConnsPerHost:     1,
					MaxIdleConnsPerHost: 1,
				},
			},
		}
		p.entries[key] = e
	}
	if e.idle != nil {
		e.idle.Stop()
		e.idle = nil
	}
	e.refs++
	return e.client
}

// Release decrements key's reference count. At zero references the entry is
// scheduled for eviction after the pool's idle timeout rather than dropped
// immediately, so back-to-back blocking reloads reuse the same connection.
func (p *BlockingPool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs > 0 {
		return
	}
	e.idle = time.AfterFunc(p.idleTimeout, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if cur, ok := p.entries[key]; ok && cur.refs <= 0 {
			delete(p.entries, key)
		}
	})
}

// Len reports the number of live pool entries, for tests.
func (p *BlockingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
