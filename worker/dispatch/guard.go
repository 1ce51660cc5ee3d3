package dispatch

import "sync"

// ConcurrencyGuard is a single-flight lock keyed by `concurrency_key`,
// ported from `worker.agent.concurrency.ConcurrencyGuard`: an empty key
// never guards (every dispatch with no key runs unguarded).
type ConcurrencyGuard struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewConcurrencyGuard constructs an empty guard.
func NewConcurrencyGuard() *ConcurrencyGuard {
	return &ConcurrencyGuard{inflight: make(map[string]struct{})}
}

// Acquire attempts to take key. It returns acquired=false without blocking
// if key is already in flight; callers must call the returned release func
// exactly once, and only when acquired is true.
func (g *ConcurrencyGuard) Acquire(key string) (release func(), acquired bool) {
	if key == "" {
		return func() {}, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return nil, false
	}
	g.inflight[key] = struct{}{}
	return func() { g.release(key) }, true
}

func (g *ConcurrencyGuard) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.inflight, key)
}

// Inflight reports the current number of in-flight concurrency keys.
func (g *ConcurrencyGuard) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
