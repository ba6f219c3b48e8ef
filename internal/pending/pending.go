// Package pending tracks outstanding pseudo-synchronous calls and
// locally awaited callbacks. The registry is injected into every
// component that needs it so tests get isolated instances; it is never
// a package-level singleton.
package pending

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wirebus/wirebus/internal/bus"
)

// DefaultTTL bounds how long an unresolved entry may live before the
// sweeper reclaims it.
const DefaultTTL = 5 * time.Minute

// Call is one outstanding exchange. The result channel is buffered so
// resolution never blocks the resolving worker.
type Call struct {
	key       string
	result    chan *bus.Envelope
	createdAt time.Time
}

// Wait blocks until the call resolves, the timeout elapses, or ctx is
// cancelled. Timeout returns bus.ErrTimeout so callers can distinguish
// it from generic failure.
func (c *Call) Wait(ctx context.Context, timeout time.Duration) (*bus.Envelope, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case env := <-c.result:
		return env, nil
	case <-timer.C:
		return nil, bus.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry correlates keys to outstanding calls. Pseudo-sync calls key
// by correlation id; locally awaited callbacks key by task id.
type Registry struct {
	mu     sync.Mutex
	calls  map[string]*Call
	ttl    time.Duration
	logger *slog.Logger
}

// NewRegistry creates a registry with the given entry TTL. A zero ttl
// means DefaultTTL.
func NewRegistry(ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		calls:  make(map[string]*Call),
		ttl:    ttl,
		logger: logger.With("component", "pending"),
	}
}

// Register creates an entry for key. A second registration under an
// active key is a caller programming error and fails with
// bus.ErrDuplicateCorrelation.
func (r *Registry) Register(key string) (*Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.calls[key]; exists {
		return nil, bus.ErrDuplicateCorrelation
	}
	c := &Call{
		key:       key,
		result:    make(chan *bus.Envelope, 1),
		createdAt: time.Now(),
	}
	r.calls[key] = c
	return c, nil
}

// Resolve delivers env to the call registered under key and removes
// the entry. Returns false when no entry exists, which happens when the
// caller already timed out and deregistered.
func (r *Registry) Resolve(key string, env *bus.Envelope) bool {
	r.mu.Lock()
	c, ok := r.calls[key]
	if ok {
		delete(r.calls, key)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	c.result <- env // buffered, releases exactly once
	return true
}

// Remove drops the entry for key, if any. Callers must remove their
// entry after a timeout so the registry does not leak.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.calls, key)
	r.mu.Unlock()
}

// Sweep removes entries older than the TTL and returns how many were
// reclaimed. Run periodically by the sweeper.
func (r *Registry) Sweep() int {
	cutoff := time.Now().Add(-r.ttl)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for key, c := range r.calls {
		if c.createdAt.Before(cutoff) {
			delete(r.calls, key)
			n++
		}
	}
	if n > 0 {
		r.logger.Warn("reclaimed expired pending calls", "count", n)
	}
	return n
}

// Len reports the number of outstanding entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}
