package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps every counter store failure. The limiter treats it
// as a signal to fail open.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// Record is the per-key state persisted in the counter store. Timestamps are
// whole seconds. A zero BlockedUntil means the key is still counting.
type Record struct {
	Count        int
	WindowStart  time.Time
	BlockedUntil time.Time
}

func (r Record) Blocked() bool { return !r.BlockedUntil.IsZero() }

// Rule is the part of a policy the store needs to apply a hit atomically.
type Rule struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
}

// Store is the shared counter store. Get returns a nil record for absent keys.
// Expiry is the only cleanup mechanism; implementations must honor ttl.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, rec Record, ttl time.Duration) error
}

// AtomicStore applies a whole hit (read, transition, write, expire) as one
// indivisible operation. Limiter prefers it over Get/Set when available.
type AtomicStore interface {
	Store
	Hit(ctx context.Context, key string, rule Rule, now time.Time) (rec Record, limited bool, err error)
}

// Pinger is implemented by stores that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}
