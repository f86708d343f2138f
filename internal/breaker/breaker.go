// Package breaker guards remote calls (counter store, identity service) with a
// consecutive-failure circuit breaker so an outage costs one timeout, not one
// timeout per request.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var ErrOpen = errors.New("circuit open")

type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

type Config struct {
	Enabled          bool
	FailureThreshold int           // consecutive failures to open
	OpenDuration     time.Duration // how long to stay open
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu sync.Mutex

	state    State
	fails    int
	openedAt time.Time
	trial    bool // a half-open probe is in flight
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = 10 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// WithClock replaces the time source; tests only.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

type Stats struct {
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	OpenedAt      time.Time `json:"opened_at"`
	RetryAfterSec int       `json:"retry_after_seconds"`
}

func (b *Breaker) Stats() Stats {
	if b == nil {
		return Stats{State: Closed}
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == Open {
		rem := b.cfg.OpenDuration - b.now().Sub(b.openedAt)
		if rem > 0 {
			retry = int((rem + time.Second - 1) / time.Second)
		}
	}
	return Stats{State: b.state, Failures: b.fails, OpenedAt: b.openedAt, RetryAfterSec: retry}
}

// Allow reports whether a call may proceed. Every nil return must be paired
// with exactly one Done.
func (b *Breaker) Allow() error {
	if b == nil || !b.cfg.Enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return ErrOpen
		}
		b.state = HalfOpen
		b.trial = false
		fallthrough
	case HalfOpen:
		if b.trial {
			return ErrOpen
		}
		b.trial = true
		return nil
	default:
		return nil
	}
}

// Done records the outcome of a call admitted by Allow.
func (b *Breaker) Done(success bool) {
	if b == nil || !b.cfg.Enabled {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		b.trial = false
		if success {
			b.state = Closed
			b.fails = 0
			return
		}
		b.state = Open
		b.openedAt = b.now()
	}
}

// Do runs fn under the breaker. Errors for which countable returns false (for
// example "not found") are passed through without counting as failures.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Done(err == nil || (countable != nil && !countable(err)))
	return err
}
