package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/3xpluto/go-request-gate/internal/breaker"
)

// Result is the verdict of one Check.
type Result struct {
	Policy    string
	Limited   bool
	Remaining int
	Limit     int
	ResetAt   time.Time
	// Degraded is set when the store could not be consulted and the
	// request was let through.
	Degraded bool
}

// RetryAfter is the whole seconds until ResetAt, at least one.
func (r Result) RetryAfter(now time.Time) int {
	d := r.ResetAt.Sub(now)
	if d <= 0 {
		return 1
	}
	return int((d + time.Second - 1) / time.Second)
}

type Metrics struct {
	Checks *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_ratelimit_checks_total",
			Help: "Rate limit checks by policy and result (allowed, limited, degraded)",
		}, []string{"policy", "result"}),
	}
	reg.MustRegister(m.Checks)
	return m
}

// Limiter evaluates one policy against one subject using the shared store.
// It holds no per-subject state of its own.
type Limiter struct {
	store   Store
	prefix  string
	timeout time.Duration
	breaker *breaker.Breaker
	metrics *Metrics
	log     *slog.Logger
	now     func() time.Time

	// store outages would otherwise log once per request
	errLog *rate.Sometimes
}

type Option func(*Limiter)

func WithKeyPrefix(prefix string) Option    { return func(l *Limiter) { l.prefix = prefix } }
func WithTimeout(d time.Duration) Option    { return func(l *Limiter) { l.timeout = d } }
func WithBreaker(b *breaker.Breaker) Option { return func(l *Limiter) { l.breaker = b } }
func WithMetrics(m *Metrics) Option         { return func(l *Limiter) { l.metrics = m } }
func WithLogger(log *slog.Logger) Option    { return func(l *Limiter) { l.log = log } }
func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		errLog: &rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records one hit for subject under p and reports whether it is limited.
// Store failures never surface: the hit is allowed and Result.Degraded is set.
func (l *Limiter) Check(ctx context.Context, p Policy, subject string) Result {
	now := l.now().Truncate(time.Second)
	key := l.prefix + p.Key(subject)

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	var rec Record
	var limited bool
	err := l.breaker.Do(func() error {
		var err error
		rec, limited, err = l.hit(ctx, key, p.rule(), now)
		return err
	}, nil)
	if err != nil {
		l.failOpen(p, key, err)
		return Result{Policy: p.Name, Limit: p.Limit, Remaining: p.Limit, ResetAt: now.Add(p.Window), Degraded: true}
	}

	res := Result{Policy: p.Name, Limited: limited, Limit: p.Limit}
	if limited {
		res.ResetAt = rec.BlockedUntil
	} else {
		res.Remaining = max(p.Limit-rec.Count, 0)
		res.ResetAt = rec.WindowStart.Add(p.Window)
	}
	l.observe(p.Name, res)
	return res
}

// hit prefers the store's atomic path. The Get/Set fallback is check-then-act:
// n concurrent hits that all read count == limit-k can all be admitted, so the
// limiter may over-admit by up to the number of racing requests.
func (l *Limiter) hit(ctx context.Context, key string, rule Rule, now time.Time) (Record, bool, error) {
	if as, ok := l.store.(AtomicStore); ok {
		return as.Hit(ctx, key, rule, now)
	}

	prev, err := l.store.Get(ctx, key)
	if err != nil {
		return Record{}, false, err
	}
	st := advance(prev, rule, now)
	if err := l.store.Set(ctx, key, st.rec, st.ttl); err != nil {
		return Record{}, false, err
	}
	return st.rec, st.limited, nil
}

func (l *Limiter) failOpen(p Policy, key string, err error) {
	if l.metrics != nil {
		l.metrics.Checks.WithLabelValues(p.Name, "degraded").Inc()
	}
	reason := "store_error"
	if errors.Is(err, breaker.ErrOpen) {
		reason = "breaker_open"
	} else if errors.Is(err, context.DeadlineExceeded) {
		reason = "store_timeout"
	}
	l.errLog.Do(func() {
		l.log.Error("rate limit store unavailable; failing open",
			slog.String("policy", p.Name),
			slog.String("key", key),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
	})
}

func (l *Limiter) observe(policy string, res Result) {
	if l.metrics == nil {
		return
	}
	result := "allowed"
	if res.Limited {
		result = "limited"
	}
	l.metrics.Checks.WithLabelValues(policy, result).Inc()
}

// Ping reports whether the underlying store is reachable, when it can tell.
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.store.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Breaker exposes the store breaker for status reporting; may be nil.
func (l *Limiter) Breaker() *breaker.Breaker { return l.breaker }
