package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

type StoreMetrics struct {
	Duration *prometheus.HistogramVec
	Errors   *prometheus.CounterVec
}

func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_store_operation_duration_seconds",
			Help:    "Duration of counter store operations",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"operation"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_store_operation_errors_total",
			Help: "Counter store operations that failed",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.Duration, m.Errors)
	return m
}

// InstrumentedStore wraps a counter store with a span, a latency observation
// and an error count per operation.
type InstrumentedStore struct {
	inner   ratelimit.Store
	metrics *StoreMetrics
	tracer  trace.Tracer
}

// instrumentedAtomicStore is returned when the inner store can apply a hit
// atomically, so the limiter keeps using that path.
type instrumentedAtomicStore struct {
	*InstrumentedStore
	atomic ratelimit.AtomicStore
}

// InstrumentStore wraps inner. The result implements ratelimit.AtomicStore
// exactly when inner does.
func InstrumentStore(inner ratelimit.Store, m *StoreMetrics) ratelimit.Store {
	s := &InstrumentedStore{
		inner:   inner,
		metrics: m,
		tracer:  otel.Tracer("github.com/3xpluto/go-request-gate/internal/ratelimit"),
	}
	if as, ok := inner.(ratelimit.AtomicStore); ok {
		return &instrumentedAtomicStore{InstrumentedStore: s, atomic: as}
	}
	return s
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation, key string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "store."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("store.operation", operation),
			attribute.String("store.key", key),
		),
	)
}

func (s *InstrumentedStore) record(span trace.Span, operation string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.Duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
		if err != nil {
			s.metrics.Errors.WithLabelValues(operation).Inc()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (*ratelimit.Record, error) {
	ctx, span := s.startSpan(ctx, "Get", key)
	start := time.Now()
	rec, err := s.inner.Get(ctx, key)
	s.record(span, "Get", start, err)
	return rec, err
}

func (s *InstrumentedStore) Set(ctx context.Context, key string, rec ratelimit.Record, ttl time.Duration) error {
	ctx, span := s.startSpan(ctx, "Set", key)
	span.SetAttributes(attribute.Int64("store.ttl_seconds", int64(ttl/time.Second)))
	start := time.Now()
	err := s.inner.Set(ctx, key, rec, ttl)
	s.record(span, "Set", start, err)
	return err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	p, ok := s.inner.(ratelimit.Pinger)
	if !ok {
		return nil
	}
	ctx, span := s.startSpan(ctx, "Ping", "")
	start := time.Now()
	err := p.Ping(ctx)
	s.record(span, "Ping", start, err)
	return err
}

func (s *instrumentedAtomicStore) Hit(ctx context.Context, key string, rule ratelimit.Rule, now time.Time) (ratelimit.Record, bool, error) {
	ctx, span := s.startSpan(ctx, "Hit", key)
	start := time.Now()
	rec, limited, err := s.atomic.Hit(ctx, key, rule, now)
	span.SetAttributes(attribute.Bool("ratelimit.limited", limited), attribute.Int("ratelimit.count", rec.Count))
	s.record(span, "Hit", start, err)
	return rec, limited, err
}
