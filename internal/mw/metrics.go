package mw

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/3xpluto/go-request-gate/internal/httpx"
)

type Metrics struct {
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_http_requests_total",
			Help: "HTTP requests by route class, gate outcome and status",
		}, []string{"route", "outcome", "method", "code"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gate_http_request_duration_seconds",
			Help:    "Request latency including upstream time, by route class and gate outcome",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "outcome"}),
	}
	reg.MustRegister(m.Requests, m.Latency)
	return m
}

// Instrument records request counts and latency. Labels are read after the
// inner handlers ran, so the gate's classification and outcome are included.
func Instrument(m *Metrics, next http.Handler) http.Handler {
	return Tags(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)

		route, outcome := RouteName(r.Context()), outcomeLabel(DecisionName(r.Context()))
		m.Requests.WithLabelValues(route, outcome, r.Method, strconv.Itoa(sw.Code())).Inc()
		m.Latency.WithLabelValues(route, outcome).Observe(time.Since(start).Seconds())
	}))
}

// outcomeLabel keeps the outcome half of "outcome:reason"; reasons stay in
// gate_decisions_total.
func outcomeLabel(decision string) string {
	if decision == "" {
		return "none"
	}
	outcome, _, _ := strings.Cut(decision, ":")
	return outcome
}
