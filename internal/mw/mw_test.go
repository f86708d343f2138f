package mw

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/3xpluto/go-request-gate/internal/config"
	"github.com/3xpluto/go-request-gate/internal/gate"
	"github.com/3xpluto/go-request-gate/internal/identity"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

func TestRequestIDGeneratesUUID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if _, err := uuid.Parse(seen); err != nil {
		t.Fatalf("expected uuid request id, got %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Fatalf("response header %q != context %q", rec.Header().Get("X-Request-Id"), seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "abc-123")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "abc-123" {
		t.Fatalf("expected propagated id, got %q", seen)
	}
}

func TestRecoverReturnsJSON500(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	h := Recover(log, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["error"] != "internal_error" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "boom") {
		t.Fatalf("panic not logged: %s", buf.String())
	}
}

func TestMaxBodyBytes(t *testing.T) {
	h := MaxBodyBytes(8, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("0123456789")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("small")))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestRequireAdminKey(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	rec := httptest.NewRecorder()
	RequireAdminKey("", ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without key configured, got %d", rec.Code)
	}

	h := RequireAdminKey("s3cret", ok)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/status", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/-/status", nil)
	req.Header.Set(AdminKeyHeader, "s3cret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

type anonymous struct{}

func (anonymous) Session(context.Context, *http.Request) (identity.Session, error) {
	return identity.Session{}, nil
}
func (anonymous) Refresh(context.Context, *http.Request) (identity.Session, error) {
	return identity.Session{}, identity.ErrNoSession
}
func (anonymous) Role(context.Context, string) (identity.Role, error) { return identity.RoleUser, nil }
func (anonymous) Onboarded(context.Context, string) (bool, error)     { return false, nil }

func newTestGate(t *testing.T) *gate.Gate {
	t.Helper()
	table, err := gate.NewTable(config.RoutesConfig{
		Bypass:    []string{"/static"},
		Protected: []string{"/dashboard"},
		API:       []string{"/api"},
	})
	if err != nil {
		t.Fatal(err)
	}
	g, err := gate.New(gate.Options{
		Table:    table,
		Limiter:  ratelimit.New(ratelimit.NewMemoryStore()),
		Identity: anonymous{},
		Policies: gate.Policies{
			AnonymousLogin: ratelimit.NewPolicy(ratelimit.AnonymousLogin, 20, 300, 300),
			IdentityLogin:  ratelimit.NewPolicy(ratelimit.IdentityLogin, 5, 300, 1800),
			GeneralAPI:     ratelimit.NewPolicy(ratelimit.GeneralAPI, 1, 60, 60),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestGateChainLabelsRoutes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	var logs bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&logs, nil))

	upstream := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	h := RequestID(AccessLog(log, Instrument(m, Gate(newTestGate(t), gate.NewResponder(config.SecurityHeadersConfig{}), upstream))))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil))
	if rec.Code != http.StatusTemporaryRedirect {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests} {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/things", nil))
		if rec.Code != want {
			t.Fatalf("api call %d: expected %d, got %d", i+1, want, rec.Code)
		}
	}

	if got := testutil.ToFloat64(m.Requests.WithLabelValues("protected", "redirect", "GET", "307")); got != 1 {
		t.Fatalf("expected one protected 307, got %v", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("unmatched", "reject", "GET", "429")); got != 1 {
		t.Fatalf("expected one unmatched 429, got %v", got)
	}
	if !strings.Contains(logs.String(), `"decision":"reject:rate_limited"`) {
		t.Fatalf("access log missing decision: %s", logs.String())
	}
}
