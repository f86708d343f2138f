package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3xpluto/go-request-gate/internal/config"
	"github.com/3xpluto/go-request-gate/internal/identity"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

var securityHeaders = []string{
	"Content-Security-Policy",
	"X-Content-Type-Options",
	"X-Frame-Options",
	"X-XSS-Protection",
	"Strict-Transport-Security",
	"Referrer-Policy",
	"Permissions-Policy",
}

func assertSecurityHeaders(t *testing.T, h http.Header) {
	t.Helper()
	for _, name := range securityHeaders {
		assert.NotEmpty(t, h.Get(name), name)
	}
	assert.Equal(t, "DENY", h.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", h.Get("X-Content-Type-Options"))
}

var unreachable = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	panic("next must not be called")
})

func TestRespondRedirect(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{})
	d := Decision{Outcome: Redirect, Location: "/login?redirectTo=%2Fdashboard"}

	rec := httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodGet, "/dashboard", nil), d, unreachable)
	assert.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, "/login?redirectTo=%2Fdashboard", rec.Header().Get("Location"))
	assertSecurityHeaders(t, rec.Header())

	rec = httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodPost, "/login", nil), Decision{Outcome: Redirect, Location: "/dashboard"}, unreachable)
	assert.Equal(t, http.StatusSeeOther, rec.Code)
}

func TestRespondTooManyRequests(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rs := NewResponder(config.SecurityHeadersConfig{}).WithClock(func() time.Time { return now })
	d := Decision{
		Outcome: Reject,
		Status:  http.StatusTooManyRequests,
		Reason:  ReasonRateLimited,
		RateLimit: &ratelimit.Result{
			Policy:  ratelimit.IdentityLogin,
			Limited: true,
			Limit:   5,
			ResetAt: now.Add(1800 * time.Second),
		},
	}

	rec := httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodPost, "/login", nil), d, unreachable)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1800", rec.Header().Get("Retry-After"))
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700001800", rec.Header().Get("X-RateLimit-Reset"))
	assertSecurityHeaders(t, rec.Header())

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, body["message"])
	assert.EqualValues(t, 1800, body["retryAfter"])
}

func TestRespondForbiddenAndUnauthorized(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{})

	rec := httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodGet, "/api/admin", nil), Decision{Outcome: Reject, Status: http.StatusForbidden, Reason: ReasonForbidden}, unreachable)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"forbidden","message":"You do not have access to this resource."}`, rec.Body.String())
	assertSecurityHeaders(t, rec.Header())

	rec = httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil), Decision{Outcome: Reject, Status: http.StatusUnauthorized}, unreachable)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unauthorized", body["error"])
	assert.NotContains(t, body, "retryAfter")
}

func TestRespondContinueForwardsIdentity(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{ContentSecurityPolicy: "default-src 'none'"})
	fresh := &http.Cookie{Name: "session", Value: "new", HttpOnly: true}
	d := Decision{
		Outcome:   Continue,
		UserID:    "u1",
		Role:      identity.RoleAdmin,
		Cookies:   []*http.Cookie{fresh},
		RateLimit: &ratelimit.Result{Limit: 100, Remaining: 42, ResetAt: time.Unix(1_700_000_060, 0)},
	}

	var seen *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r
		w.Header().Set("Content-Security-Policy", "upstream-weak")
		w.Header().Set("X-Frame-Options", "ALLOWALL")
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.Header.Set(HeaderUserID, "spoofed")
	req.Header.Set(HeaderRole, "admin")
	req.AddCookie(&http.Cookie{Name: "session", Value: "old"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	rec := httptest.NewRecorder()
	rs.Write(rec, req, d, next)

	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.Header.Get(HeaderUserID))
	assert.Equal(t, "admin", seen.Header.Get(HeaderRole))
	c, err := seen.Cookie("session")
	require.NoError(t, err)
	assert.Equal(t, "new", c.Value)
	c, err = seen.Cookie("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", c.Value)

	assert.Equal(t, "default-src 'none'", rec.Header().Get("Content-Security-Policy"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "42", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Header().Values("Set-Cookie")[0], "session=new")

	// the original request is left untouched
	assert.Equal(t, "spoofed", req.Header.Get(HeaderUserID))
}

func TestRespondContinueStripsSpoofedHeadersForAnonymous(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{})
	var seen *http.Request
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { seen = r })

	req := httptest.NewRequest(http.MethodGet, "/pricing", nil)
	req.Header.Set(HeaderUserID, "admin-1")
	rec := httptest.NewRecorder()
	rs.Write(rec, req, Decision{Outcome: Continue}, next)

	require.NotNil(t, seen)
	assert.Empty(t, seen.Header.Get(HeaderUserID))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assertSecurityHeaders(t, rec.Header())
}

func TestRespondContinueOmitsDegradedCounts(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})

	rec := httptest.NewRecorder()
	rs.Write(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil), Decision{
		Outcome:   Continue,
		RateLimit: &ratelimit.Result{Policy: ratelimit.GeneralAPI, Limit: 100, Remaining: 100, Degraded: true},
	}, next)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
}

func TestSecureWrapsOtherHandlers(t *testing.T) {
	rs := NewResponder(config.SecurityHeadersConfig{})
	h := rs.Secure(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
	assertSecurityHeaders(t, rec.Header())
}
