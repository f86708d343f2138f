package gate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/3xpluto/go-request-gate/internal/config"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

const (
	HeaderUserID = "X-Gate-User-Id"
	HeaderRole   = "X-Gate-Role"
)

type header struct{ name, value string }

// Responder turns a Decision into an HTTP response.
type Responder struct {
	security []header
	now      func() time.Time
}

func NewResponder(cfg config.SecurityHeadersConfig) *Responder {
	pick := func(v, def string) string {
		if v != "" {
			return v
		}
		return def
	}
	return &Responder{
		security: []header{
			{"Content-Security-Policy", pick(cfg.ContentSecurityPolicy, "default-src 'self'; frame-ancestors 'none'; base-uri 'self'; form-action 'self'")},
			{"X-Content-Type-Options", "nosniff"},
			{"X-Frame-Options", "DENY"},
			{"X-XSS-Protection", "1; mode=block"},
			{"Strict-Transport-Security", pick(cfg.HSTS, "max-age=63072000; includeSubDomains; preload")},
			{"Referrer-Policy", pick(cfg.ReferrerPolicy, "strict-origin-when-cross-origin")},
			{"Permissions-Policy", pick(cfg.PermissionsPolicy, "camera=(), microphone=(), geolocation=()")},
		},
		now: time.Now,
	}
}

// WithClock replaces the time source; tests only.
func (rs *Responder) WithClock(now func() time.Time) *Responder {
	rs.now = now
	return rs
}

func (rs *Responder) Write(w http.ResponseWriter, r *http.Request, d Decision, next http.Handler) {
	rs.applySecurity(w.Header())
	for _, c := range d.Cookies {
		http.SetCookie(w, c)
	}

	switch d.Outcome {
	case Redirect:
		w.Header().Set("Location", d.Location)
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(redirectStatus(r.Method))

	case Reject:
		rs.reject(w, d)

	default:
		// a degraded result carries no real count
		if d.RateLimit != nil && !d.RateLimit.Degraded {
			rs.rateLimitHeaders(w.Header(), *d.RateLimit)
		}
		next.ServeHTTP(&secureWriter{ResponseWriter: w, rs: rs}, rs.forward(r, d))
	}
}

// Secure sets the security headers on responses served outside the gate, such
// as health and metrics endpoints.
func (rs *Responder) Secure(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.applySecurity(w.Header())
		next.ServeHTTP(w, r)
	})
}

func (rs *Responder) applySecurity(h http.Header) {
	for _, sh := range rs.security {
		h.Set(sh.name, sh.value)
	}
}

func (rs *Responder) rateLimitHeaders(h http.Header, res ratelimit.Result) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
}

type rejectBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter *int   `json:"retryAfter,omitempty"`
}

func (rs *Responder) reject(w http.ResponseWriter, d Decision) {
	status := d.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	body := rejectBody{}
	switch status {
	case http.StatusTooManyRequests:
		retry := 1
		if d.RateLimit != nil {
			retry = d.RateLimit.RetryAfter(rs.now())
			rs.rateLimitHeaders(w.Header(), *d.RateLimit)
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
		body = rejectBody{Error: "rate_limited", Message: "Too many requests. Please try again later.", RetryAfter: &retry}
	case http.StatusUnauthorized:
		body = rejectBody{Error: "unauthorized", Message: "Authentication required."}
	default:
		if d.Reason == ReasonCSRF {
			body = rejectBody{Error: "csrf_invalid", Message: "Missing or invalid CSRF token."}
		} else {
			body = rejectBody{Error: "forbidden", Message: "You do not have access to this resource."}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// forward prepares the request for the upstream: gate headers are never taken
// from the client, and a refreshed session replaces the stale cookie.
func (rs *Responder) forward(r *http.Request, d Decision) *http.Request {
	out := r.Clone(r.Context())
	out.Header.Del(HeaderUserID)
	out.Header.Del(HeaderRole)
	if d.UserID != "" {
		out.Header.Set(HeaderUserID, d.UserID)
	}
	if d.Role != "" {
		out.Header.Set(HeaderRole, string(d.Role))
	}

	fresh := map[string]string{}
	for _, c := range d.Cookies {
		fresh[c.Name] = c.Value
	}
	if len(fresh) == 0 {
		return out
	}
	var parts []string
	for _, c := range r.Cookies() {
		if _, replaced := fresh[c.Name]; replaced {
			continue
		}
		parts = append(parts, c.Name+"="+c.Value)
	}
	for _, c := range d.Cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	out.Header.Set("Cookie", strings.Join(parts, "; "))
	return out
}

func redirectStatus(method string) int {
	if method == http.MethodGet || method == http.MethodHead {
		return http.StatusTemporaryRedirect
	}
	return http.StatusSeeOther
}

// secureWriter re-applies the security headers when the upstream writes its
// response, so upstream values cannot weaken or duplicate them.
type secureWriter struct {
	http.ResponseWriter
	rs          *Responder
	wroteHeader bool
}

func (w *secureWriter) WriteHeader(code int) {
	if !w.wroteHeader && code >= 200 {
		w.wroteHeader = true
		w.rs.applySecurity(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *secureWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(p)
}

func (w *secureWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *secureWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
