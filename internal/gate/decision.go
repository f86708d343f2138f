package gate

import (
	"net/http"

	"github.com/3xpluto/go-request-gate/internal/identity"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

type Outcome int

const (
	Continue Outcome = iota
	Redirect
	Reject
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Redirect:
		return "redirect"
	case Reject:
		return "reject"
	default:
		return "unknown"
	}
}

// Reasons explain a decision in logs and metrics.
const (
	ReasonBypass        = "bypass"
	ReasonAllowed       = "allowed"
	ReasonRateLimited   = "rate_limited"
	ReasonCSRF          = "csrf_invalid"
	ReasonLoginRequired = "login_required"
	ReasonUnauthorized  = "unauthorized"
	ReasonForbidden     = "forbidden"
	ReasonLanding       = "already_authenticated"
	ReasonNotAdmin      = "not_admin"
)

// Decision is the single result of evaluating a request.
type Decision struct {
	Outcome Outcome
	Reason  string
	Route   Route

	// Location is set for Redirect.
	Location string
	// Status is set for Reject: 401, 403 or 429.
	Status int

	// RateLimit is the limited policy's result on a 429, otherwise the
	// tightest result among the policies that were evaluated.
	RateLimit *ratelimit.Result

	UserID string
	// Role is empty unless the route needed it.
	Role identity.Role
	// Cookies carry a refreshed session back to the client.
	Cookies []*http.Cookie
}

func (d Decision) Authenticated() bool { return d.UserID != "" }
