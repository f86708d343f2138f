// Package identity is the gate's boundary to the identity service: session
// lookup and refresh, role lookup, and onboarding status. The gate depends on
// Provider only; Service is the production implementation.
package identity

import (
	"context"
	"errors"
	"net/http"
	"time"
)

var (
	// ErrIdentityUnavailable wraps transport and upstream failures. Callers
	// treat the request as unauthenticated.
	ErrIdentityUnavailable = errors.New("identity service unavailable")
	// ErrNoSession is returned by Refresh when there is nothing to refresh.
	ErrNoSession = errors.New("no session")
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func ParseRole(s string) Role {
	if Role(s) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Session is the per-request view of the caller. It is fetched fresh for
// every request and never cached across requests.
type Session struct {
	Authenticated bool
	UserID        string
	ExpiresAt     time.Time
	// Refreshable marks an unauthenticated caller that still holds a refresh
	// credential, e.g. after the browser dropped the session cookie.
	Refreshable bool
	// Cookies are set on the response when the session was refreshed.
	Cookies []*http.Cookie
}

func (s Session) Expired(now time.Time) bool {
	return s.Authenticated && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

type Provider interface {
	Session(ctx context.Context, r *http.Request) (Session, error)
	Refresh(ctx context.Context, r *http.Request) (Session, error)
	Role(ctx context.Context, userID string) (Role, error)
	Onboarded(ctx context.Context, userID string) (bool, error)
}
