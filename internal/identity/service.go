package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/3xpluto/go-request-gate/internal/breaker"
)

// errNotFound marks directory lookups for unknown users. It does not count
// against the breaker.
var errNotFound = errors.New("not found")

type ServiceConfig struct {
	// BaseURL of the identity service directory. Empty disables Refresh,
	// Role and Onboarded lookups.
	BaseURL       string
	Timeout       time.Duration
	SessionCookie string
	RefreshCookie string
	Verifier      TokenVerifier
	Breaker       *breaker.Breaker
	Client        *http.Client
}

// Service talks to the identity service over HTTP and verifies session
// tokens locally.
type Service struct {
	base          string
	timeout       time.Duration
	sessionCookie string
	refreshCookie string
	verifier      TokenVerifier
	breaker       *breaker.Breaker
	client        *http.Client
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("identity: token verifier required")
	}
	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("identity: bad base url %q", cfg.BaseURL)
		}
	}
	s := &Service{
		base:          strings.TrimRight(cfg.BaseURL, "/"),
		timeout:       cfg.Timeout,
		sessionCookie: cfg.SessionCookie,
		refreshCookie: cfg.RefreshCookie,
		verifier:      cfg.Verifier,
		breaker:       cfg.Breaker,
		client:        cfg.Client,
	}
	if s.timeout <= 0 {
		s.timeout = 1500 * time.Millisecond
	}
	if s.sessionCookie == "" {
		s.sessionCookie = "session"
	}
	if s.refreshCookie == "" {
		s.refreshCookie = "refresh_token"
	}
	if s.client == nil {
		s.client = &http.Client{}
	}
	return s, nil
}

func (s *Service) SessionCookie() string { return s.sessionCookie }

// Session reads the session token from the session cookie, falling back to a
// bearer token. A missing or invalid token is an unauthenticated session, not
// an error; only an unreachable key source is. Without a usable token the
// session is Refreshable when a refresh cookie is present.
func (s *Service) Session(ctx context.Context, r *http.Request) (Session, error) {
	tok := s.token(r)
	if tok == "" {
		return Session{Refreshable: s.hasRefresh(r)}, nil
	}
	claims, err := s.verifier.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrIdentityUnavailable) {
			return Session{}, err
		}
		return Session{Refreshable: s.hasRefresh(r)}, nil
	}
	return Session{Authenticated: true, UserID: claims.Subject, ExpiresAt: claims.ExpiresAt}, nil
}

func (s *Service) hasRefresh(r *http.Request) bool {
	c, err := r.Cookie(s.refreshCookie)
	return err == nil && c.Value != "" && s.base != ""
}

func (s *Service) token(r *http.Request) string {
	if c, err := r.Cookie(s.sessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Refresh exchanges the caller's refresh cookie for a new session token. The
// returned session carries the cookies to set on the response.
func (s *Service) Refresh(ctx context.Context, r *http.Request) (Session, error) {
	rc, err := r.Cookie(s.refreshCookie)
	if err != nil || rc.Value == "" || s.base == "" {
		return Session{}, ErrNoSession
	}

	var out refreshResponse
	err = s.call(ctx, http.MethodPost, "/session/refresh", func(req *http.Request) {
		req.AddCookie(&http.Cookie{Name: s.refreshCookie, Value: rc.Value})
	}, &out)
	if errors.Is(err, errNotFound) {
		return Session{}, ErrNoSession
	}
	if err != nil {
		return Session{}, err
	}
	if out.AccessToken == "" {
		return Session{}, ErrNoSession
	}

	claims, err := s.verifier.Verify(ctx, out.AccessToken)
	if err != nil {
		if errors.Is(err, ErrIdentityUnavailable) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("%w: refreshed token rejected", ErrNoSession)
	}

	// The session cookie outlives its token: an expired token still reaches
	// the gate and triggers the next refresh.
	cookies := []*http.Cookie{s.cookie(s.sessionCookie, out.AccessToken)}
	if out.RefreshToken != "" {
		cookies = append(cookies, s.cookie(s.refreshCookie, out.RefreshToken))
	}
	return Session{
		Authenticated: true,
		UserID:        claims.Subject,
		ExpiresAt:     claims.ExpiresAt,
		Cookies:       cookies,
	}, nil
}

func (s *Service) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}
}

// Role looks the user up in the directory. Unknown users, and deployments
// without a directory, are plain users.
func (s *Service) Role(ctx context.Context, userID string) (Role, error) {
	if s.base == "" {
		return RoleUser, nil
	}
	var out struct {
		Role string `json:"role"`
	}
	err := s.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/role", nil, &out)
	if errors.Is(err, errNotFound) {
		return RoleUser, nil
	}
	if err != nil {
		return RoleUser, err
	}
	return ParseRole(out.Role), nil
}

// Onboarded reports whether the user finished onboarding. Without a directory
// every user counts as onboarded.
func (s *Service) Onboarded(ctx context.Context, userID string) (bool, error) {
	if s.base == "" {
		return true, nil
	}
	var out struct {
		Completed bool `json:"completed"`
	}
	err := s.call(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/onboarding", nil, &out)
	if errors.Is(err, errNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Completed, nil
}

func (s *Service) call(ctx context.Context, method, path string, prepare func(*http.Request), out any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.breaker.Do(func() error {
		req, err := http.NewRequestWithContext(ctx, method, s.base+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if prepare != nil {
			prepare(req)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
			_, _ = io.Copy(io.Discard, resp.Body)
			return errNotFound
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			_, _ = io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%s %s: http %d", method, path, resp.StatusCode)
		}
		return json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(out)
	}, func(err error) bool { return !errors.Is(err, errNotFound) })

	if err == nil || errors.Is(err, errNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
}

// Breaker exposes the identity breaker for status reporting; may be nil.
func (s *Service) Breaker() *breaker.Breaker { return s.breaker }
