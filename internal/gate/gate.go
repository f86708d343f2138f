// Package gate decides, per request, whether it continues to the upstream, is
// redirected, or is rejected. It composes the rate limiter with the caller's
// session, role and onboarding state.
package gate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/3xpluto/go-request-gate/internal/clientkey"
	"github.com/3xpluto/go-request-gate/internal/identity"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

// Checker is the slice of ratelimit.Limiter the gate uses.
type Checker interface {
	Check(ctx context.Context, p ratelimit.Policy, subject string) ratelimit.Result
}

type CSRFValidator interface {
	Valid(token string) bool
}

type Policies struct {
	AnonymousLogin ratelimit.Policy
	IdentityLogin  ratelimit.Policy
	GeneralAPI     ratelimit.Policy
}

type Redirects struct {
	Login       string
	Onboarding  string
	Dashboard   string
	ReturnParam string
}

type Metrics struct {
	Decisions      *prometheus.CounterVec
	IdentityErrors *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_decisions_total",
			Help: "Gate decisions by outcome, route class and reason",
		}, []string{"outcome", "class", "reason"}),
		IdentityErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gate_identity_errors_total",
			Help: "Identity lookups that failed and were treated as unauthenticated",
		}, []string{"op"}),
	}
	reg.MustRegister(m.Decisions, m.IdentityErrors)
	return m
}

type Options struct {
	Table    *Table
	Limiter  Checker
	Policies Policies
	Identity identity.Provider
	Resolver clientkey.Resolver
	// CSRF is optional; nil disables the check.
	CSRF       CSRFValidator
	CSRFHeader string
	Redirects  Redirects
	Logger     *slog.Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Gate struct {
	table      *Table
	limiter    Checker
	policies   Policies
	identity   identity.Provider
	resolver   clientkey.Resolver
	csrf       CSRFValidator
	csrfHeader string
	redirects  Redirects
	log        *slog.Logger
	metrics    *Metrics
	tracer     trace.Tracer
	now        func() time.Time

	identityLog *rate.Sometimes
}

func New(o Options) (*Gate, error) {
	if o.Table == nil || o.Limiter == nil || o.Identity == nil {
		return nil, errors.New("gate: table, limiter and identity are required")
	}
	for _, p := range []ratelimit.Policy{o.Policies.AnonymousLogin, o.Policies.IdentityLogin, o.Policies.GeneralAPI} {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("gate: %w", err)
		}
	}
	g := &Gate{
		table:       o.Table,
		limiter:     o.Limiter,
		policies:    o.Policies,
		identity:    o.Identity,
		resolver:    o.Resolver,
		csrf:        o.CSRF,
		csrfHeader:  o.CSRFHeader,
		redirects:   o.Redirects,
		log:         o.Logger,
		metrics:     o.Metrics,
		tracer:      o.Tracer,
		now:         o.Now,
		identityLog: &rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	if g.csrfHeader == "" {
		g.csrfHeader = "X-CSRF-Token"
	}
	if g.redirects.Login == "" {
		g.redirects.Login = "/login"
	}
	if g.redirects.Onboarding == "" {
		g.redirects.Onboarding = "/onboarding"
	}
	if g.redirects.Dashboard == "" {
		g.redirects.Dashboard = "/dashboard"
	}
	if g.redirects.ReturnParam == "" {
		g.redirects.ReturnParam = "redirectTo"
	}
	if g.log == nil {
		g.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if g.tracer == nil {
		g.tracer = otel.Tracer("github.com/3xpluto/go-request-gate/internal/gate")
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

func (g *Gate) Table() *Table { return g.table }

func (g *Gate) Policies() Policies { return g.policies }

type state int

const (
	stateStart state = iota
	stateRouteClassified
	stateRateLimitChecked
	stateSessionFetched
	stateDecided
)

func (s state) String() string {
	return [...]string{"start", "route_classified", "rate_limit_checked", "session_fetched", "decided"}[s]
}

// evaluation is the per-request state; the Gate itself holds none.
type evaluation struct {
	r        *http.Request
	state    state
	route    Route
	tightest *ratelimit.Result
	session  identity.Session
	role     identity.Role
	cookies  []*http.Cookie
	decision Decision
}

// Evaluate walks the request through the gate's states and always returns
// exactly one decision. Store and identity failures never escape.
func (g *Gate) Evaluate(ctx context.Context, r *http.Request) Decision {
	ctx, span := g.tracer.Start(ctx, "gate.Evaluate")
	defer span.End()

	ev := &evaluation{r: r, state: stateStart}
	for ev.state != stateDecided {
		before := ev.state
		switch ev.state {
		case stateStart:
			g.classify(ev)
		case stateRouteClassified:
			g.limit(ctx, ev)
		case stateRateLimitChecked:
			g.fetchSession(ctx, ev)
		case stateSessionFetched:
			g.decide(ctx, ev)
		}
		span.AddEvent(before.String())
	}

	d := ev.decision
	span.SetAttributes(
		attribute.String("gate.class", string(d.Route.Class)),
		attribute.String("gate.outcome", d.Outcome.String()),
		attribute.String("gate.reason", d.Reason),
	)
	if g.metrics != nil {
		g.metrics.Decisions.WithLabelValues(d.Outcome.String(), string(d.Route.Class), d.Reason).Inc()
	}
	return d
}

func (g *Gate) finish(ev *evaluation, d Decision) {
	d.Route = ev.route
	if d.RateLimit == nil {
		d.RateLimit = ev.tightest
	}
	if d.Cookies == nil {
		d.Cookies = ev.cookies
	}
	ev.decision = d
	ev.state = stateDecided
}

func (g *Gate) classify(ev *evaluation) {
	ev.route = g.table.Classify(ev.r.URL.Path)
	if ev.route.Class == ClassBypass {
		g.finish(ev, Decision{Outcome: Continue, Reason: ReasonBypass})
		return
	}
	ev.state = stateRouteClassified
}

type pending struct {
	policy  ratelimit.Policy
	subject string
}

func (g *Gate) limit(ctx context.Context, ev *evaluation) {
	r := ev.r
	var checks []pending
	if ev.route.API {
		checks = append(checks, pending{g.policies.GeneralAPI, g.resolver.Fingerprint(r)})
	}
	loginAttempt := ev.route.Login && stateChanging(r.Method)
	if loginAttempt {
		checks = append(checks, pending{g.policies.AnonymousLogin, g.resolver.Fingerprint(r)})
		if email, ok := clientkey.Identity(r); ok {
			checks = append(checks, pending{g.policies.IdentityLogin, email})
		}
	}

	var limited *ratelimit.Result
	for _, c := range checks {
		res := g.limiter.Check(ctx, c.policy, c.subject)
		if res.Limited {
			if limited == nil || res.ResetAt.After(limited.ResetAt) {
				limited = &res
			}
			continue
		}
		if res.Degraded {
			continue
		}
		if ev.tightest == nil || res.Remaining < ev.tightest.Remaining {
			ev.tightest = &res
		}
	}

	if limited != nil {
		g.log.Info("rate limited",
			slog.String("policy", limited.Policy),
			slog.String("path", r.URL.Path),
			slog.Time("reset_at", limited.ResetAt),
		)
		g.finish(ev, Decision{Outcome: Reject, Status: http.StatusTooManyRequests, Reason: ReasonRateLimited, RateLimit: limited})
		return
	}

	if loginAttempt && g.csrf != nil && !g.csrf.Valid(r.Header.Get(g.csrfHeader)) {
		g.finish(ev, Decision{Outcome: Reject, Status: http.StatusForbidden, Reason: ReasonCSRF})
		return
	}
	ev.state = stateRateLimitChecked
}

func (g *Gate) fetchSession(ctx context.Context, ev *evaluation) {
	now := g.now()
	sess, err := g.identity.Session(ctx, ev.r)
	if err != nil {
		g.identityFailed("session", err)
		sess = identity.Session{}
	}

	if sess.Expired(now) || (!sess.Authenticated && sess.Refreshable) {
		refreshed, err := g.identity.Refresh(ctx, ev.r)
		switch {
		case err != nil:
			if !errors.Is(err, identity.ErrNoSession) {
				g.identityFailed("refresh", err)
			}
			sess = identity.Session{}
		case !refreshed.Authenticated || refreshed.Expired(now):
			sess = identity.Session{}
		default:
			sess = refreshed
			ev.cookies = refreshed.Cookies
		}
	}

	ev.session = sess
	ev.state = stateSessionFetched
}

func (g *Gate) decide(ctx context.Context, ev *evaluation) {
	switch ev.route.Class {
	case ClassPublic, ClassAuthOnly:
		if ev.session.Authenticated && !ev.route.API {
			if loc, ok := g.landing(ctx, ev); ok {
				g.redirect(ev, loc, ReasonLanding)
				return
			}
		}

	case ClassProtected:
		if !ev.session.Authenticated {
			if ev.route.API {
				g.finish(ev, Decision{Outcome: Reject, Status: http.StatusUnauthorized, Reason: ReasonUnauthorized})
				return
			}
			g.redirectLogin(ev)
			return
		}

	case ClassAdmin:
		if ev.session.Authenticated {
			role, err := g.identity.Role(ctx, ev.session.UserID)
			if err != nil {
				g.identityFailed("role", err)
				ev.session = identity.Session{}
			} else {
				ev.role = role
			}
		}
		isAdmin := ev.session.Authenticated && ev.role == identity.RoleAdmin

		if ev.route.API {
			if !isAdmin {
				g.finish(ev, Decision{Outcome: Reject, Status: http.StatusForbidden, Reason: ReasonForbidden})
				return
			}
			break
		}
		if !ev.session.Authenticated {
			g.redirectLogin(ev)
			return
		}
		if !isAdmin {
			if loc, ok := g.landing(ctx, ev); ok {
				g.redirect(ev, loc, ReasonNotAdmin)
			} else {
				g.redirectLogin(ev)
			}
			return
		}
	}

	g.finish(ev, g.continueDecision(ev))
}

func (g *Gate) continueDecision(ev *evaluation) Decision {
	d := Decision{Outcome: Continue, Reason: ReasonAllowed}
	if ev.session.Authenticated {
		d.UserID = ev.session.UserID
		d.Role = ev.role
	}
	return d
}

// landing picks the authenticated landing page. It reports false when the
// onboarding lookup failed (the caller is then treated as unauthenticated) or
// when the request is already for that page.
func (g *Gate) landing(ctx context.Context, ev *evaluation) (string, bool) {
	done, err := g.identity.Onboarded(ctx, ev.session.UserID)
	if err != nil {
		g.identityFailed("onboarding", err)
		ev.session = identity.Session{}
		ev.role = ""
		return "", false
	}
	target := g.redirects.Dashboard
	if !done {
		target = g.redirects.Onboarding
	}
	if samePage(ev.r.URL.Path, target) {
		return "", false
	}
	return target, true
}

func (g *Gate) redirectLogin(ev *evaluation) {
	if samePage(ev.r.URL.Path, g.redirects.Login) {
		g.finish(ev, g.continueDecision(ev))
		return
	}
	loc := g.redirects.Login
	if u, err := url.Parse(g.redirects.Login); err == nil {
		q := u.Query()
		q.Set(g.redirects.ReturnParam, ev.r.URL.RequestURI())
		u.RawQuery = q.Encode()
		loc = u.String()
	}
	g.redirect(ev, loc, ReasonLoginRequired)
}

func (g *Gate) redirect(ev *evaluation, loc, reason string) {
	g.finish(ev, Decision{Outcome: Redirect, Location: loc, Reason: reason})
}

func (g *Gate) identityFailed(op string, err error) {
	if g.metrics != nil {
		g.metrics.IdentityErrors.WithLabelValues(op).Inc()
	}
	g.identityLog.Do(func() {
		g.log.Warn("identity lookup failed; treating request as unauthenticated",
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
	})
}

func samePage(reqPath, target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	return hasPrefix(cleanPath(reqPath), normalizePrefix(u.Path))
}

func stateChanging(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	default:
		return true
	}
}
