package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"github.com/3xpluto/go-request-gate/internal/breaker"
	"github.com/3xpluto/go-request-gate/internal/clientkey"
	"github.com/3xpluto/go-request-gate/internal/config"
	"github.com/3xpluto/go-request-gate/internal/csrf"
	"github.com/3xpluto/go-request-gate/internal/gate"
	"github.com/3xpluto/go-request-gate/internal/identity"
	"github.com/3xpluto/go-request-gate/internal/mw"
	"github.com/3xpluto/go-request-gate/internal/observability"
	"github.com/3xpluto/go-request-gate/internal/proxy"
	"github.com/3xpluto/go-request-gate/internal/ratelimit"
)

// gatekeeper is the assembled process: one handler plus what must be closed
// on shutdown.
type gatekeeper struct {
	handler http.Handler
	closers []func() error

	limiter  *ratelimit.Limiter
	identity *identity.Service
	jwks     *identity.JWKSVerifier
	gate     *gate.Gate
}

func (g *gatekeeper) Close() {
	for _, c := range g.closers {
		_ = c()
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func breakerFrom(c config.BreakerConfig) *breaker.Breaker {
	return breaker.New(breaker.Config{
		Enabled:          c.Enabled,
		FailureThreshold: c.FailureThreshold,
		OpenDuration:     time.Duration(c.OpenSeconds) * time.Second,
	})
}

func newStore(cfg *config.Config, log *slog.Logger) (ratelimit.Store, func() error) {
	if strings.EqualFold(cfg.Store.Backend, "memory") {
		log.Warn("using in-process counter store; limits are not shared across instances")
		return ratelimit.NewMemoryStore(), func() error { return nil }
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Redis.Addr,
		Password: cfg.Store.Redis.Password,
		DB:       cfg.Store.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// keep the shared store; the limiter fails open until it comes back
		log.Warn("redis unreachable at startup; rate limiting fails open until it recovers",
			slog.String("addr", cfg.Store.Redis.Addr),
			slog.String("error", err.Error()),
		)
	}
	s := ratelimit.NewRedisStore(rdb)
	return s, s.Close
}

func newVerifier(cfg config.IdentityConfig) (identity.TokenVerifier, *identity.JWKSVerifier, error) {
	if strings.EqualFold(cfg.Mode, "jwks") {
		v, err := identity.NewJWKSVerifier(cfg.JWKS.URL, identity.JWKSOptions{
			HTTPTimeout: time.Duration(cfg.JWKS.HTTPTimeoutSeconds) * time.Second,
			CacheTTL:    time.Duration(cfg.JWKS.CacheTTLSeconds) * time.Second,
			Leeway:      30 * time.Second,
			Issuers:     cfg.JWKS.Issuers,
			Audiences:   cfg.JWKS.Audiences,
		})
		if err != nil {
			return nil, nil, err
		}
		return v, v, nil
	}
	return identity.HMACVerifier{Secret: []byte(cfg.HMACSecret)}, nil, nil
}

func newCSRF(c config.CSRFConfig) (*csrf.Tokens, error) {
	return csrf.New([]byte(c.Secret), time.Duration(c.TTLSeconds)*time.Second)
}

func policiesFrom(c config.PoliciesConfig) gate.Policies {
	return gate.Policies{
		AnonymousLogin: ratelimit.NewPolicy(ratelimit.AnonymousLogin, c.AnonymousLogin.Limit, c.AnonymousLogin.WindowSeconds, c.AnonymousLogin.BlockSeconds),
		IdentityLogin:  ratelimit.NewPolicy(ratelimit.IdentityLogin, c.IdentityLogin.Limit, c.IdentityLogin.WindowSeconds, c.IdentityLogin.BlockSeconds),
		GeneralAPI:     ratelimit.NewPolicy(ratelimit.GeneralAPI, c.GeneralAPI.Limit, c.GeneralAPI.WindowSeconds, c.GeneralAPI.BlockSeconds),
	}
}

func build(cfg *config.Config, log *slog.Logger, reg *prometheus.Registry, adminKey string) (*gatekeeper, error) {
	gk := &gatekeeper{}

	// ---- Counter store + limiter
	store, closeStore := newStore(cfg, log)
	gk.closers = append(gk.closers, closeStore)
	store = observability.InstrumentStore(store, observability.NewStoreMetrics(reg))

	gk.limiter = ratelimit.New(store,
		ratelimit.WithKeyPrefix(cfg.Store.KeyPrefix),
		ratelimit.WithTimeout(ms(cfg.Store.TimeoutMS)),
		ratelimit.WithBreaker(breakerFrom(cfg.Store.Breaker)),
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)),
		ratelimit.WithLogger(log),
	)

	// ---- Identity
	verifier, jwks, err := newVerifier(cfg.Identity)
	if err != nil {
		return nil, fmt.Errorf("identity verifier: %w", err)
	}
	gk.jwks = jwks
	gk.identity, err = identity.NewService(identity.ServiceConfig{
		BaseURL:       cfg.Identity.BaseURL,
		Timeout:       ms(cfg.Identity.TimeoutMS),
		SessionCookie: cfg.Identity.SessionCookie,
		RefreshCookie: cfg.Identity.RefreshCookie,
		Verifier:      verifier,
		Breaker:       breakerFrom(cfg.Identity.Breaker),
	})
	if err != nil {
		return nil, err
	}

	// ---- Gate
	table, err := gate.NewTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	resolver := clientkey.Resolver{}
	if len(cfg.Server.TrustedProxies) > 0 {
		if resolver.Trusted, err = clientkey.ParseTrusted(cfg.Server.TrustedProxies); err != nil {
			return nil, fmt.Errorf("server.trusted_proxies: %w", err)
		}
	}
	opts := gate.Options{
		Table:      table,
		Limiter:    gk.limiter,
		Policies:   policiesFrom(cfg.Policies),
		Identity:   gk.identity,
		Resolver:   resolver,
		CSRFHeader: cfg.CSRF.Header,
		Redirects: gate.Redirects{
			Login:       cfg.Redirects.Login,
			Onboarding:  cfg.Redirects.Onboarding,
			Dashboard:   cfg.Redirects.Dashboard,
			ReturnParam: cfg.Redirects.ReturnParam,
		},
		Logger:  log,
		Metrics: gate.NewMetrics(reg),
	}
	if cfg.CSRF.Enabled {
		tokens, err := newCSRF(cfg.CSRF)
		if err != nil {
			return nil, err
		}
		opts.CSRF = tokens
	}
	if gk.gate, err = gate.New(opts); err != nil {
		return nil, err
	}
	responder := gate.NewResponder(cfg.SecurityHeaders)

	// ---- Upstream
	up, err := url.Parse(cfg.Upstream.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream.url: %w", err)
	}
	upstream := proxy.New(up, proxy.NewTransport(proxy.TransportFromConfig(cfg.Upstream)), log)

	// ---- Router
	metrics := mw.NewMetrics(reg)
	r := mux.NewRouter()
	r.Use(responder.Secure)
	if cfg.Tracing.Enabled {
		r.Use(otelmux.Middleware(cfg.Tracing.ServiceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/healthz" && r.URL.Path != "/readyz" && r.URL.Path != "/metrics"
			}),
		))
	}

	wrapOps := func(routeName string, h http.Handler) http.Handler {
		h = mw.WithRoute(h, routeName)
		h = mw.AccessLog(log, h)
		h = mw.Instrument(metrics, h)
		h = mw.RequestID(h)
		return h
	}
	wrapAdmin := func(routeName string, h http.Handler) http.Handler {
		return wrapOps(routeName, mw.RequireAdminKey(adminKey, h))
	}

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/readyz", wrapOps("ops_ready", http.HandlerFunc(gk.ready))).Methods(http.MethodGet)

	startedAt := time.Now()
	admin := r.PathPrefix("/-").Subrouter()
	admin.Handle("/status", wrapAdmin("admin_status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		info, _ := debug.ReadBuildInfo()
		goVer := ""
		if info != nil {
			goVer = info.GoVersion
		}
		out := map[string]any{
			"time_utc":         time.Now().UTC().Format(time.RFC3339),
			"uptime_seconds":   int(time.Since(startedAt).Seconds()),
			"listen_addr":      cfg.Server.Addr,
			"go_version":       goVer,
			"store_backend":    cfg.Store.Backend,
			"store_breaker":    gk.limiter.Breaker().Stats(),
			"identity_mode":    cfg.Identity.Mode,
			"identity_breaker": gk.identity.Breaker().Stats(),
			"csrf_enabled":     cfg.CSRF.Enabled,
			"trusted_proxies":  resolver.Trusted.Len(),
		}
		if gk.jwks != nil {
			out["jwks"] = gk.jwks.Stats()
		}
		writeJSON(w, http.StatusOK, out)
	}))).Methods(http.MethodGet)

	admin.Handle("/policies", wrapAdmin("admin_policies", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		p := gk.gate.Policies()
		type outPolicy struct {
			Name          string `json:"name"`
			Limit         int    `json:"limit"`
			WindowSeconds int    `json:"window_seconds"`
			BlockSeconds  int    `json:"block_seconds"`
		}
		out := []outPolicy{}
		for _, pol := range []ratelimit.Policy{p.AnonymousLogin, p.IdentityLogin, p.GeneralAPI} {
			out = append(out, outPolicy{
				Name:          pol.Name,
				Limit:         pol.Limit,
				WindowSeconds: int(pol.Window / time.Second),
				BlockSeconds:  int(pol.Block / time.Second),
			})
		}
		writeJSON(w, http.StatusOK, out)
	}))).Methods(http.MethodGet)

	admin.Handle("/routes", wrapAdmin("admin_routes", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"classes": gk.gate.Table().Entries(),
			"api":     cfg.Routes.API,
			"login":   cfg.Routes.Login,
		})
	}))).Methods(http.MethodGet)

	// ---- Everything else goes through the gate (outermost -> innermost)
	var h http.Handler = upstream
	h = mw.Gate(gk.gate, responder, h)
	h = mw.MaxBodyBytes(cfg.Server.MaxBodyBytes, h)
	h = mw.Recover(log, h)
	h = mw.AccessLog(log, h)
	h = mw.Instrument(metrics, h)
	h = mw.RequestID(h)
	r.PathPrefix("/").Handler(h)

	gk.handler = r
	return gk, nil
}

// ready reports store reachability. A store outage is reported as degraded,
// never as a failed probe; the gate keeps serving while it fails open.
func (g *gatekeeper) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	out := map[string]any{"status": "ok", "store": "ok"}
	if err := g.limiter.Ping(ctx); err != nil {
		out["status"] = "degraded"
		out["store"] = err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
