package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Upstream        UpstreamConfig        `yaml:"upstream"`
	Store           StoreConfig           `yaml:"store"`
	Policies        PoliciesConfig        `yaml:"policies"`
	Routes          RoutesConfig          `yaml:"routes"`
	Redirects       RedirectsConfig       `yaml:"redirects"`
	Identity        IdentityConfig        `yaml:"identity"`
	CSRF            CSRFConfig            `yaml:"csrf"`
	SecurityHeaders SecurityHeadersConfig `yaml:"security_headers"`
	Logging         LoggingConfig         `yaml:"logging"`
	Tracing         TracingConfig         `yaml:"tracing"`
}

type ServerConfig struct {
	Addr                     string   `yaml:"addr"`
	TrustedProxies           []string `yaml:"trusted_proxies"`
	MaxHeaderBytes           int      `yaml:"max_header_bytes"`
	MaxBodyBytes             int64    `yaml:"max_body_bytes"`
	ReadTimeoutSeconds       int      `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds      int      `yaml:"write_timeout_seconds"`
	IdleTimeoutSeconds       int      `yaml:"idle_timeout_seconds"`
	ReadHeaderTimeoutSeconds int      `yaml:"read_header_timeout_seconds"`
	ShutdownTimeoutSeconds   int      `yaml:"shutdown_timeout_seconds"`
}

type UpstreamConfig struct {
	URL                          string `yaml:"url"`
	DialTimeoutSeconds           int    `yaml:"dial_timeout_seconds"`
	TLSHandshakeTimeoutSeconds   int    `yaml:"tls_handshake_timeout_seconds"`
	ResponseHeaderTimeoutSeconds int    `yaml:"response_header_timeout_seconds"`
	IdleConnTimeoutSeconds       int    `yaml:"idle_conn_timeout_seconds"`
	MaxIdleConns                 int    `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost          int    `yaml:"max_idle_conns_per_host"`
}

type StoreConfig struct {
	Backend   string        `yaml:"backend"` // "redis" | "memory"
	TimeoutMS int           `yaml:"timeout_ms"`
	KeyPrefix string        `yaml:"key_prefix"`
	Redis     RedisConfig   `yaml:"redis"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type BreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	OpenSeconds      int  `yaml:"open_seconds"`
}

type PolicyConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"window_seconds"`
	BlockSeconds  int `yaml:"block_seconds"`
}

type PoliciesConfig struct {
	AnonymousLogin PolicyConfig `yaml:"anonymous_login"`
	IdentityLogin  PolicyConfig `yaml:"identity_login"`
	GeneralAPI     PolicyConfig `yaml:"general_api"`
}

// RoutesConfig holds path prefixes per route class. API and Login are flags
// layered on top of the class, not classes of their own.
type RoutesConfig struct {
	Bypass    []string `yaml:"bypass"`
	Public    []string `yaml:"public"`
	AuthOnly  []string `yaml:"auth_only"`
	Protected []string `yaml:"protected"`
	Admin     []string `yaml:"admin"`
	API       []string `yaml:"api"`
	Login     []string `yaml:"login"`
}

type RedirectsConfig struct {
	Login       string `yaml:"login"`
	Onboarding  string `yaml:"onboarding"`
	Dashboard   string `yaml:"dashboard"`
	ReturnParam string `yaml:"return_param"`
}

type IdentityConfig struct {
	BaseURL       string         `yaml:"base_url"`
	TimeoutMS     int            `yaml:"timeout_ms"`
	SessionCookie string         `yaml:"session_cookie"`
	RefreshCookie string         `yaml:"refresh_cookie"`
	Mode          string         `yaml:"mode"` // "hmac" | "jwks"
	HMACSecret    string         `yaml:"hmac_secret"`
	JWKS          JWKSAuthConfig `yaml:"jwks"`
	Breaker       BreakerConfig  `yaml:"breaker"`
}

type JWKSAuthConfig struct {
	URL                string   `yaml:"url"`
	CacheTTLSeconds    int      `yaml:"cache_ttl_seconds"`
	HTTPTimeoutSeconds int      `yaml:"http_timeout_seconds"`
	Issuers            []string `yaml:"issuers"`
	Audiences          []string `yaml:"audiences"`
}

type CSRFConfig struct {
	Enabled bool   `yaml:"enabled"`
	Header  string `yaml:"header"`
	Secret  string `yaml:"secret"`
	// TTLSeconds is how long an issued token stays valid.
	TTLSeconds int `yaml:"ttl_seconds"`
}

// SecurityHeadersConfig overrides individual security header values. Empty
// fields keep the built-in defaults.
type SecurityHeadersConfig struct {
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	HSTS                  string `yaml:"hsts"`
	ReferrerPolicy        string `yaml:"referrer_policy"`
	PermissionsPolicy     string `yaml:"permissions_policy"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
	Output string `yaml:"output"` // "stdout" | "stderr"
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"service_name"`
	Exporter     string  `yaml:"exporter"` // "stdout" | "otlp"
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes yaml bytes, applies env overrides and defaults, then validates.
func Parse(b []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATE_HMAC_SECRET"); v != "" {
		cfg.Identity.HMACSecret = v
	}
	if v := os.Getenv("GATE_CSRF_SECRET"); v != "" {
		cfg.CSRF.Secret = v
	}
	if v := os.Getenv("GATE_REDIS_PASSWORD"); v != "" {
		cfg.Store.Redis.Password = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 1 << 20 // 1 MiB
	}
	if cfg.Server.ReadHeaderTimeoutSeconds == 0 {
		cfg.Server.ReadHeaderTimeoutSeconds = 5
	}
	if cfg.Server.ReadTimeoutSeconds == 0 {
		cfg.Server.ReadTimeoutSeconds = 15
	}
	if cfg.Server.WriteTimeoutSeconds == 0 {
		cfg.Server.WriteTimeoutSeconds = 60
	}
	if cfg.Server.IdleTimeoutSeconds == 0 {
		cfg.Server.IdleTimeoutSeconds = 60
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 5
	}

	if cfg.Upstream.DialTimeoutSeconds == 0 {
		cfg.Upstream.DialTimeoutSeconds = 5
	}
	if cfg.Upstream.TLSHandshakeTimeoutSeconds == 0 {
		cfg.Upstream.TLSHandshakeTimeoutSeconds = 5
	}
	if cfg.Upstream.ResponseHeaderTimeoutSeconds == 0 {
		cfg.Upstream.ResponseHeaderTimeoutSeconds = 15
	}
	if cfg.Upstream.IdleConnTimeoutSeconds == 0 {
		cfg.Upstream.IdleConnTimeoutSeconds = 90
	}
	if cfg.Upstream.MaxIdleConns == 0 {
		cfg.Upstream.MaxIdleConns = 100
	}
	if cfg.Upstream.MaxIdleConnsPerHost == 0 {
		cfg.Upstream.MaxIdleConnsPerHost = 20
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "redis"
	}
	if cfg.Store.TimeoutMS == 0 {
		cfg.Store.TimeoutMS = 250
	}
	if cfg.Store.KeyPrefix == "" {
		cfg.Store.KeyPrefix = "rl:"
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "127.0.0.1:6379"
	}
	defaultBreaker(&cfg.Store.Breaker)
	defaultBreaker(&cfg.Identity.Breaker)

	defaultPolicy(&cfg.Policies.AnonymousLogin, 20, 300, 300)
	defaultPolicy(&cfg.Policies.IdentityLogin, 5, 300, 1800)
	defaultPolicy(&cfg.Policies.GeneralAPI, 100, 60, 60)

	if cfg.Routes.Bypass == nil {
		cfg.Routes.Bypass = []string{"/_next/static", "/_next/image", "/static", "/favicon.ico", "/robots.txt"}
	}
	if cfg.Routes.API == nil {
		cfg.Routes.API = []string{"/api"}
	}

	if cfg.Redirects.Login == "" {
		cfg.Redirects.Login = "/login"
	}
	if cfg.Redirects.Onboarding == "" {
		cfg.Redirects.Onboarding = "/onboarding"
	}
	if cfg.Redirects.Dashboard == "" {
		cfg.Redirects.Dashboard = "/dashboard"
	}
	if cfg.Redirects.ReturnParam == "" {
		cfg.Redirects.ReturnParam = "redirectTo"
	}

	if cfg.Identity.TimeoutMS == 0 {
		cfg.Identity.TimeoutMS = 1500
	}
	if cfg.Identity.SessionCookie == "" {
		cfg.Identity.SessionCookie = "session"
	}
	if cfg.Identity.RefreshCookie == "" {
		cfg.Identity.RefreshCookie = "refresh_token"
	}
	if cfg.Identity.Mode == "" {
		cfg.Identity.Mode = "hmac"
	}
	if cfg.Identity.JWKS.CacheTTLSeconds == 0 {
		cfg.Identity.JWKS.CacheTTLSeconds = 300
	}
	if cfg.Identity.JWKS.HTTPTimeoutSeconds == 0 {
		cfg.Identity.JWKS.HTTPTimeoutSeconds = 3
	}

	if cfg.CSRF.Header == "" {
		cfg.CSRF.Header = "X-CSRF-Token"
	}
	if cfg.CSRF.TTLSeconds == 0 {
		cfg.CSRF.TTLSeconds = 3600
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "gatekeeper"
	}
	if cfg.Tracing.Exporter == "" {
		cfg.Tracing.Exporter = "stdout"
	}
}

func defaultBreaker(b *BreakerConfig) {
	if b.FailureThreshold == 0 {
		b.FailureThreshold = 5
	}
	if b.OpenSeconds == 0 {
		b.OpenSeconds = 10
	}
}

func defaultPolicy(p *PolicyConfig, limit, window, block int) {
	if p.Limit == 0 {
		p.Limit = limit
	}
	if p.WindowSeconds == 0 {
		p.WindowSeconds = window
	}
	if p.BlockSeconds == 0 {
		p.BlockSeconds = block
	}
}

func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}

	if cfg.Upstream.URL == "" {
		return errors.New("upstream.url is required")
	}
	u, err := url.Parse(cfg.Upstream.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.url is not an absolute url: %q", cfg.Upstream.URL)
	}

	switch strings.ToLower(cfg.Store.Backend) {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", cfg.Store.Backend)
	}
	if cfg.Store.TimeoutMS < 0 {
		return errors.New("store.timeout_ms cannot be negative")
	}

	policies := map[string]PolicyConfig{
		"anonymous_login": cfg.Policies.AnonymousLogin,
		"identity_login":  cfg.Policies.IdentityLogin,
		"general_api":     cfg.Policies.GeneralAPI,
	}
	for name, p := range policies {
		if p.Limit <= 0 || p.WindowSeconds <= 0 || p.BlockSeconds <= 0 {
			return fmt.Errorf("policies.%s limit/window_seconds/block_seconds must be > 0", name)
		}
	}

	lists := map[string][]string{
		"bypass":    cfg.Routes.Bypass,
		"public":    cfg.Routes.Public,
		"auth_only": cfg.Routes.AuthOnly,
		"protected": cfg.Routes.Protected,
		"admin":     cfg.Routes.Admin,
		"api":       cfg.Routes.API,
		"login":     cfg.Routes.Login,
	}
	for name, prefixes := range lists {
		for i, p := range prefixes {
			if !strings.HasPrefix(strings.TrimSpace(p), "/") {
				return fmt.Errorf("routes.%s[%d] must start with '/'", name, i)
			}
		}
	}

	for name, target := range map[string]string{
		"login":      cfg.Redirects.Login,
		"onboarding": cfg.Redirects.Onboarding,
		"dashboard":  cfg.Redirects.Dashboard,
	} {
		if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") {
			return fmt.Errorf("redirects.%s must be a local path", name)
		}
	}

	switch strings.ToLower(cfg.Identity.Mode) {
	case "hmac":
		if cfg.Identity.HMACSecret == "" {
			return errors.New("identity.hmac_secret is required in hmac mode")
		}
	case "jwks":
		if cfg.Identity.JWKS.URL == "" {
			return errors.New("identity.jwks.url is required in jwks mode")
		}
	default:
		return fmt.Errorf("identity.mode must be hmac or jwks, got %q", cfg.Identity.Mode)
	}
	if cfg.Identity.BaseURL != "" {
		if _, err := url.Parse(cfg.Identity.BaseURL); err != nil {
			return fmt.Errorf("identity.base_url: %w", err)
		}
	}

	if cfg.CSRF.TTLSeconds < 0 {
		return errors.New("csrf.ttl_seconds must be >= 0")
	}
	if cfg.CSRF.Enabled && cfg.CSRF.Secret == "" {
		return errors.New("csrf.secret is required when csrf is enabled")
	}

	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", cfg.Logging.Format)
	}

	if cfg.Tracing.Enabled {
		switch cfg.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if cfg.Tracing.OTLPEndpoint == "" {
				return errors.New("tracing.otlp_endpoint is required for the otlp exporter")
			}
		default:
			return fmt.Errorf("unsupported tracing.exporter: %q", cfg.Tracing.Exporter)
		}
	}

	return nil
}
