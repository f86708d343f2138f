package proxy

import (
	"net"
	"net/http"
	"time"

	"github.com/3xpluto/go-request-gate/internal/config"
)

type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func TransportFromConfig(c config.UpstreamConfig) TransportConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	return TransportConfig{
		DialTimeout:           sec(c.DialTimeoutSeconds),
		TLSHandshakeTimeout:   sec(c.TLSHandshakeTimeoutSeconds),
		ResponseHeaderTimeout: sec(c.ResponseHeaderTimeoutSeconds),
		IdleConnTimeout:       sec(c.IdleConnTimeoutSeconds),
		MaxIdleConns:          c.MaxIdleConns,
		MaxIdleConnsPerHost:   c.MaxIdleConnsPerHost,
	}
}

// NewTransport builds the upstream transport. Environment proxies are ignored:
// the upstream is a sibling service, not an internet host.
func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
