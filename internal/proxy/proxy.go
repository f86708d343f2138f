// Package proxy forwards requests the gate let through to the upstream
// application.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
)

// New returns a reverse proxy to up. The Host header is rewritten to the
// upstream's and client X-Forwarded-* headers are kept and extended.
func New(up *url.URL, transport http.RoundTripper, log *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(up)
			pr.Out.Header["X-Forwarded-For"] = pr.In.Header["X-Forwarded-For"]
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			code, msg := classify(err)
			if errors.Is(err, context.Canceled) {
				// client went away; nobody is listening
				w.WriteHeader(code)
				return
			}
			if log != nil {
				log.Warn("upstream request failed",
					slog.String("path", r.URL.Path),
					slog.Int("status", code),
					slog.String("error", err.Error()),
				)
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":   msg,
				"message": http.StatusText(code),
			})
		},
	}
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "request_too_large"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, context.Canceled):
		return 499, "client_closed_request"
	default:
		return http.StatusBadGateway, "upstream_unavailable"
	}
}
