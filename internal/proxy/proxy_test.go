package proxy

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/3xpluto/go-request-gate/internal/config"
)

func TestProxyForwardsHeadersAndHost(t *testing.T) {
	var gotHost, gotUser, gotXFF string
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotUser = r.Header.Get("X-Gate-User-Id")
		gotXFF = r.Header.Get("X-Forwarded-For")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer up.Close()

	u, _ := url.Parse(up.URL)
	p := New(u, NewTransport(TransportFromConfig(config.UpstreamConfig{DialTimeoutSeconds: 1})), nil)
	front := httptest.NewServer(p)
	defer front.Close()

	req, _ := http.NewRequest(http.MethodGet, front.URL+"/dashboard", nil)
	req.Header.Set("X-Gate-User-Id", "u1")
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if gotHost != u.Host {
		t.Fatalf("expected host %q, got %q", u.Host, gotHost)
	}
	if gotUser != "u1" {
		t.Fatalf("expected user header forwarded, got %q", gotUser)
	}
	if gotXFF != "203.0.113.9, 127.0.0.1" {
		t.Fatalf("unexpected X-Forwarded-For %q", gotXFF)
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	u, _ := url.Parse("http://127.0.0.1:1")
	p := New(u, NewTransport(TransportConfig{DialTimeout: time.Second}), nil)

	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
}
