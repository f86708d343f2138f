package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	priv  *rsa.PrivateKey
	kid   string
	srv   *httptest.Server
	hits  atomic.Int32
	fails atomic.Bool
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	f := &jwksFixture{priv: priv, kid: "kid1"}
	doc := map[string]any{
		"keys": []any{
			map[string]any{
				"kty": "RSA",
				"kid": f.kid,
				"use": "sig",
				"alg": "RS256",
				"n":   base64.RawURLEncoding.EncodeToString(priv.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
			},
		},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		if f.fails.Load() {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = f.kid
	s, err := tok.SignedString(f.priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestJWKSVerifier_ValidToken(t *testing.T) {
	f := newJWKSFixture(t)
	v, err := NewJWKSVerifier(f.srv.URL, JWKSOptions{
		HTTPTimeout: 2 * time.Second,
		CacheTTL:    5 * time.Minute,
		Leeway:      30 * time.Second,
		Issuers:     []string{"issuer-1"},
		Audiences:   []string{"gatekeeper"},
	})
	if err != nil {
		t.Fatal(err)
	}

	exp := time.Now().Add(time.Hour).Unix()
	tok := f.sign(t, jwt.MapClaims{
		"sub": "user_123",
		"iss": "issuer-1",
		"aud": []string{"other", "gatekeeper"},
		"nbf": time.Now().Add(-5 * time.Second).Unix(),
		"exp": exp,
	})

	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("expected ok, got err: %v", err)
	}
	if claims.Subject != "user_123" {
		t.Fatalf("expected sub user_123, got %q", claims.Subject)
	}
	if claims.ExpiresAt.Unix() != exp {
		t.Fatalf("expected exp %d, got %d", exp, claims.ExpiresAt.Unix())
	}
	if st := v.Stats(); st.KeyCount != 1 {
		t.Fatalf("expected 1 cached key, got %d", st.KeyCount)
	}
}

func TestJWKSVerifier_ReportsExpiry(t *testing.T) {
	f := newJWKSFixture(t)
	v, _ := NewJWKSVerifier(f.srv.URL, JWKSOptions{})

	tok := f.sign(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	claims, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("expired token should verify, got %v", err)
	}
	if !claims.ExpiresAt.Before(time.Now()) {
		t.Fatalf("expected past expiry, got %v", claims.ExpiresAt)
	}
}

func TestJWKSVerifier_RejectsClaims(t *testing.T) {
	f := newJWKSFixture(t)
	v, _ := NewJWKSVerifier(f.srv.URL, JWKSOptions{
		Issuers:   []string{"issuer-1"},
		Audiences: []string{"gatekeeper"},
	})
	exp := time.Now().Add(time.Hour).Unix()

	cases := map[string]jwt.MapClaims{
		"issuer":   {"sub": "u", "iss": "other", "aud": "gatekeeper", "exp": exp},
		"audience": {"sub": "u", "iss": "issuer-1", "aud": "nope", "exp": exp},
		"nbf":      {"sub": "u", "iss": "issuer-1", "aud": "gatekeeper", "exp": exp, "nbf": time.Now().Add(time.Hour).Unix()},
		"no sub":   {"iss": "issuer-1", "aud": "gatekeeper", "exp": exp},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := v.Verify(context.Background(), f.sign(t, claims)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestJWKSVerifier_CachesKeys(t *testing.T) {
	f := newJWKSFixture(t)
	v, _ := NewJWKSVerifier(f.srv.URL, JWKSOptions{})
	tok := f.sign(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})

	for i := 0; i < 5; i++ {
		if _, err := v.Verify(context.Background(), tok); err != nil {
			t.Fatal(err)
		}
	}
	if got := f.hits.Load(); got != 1 {
		t.Fatalf("expected one jwks fetch, got %d", got)
	}
}

func TestJWKSVerifier_UnreachableIsUnavailable(t *testing.T) {
	f := newJWKSFixture(t)
	f.fails.Store(true)
	v, _ := NewJWKSVerifier(f.srv.URL, JWKSOptions{})

	tok := f.sign(t, jwt.MapClaims{"sub": "u", "exp": time.Now().Add(time.Hour).Unix()})
	_, err := v.Verify(context.Background(), tok)
	if !errors.Is(err, ErrIdentityUnavailable) {
		t.Fatalf("expected ErrIdentityUnavailable, got %v", err)
	}
}

func TestHMACVerifier(t *testing.T) {
	secret := []byte("dev-secret")
	v := HMACVerifier{Secret: secret}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	s, _ := tok.SignedString(secret)
	claims, err := v.Verify(context.Background(), s)
	if err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if claims.Subject != "u1" {
		t.Fatalf("got sub %q", claims.Subject)
	}

	bad, _ := tok.SignedString([]byte("other"))
	if _, err := v.Verify(context.Background(), bad); err == nil {
		t.Fatalf("expected signature error")
	}
	if _, err := v.Verify(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
