package main

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
)

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// directory is the mock's notion of users: who is an admin, who has not
// finished onboarding, and which refresh tokens are live.
type directory struct {
	issuer   string
	audience string
	tokenTTL time.Duration

	key *rsa.PrivateKey
	kid string

	admins  map[string]bool
	pending map[string]bool

	mu      sync.Mutex
	refresh map[string]string // refresh token -> subject
}

func newDirectory(issuer, audience string, tokenTTL time.Duration, admins, pending []string) (*directory, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	d := &directory{
		issuer:   issuer,
		audience: audience,
		tokenTTL: tokenTTL,
		key:      key,
		kid:      randomHex(8),
		admins:   set(admins),
		pending:  set(pending),
		refresh:  map[string]string{},
	}
	return d, nil
}

func set(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		if it != "" {
			m[it] = true
		}
	}
	return m
}

func (d *directory) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/.well-known/jwks.json", d.jwks).Methods(http.MethodGet)
	r.HandleFunc("/token", d.token).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/session/refresh", d.refreshSession).Methods(http.MethodPost)
	r.HandleFunc("/users/{id}/role", d.role).Methods(http.MethodGet)
	r.HandleFunc("/users/{id}/onboarding", d.onboarding).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

func (d *directory) jwks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, jwksDoc{Keys: []jwkKey{{
		Kty: "RSA",
		Kid: d.kid,
		Use: "sig",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(d.key.PublicKey.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(d.key.PublicKey.E)).Bytes()),
	}}})
}

// token mints a session for ?sub= (default user_123). ?ttl= overrides the
// lifetime in seconds, negative values produce an already-expired token.
func (d *directory) token(w http.ResponseWriter, r *http.Request) {
	sub := r.URL.Query().Get("sub")
	if sub == "" {
		sub = "user_123"
	}
	ttl := d.tokenTTL
	if v := r.URL.Query().Get("ttl"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad ttl"})
			return
		}
		ttl = time.Duration(n) * time.Second
	}

	access, err := d.sign(sub, ttl)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": d.issueRefresh(sub),
	})
}

func (d *directory) refreshSession(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie("refresh_token")
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "no refresh token"})
		return
	}

	d.mu.Lock()
	sub, ok := d.refresh[c.Value]
	delete(d.refresh, c.Value) // single use
	d.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown refresh token"})
		return
	}

	access, err := d.sign(sub, d.tokenTTL)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  access,
		"refresh_token": d.issueRefresh(sub),
	})
}

func (d *directory) role(w http.ResponseWriter, r *http.Request) {
	role := "user"
	if d.admins[mux.Vars(r)["id"]] {
		role = "admin"
	}
	writeJSON(w, http.StatusOK, map[string]string{"role": role})
}

func (d *directory) onboarding(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"completed": !d.pending[mux.Vars(r)["id"]]})
}

func (d *directory) sign(sub string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": sub,
		"iss": d.issuer,
		"aud": d.audience,
		"iat": now.Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	tok.Header["kid"] = d.kid
	return tok.SignedString(d.key)
}

func (d *directory) issueRefresh(sub string) string {
	rt := randomHex(24)
	d.mu.Lock()
	d.refresh[rt] = sub
	d.mu.Unlock()
	return rt
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
