package identity

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type JWKSOptions struct {
	HTTPTimeout time.Duration
	CacheTTL    time.Duration
	Leeway      time.Duration

	// If provided, token must match one of these issuers.
	Issuers []string
	// If provided, token must match one of these audiences.
	Audiences []string
}

// JWKSVerifier verifies RS256 session tokens against a remote JWKS. Keys are
// cached by kid and refetched when the cache is stale or a kid is unknown.
type JWKSVerifier struct {
	url string

	client   *http.Client
	cacheTTL time.Duration
	leeway   time.Duration

	issuerSet map[string]struct{}
	audSet    map[string]struct{}

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time

	refreshMu sync.Mutex
}

type jwksDoc struct {
	Keys []jwkKey `json:"keys"`
}

type jwkKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func NewJWKSVerifier(url string, opts JWKSOptions) (*JWKSVerifier, error) {
	if url == "" {
		return nil, errors.New("jwks url required")
	}
	timeout := opts.HTTPTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	return &JWKSVerifier{
		url:       url,
		client:    &http.Client{Timeout: timeout},
		cacheTTL:  ttl,
		leeway:    max(opts.Leeway, 0),
		issuerSet: toSet(opts.Issuers),
		audSet:    toSet(opts.Audiences),
		keys:      make(map[string]*rsa.PublicKey),
	}, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it != "" {
			set[it] = struct{}{}
		}
	}
	return set
}

func (j *JWKSVerifier) Verify(ctx context.Context, tokStr string) (Claims, error) {
	if tokStr == "" {
		return Claims{}, errInvalidToken
	}

	var fetchErr error
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid")
		}
		key, err := j.getKey(ctx, kid)
		if errors.Is(err, ErrIdentityUnavailable) {
			fetchErr = err
		}
		return key, err
	})
	if fetchErr != nil {
		return Claims{}, fetchErr
	}
	if err != nil || tok == nil || !tok.Valid {
		return Claims{}, errInvalidToken
	}
	if err := j.validateClaims(claims); err != nil {
		return Claims{}, err
	}
	return claimsFrom(claims)
}

// validateClaims checks iss, aud and nbf. exp is left to the caller.
func (j *JWKSVerifier) validateClaims(claims jwt.MapClaims) error {
	if len(j.issuerSet) > 0 {
		iss, _ := claims["iss"].(string)
		if _, ok := j.issuerSet[iss]; !ok {
			return errors.New("invalid issuer")
		}
	}

	if len(j.audSet) > 0 {
		ok := false
		for _, a := range extractAudiences(claims["aud"]) {
			if _, hit := j.audSet[a]; hit {
				ok = true
				break
			}
		}
		if !ok {
			return errors.New("invalid audience")
		}
	}

	if nbf, ok := extractInt64(claims["nbf"]); ok {
		if time.Now().Add(j.leeway).Unix() < nbf {
			return errors.New("token not active")
		}
	}
	return nil
}

func extractAudiences(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func extractInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		i, err := t.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

func (j *JWKSVerifier) getKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	j.mu.RLock()
	key := j.keys[kid]
	fresh := time.Since(j.fetchedAt) < j.cacheTTL
	j.mu.RUnlock()
	if key != nil && fresh {
		return key, nil
	}

	if err := j.refresh(ctx, kid); err != nil {
		// a stale key beats no key while the JWKS endpoint is down
		j.mu.RLock()
		key = j.keys[kid]
		j.mu.RUnlock()
		if key != nil {
			return key, nil
		}
		return nil, err
	}

	j.mu.RLock()
	key = j.keys[kid]
	j.mu.RUnlock()
	if key == nil {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

func (j *JWKSVerifier) refresh(ctx context.Context, kid string) error {
	j.refreshMu.Lock()
	defer j.refreshMu.Unlock()

	// another goroutine may have refreshed while we waited
	j.mu.RLock()
	_, known := j.keys[kid]
	stillFresh := time.Since(j.fetchedAt) < j.cacheTTL
	j.mu.RUnlock()
	if known && stillFresh {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.url, nil)
	if err != nil {
		return err
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: jwks: %v", ErrIdentityUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: jwks http %d", ErrIdentityUnavailable, resp.StatusCode)
	}

	var doc jwksDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("%w: jwks decode: %v", ErrIdentityUnavailable, err)
	}

	next := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kid == "" || k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSAPublicKey(k)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return fmt.Errorf("%w: jwks has no usable rsa keys", ErrIdentityUnavailable)
	}

	j.mu.Lock()
	j.keys = next
	j.fetchedAt = time.Now()
	j.mu.Unlock()
	return nil
}

func jwkToRSAPublicKey(k jwkKey) (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, errors.New("missing n/e")
	}
	nBytes, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}

	n := new(big.Int).SetBytes(nBytes)
	e := new(big.Int).SetBytes(eBytes)
	if n.Sign() <= 0 || e.Sign() <= 0 || !e.IsInt64() {
		return nil, errors.New("bad rsa params")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

type JWKSStats struct {
	URL       string    `json:"url"`
	KeyCount  int       `json:"key_count"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (j *JWKSVerifier) Stats() JWKSStats {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JWKSStats{URL: j.url, KeyCount: len(j.keys), FetchedAt: j.fetchedAt}
}
