// Command token mints development credentials for a gatekeeper running in
// hmac mode: a session token and, with -csrf-secret, a CSRF token.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/3xpluto/go-request-gate/internal/csrf"
)

func main() {
	var (
		secret     = flag.String("secret", envOr("GATE_HMAC_SECRET", "dev-secret"), "HS256 session secret")
		sub        = flag.String("sub", "user_123", "subject claim")
		ttl        = flag.Duration("ttl", 24*time.Hour, "token lifetime (negative for an expired token)")
		csrfSecret = flag.String("csrf-secret", os.Getenv("GATE_CSRF_SECRET"), "also mint a CSRF token with this secret")
		csrfTTL    = flag.Duration("csrf-ttl", time.Hour, "CSRF token lifetime")
	)
	flag.Parse()

	s, err := sessionToken([]byte(*secret), *sub, *ttl, time.Now())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("session:", s)

	if *csrfSecret == "" {
		return
	}
	tokens, err := csrf.New([]byte(*csrfSecret), *csrfTTL)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	c, err := tokens.Issue()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println("csrf:", c)
}

func sessionToken(secret []byte, sub string, ttl time.Duration, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub": sub,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
