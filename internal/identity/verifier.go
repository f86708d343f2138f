package identity

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid token")

// Claims is what the gate needs out of a session token.
type Claims struct {
	Subject   string
	ExpiresAt time.Time
}

// TokenVerifier checks a session token's signature. Expiry is reported in
// Claims, not rejected, so the gate can attempt a refresh.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Claims, error)
}

// HMACVerifier verifies HS256 session tokens with a shared secret.
type HMACVerifier struct {
	Secret []byte
}

func (v HMACVerifier) Verify(_ context.Context, tokStr string) (Claims, error) {
	if tokStr == "" || len(v.Secret) == 0 {
		return Claims{}, errInvalidToken
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	tok, err := parser.ParseWithClaims(tokStr, claims, func(*jwt.Token) (any, error) {
		return v.Secret, nil
	})
	if err != nil || tok == nil || !tok.Valid {
		return Claims{}, errInvalidToken
	}
	return claimsFrom(claims)
}

func claimsFrom(claims jwt.MapClaims) (Claims, error) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, errors.New("missing sub")
	}
	exp, ok := extractInt64(claims["exp"])
	if !ok {
		return Claims{}, errors.New("missing exp")
	}
	return Claims{Subject: sub, ExpiresAt: time.Unix(exp, 0)}, nil
}
