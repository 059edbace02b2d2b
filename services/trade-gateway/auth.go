package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"escrotrade/trade"
)

// SessionVerifier checks the bearer session token minted at sign-in before
// any backend or chain call is attempted. The verified raw token is forwarded
// unchanged as the backend credential.
type SessionVerifier struct {
	secret []byte
	skew   time.Duration
	nowFn  func() time.Time
}

func NewSessionVerifier(secret string, skew time.Duration) *SessionVerifier {
	if skew <= 0 {
		skew = 2 * time.Minute
	}
	return &SessionVerifier{
		secret: []byte(strings.TrimSpace(secret)),
		skew:   skew,
		nowFn:  time.Now,
	}
}

// Verify extracts and validates the request's bearer token. Failures map to
// trade.ErrAuthRequired so handlers fail fast with no side effect.
func (v *SessionVerifier) Verify(r *http.Request) (trade.Credential, error) {
	raw := extractBearer(r.Header.Get("Authorization"))
	if raw == "" {
		return trade.Credential{}, trade.ErrAuthRequired
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(v.skew),
		jwt.WithTimeFunc(v.nowFn),
	)
	token, err := parser.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return trade.Credential{}, fmt.Errorf("%w: %v", trade.ErrAuthRequired, err)
	}
	return trade.Credential{Token: raw}, nil
}

func extractBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
