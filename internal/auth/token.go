package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token fields the client relies on.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

type accessClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseClaims reads the claims of an access token without verifying its
// signature; the auth service verifies it on every request.
func ParseClaims(token string) (*Claims, error) {
	var c accessClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("parse access token: missing subject")
	}
	out := &Claims{Subject: c.Subject, Email: c.Email}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}

// Expired reports whether the claims are past expiry at now. Tokens without
// an expiry never expire client side.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}
