package jwt

import (
	"errors"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

const issuer = "platformhub"

// Claims defines JWT payload.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwtlib.RegisteredClaims
}

// GenerateToken issues a signed JWT for username with provided secret and ttl.
func GenerateToken(username, role, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    issuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// Parse validates and extracts claims from token.
func Parse(token string, secret string) (*Claims, error) {
	parsed, err := jwtlib.ParseWithClaims(token, &Claims{}, func(t *jwtlib.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}), jwtlib.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwtlib.ErrTokenInvalidClaims
	}
	return claims, nil
}

// Peek decodes claims without verifying the signature. Callers that only
// hold the token, like the CLI, use it to show the subject and expiry.
func Peek(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Expired reports whether claims carry an expiry at or before now.
func (c *Claims) Expired(now time.Time) bool {
	if c == nil || c.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.ExpiresAt.Time)
}
