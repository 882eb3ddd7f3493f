// Package credentials supplies bearer tokens to API clients.
//
// Clients never read ambient storage themselves; they are handed a Source.
package credentials

import (
	"context"
	"errors"
	"strings"
)

// ErrNoToken indicates no bearer token is available.
var ErrNoToken = errors.New("credentials: token not found")

// Source yields the bearer token for the next request.
type Source interface {
	Token(ctx context.Context) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (string, error)

// Token calls f.
func (f SourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// Static is a fixed token.
type Static string

// Token returns the token or ErrNoToken when it is blank.
func (s Static) Token(context.Context) (string, error) {
	trimmed := strings.TrimSpace(string(s))
	if trimmed == "" {
		return "", ErrNoToken
	}
	return trimmed, nil
}
