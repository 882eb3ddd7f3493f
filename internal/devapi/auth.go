package devapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/olajaido/platform-hub/pkg/api/client"
	"github.com/olajaido/platform-hub/pkg/crypto"
	"github.com/olajaido/platform-hub/pkg/jwt"
)

var (
	// ErrInvalidCredentials is returned for an unknown user or wrong password.
	ErrInvalidCredentials = errors.New("Incorrect username or password")
	// ErrInvalidToken is returned when a bearer token fails verification.
	ErrInvalidToken = errors.New("Could not validate credentials")
)

// Roles allowed to request provisioning.
var provisioningRoles = map[string]bool{"admin": true, "developer": true}

type account struct {
	hash []byte
	role string
}

// Authenticator checks passwords and issues HS256 access tokens.
type Authenticator struct {
	accounts map[string]account
	secret   string
	ttl      time.Duration
}

// NewAuthenticator hashes the configured users. users maps a username to
// "password:role".
func NewAuthenticator(users map[string]string, secret string, ttl time.Duration, cost int) (*Authenticator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	a := &Authenticator{accounts: make(map[string]account, len(users)), secret: secret, ttl: ttl}
	for name, entry := range users {
		password, role, ok := strings.Cut(entry, ":")
		if !ok || role == "" {
			role = "developer"
		}
		hash, err := crypto.HashPassword(password, cost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", name, err)
		}
		a.accounts[name] = account{hash: hash, role: role}
	}
	return a, nil
}

// Login verifies credentials and returns a signed token.
func (a *Authenticator) Login(username, password string) (client.TokenResponse, error) {
	acct, ok := a.accounts[strings.TrimSpace(username)]
	if !ok {
		return client.TokenResponse{}, ErrInvalidCredentials
	}
	if err := crypto.ComparePassword(acct.hash, password); err != nil {
		return client.TokenResponse{}, ErrInvalidCredentials
	}
	token, err := jwt.GenerateToken(strings.TrimSpace(username), acct.role, a.secret, a.ttl)
	if err != nil {
		return client.TokenResponse{}, err
	}
	return client.TokenResponse{AccessToken: token, TokenType: "bearer"}, nil
}

// Authorize resolves a bearer token to its user.
func (a *Authenticator) Authorize(token string) (client.User, error) {
	claims, err := jwt.Parse(token, a.secret)
	if err != nil {
		return client.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	acct, ok := a.accounts[claims.Subject]
	if !ok {
		return client.User{}, ErrInvalidToken
	}
	return client.User{Username: claims.Subject, Role: acct.role}, nil
}

// CanProvision reports whether user may create deployments and stacks.
func CanProvision(user client.User) bool {
	return provisioningRoles[user.Role]
}
