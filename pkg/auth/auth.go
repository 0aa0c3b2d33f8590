// Package auth adapts the external token collaborator. Token issuance and
// refresh live outside this module; the providers here only hand the current
// bearer token to the REST client and the socket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrNoToken = errors.New("no token available")
)

// TokenProvider supplies the bearer token used for REST calls and the socket
// handshake credential.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// Static is a fixed token, useful for tests and short-lived tools.
type Static string

func (s Static) Token(_ context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// RefreshFunc obtains a fresh token from the external auth collaborator.
type RefreshFunc func(ctx context.Context) (string, error)

// Refreshing caches a JWT and calls refresh before it expires. The token is
// only inspected, never verified; verification is the server's job.
type Refreshing struct {
	mu      sync.Mutex
	current string
	exp     time.Time
	refresh RefreshFunc
	leeway  time.Duration
	now     func() time.Time
}

func NewRefreshing(refresh RefreshFunc) *Refreshing {
	return &Refreshing{
		refresh: refresh,
		leeway:  30 * time.Second,
		now:     time.Now,
	}
}

func (r *Refreshing) Token(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" && (r.exp.IsZero() || r.now().Add(r.leeway).Before(r.exp)) {
		return r.current, nil
	}

	token, err := r.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token: %w", err)
	}
	exp, err := tokenExpiry(token)
	if err != nil {
		// An opaque token still works as a credential; it just cannot be
		// refreshed proactively.
		exp = time.Time{}
	}
	r.current = token
	r.exp = exp
	return token, nil
}

func tokenExpiry(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, nil
	}
	return claims.ExpiresAt.Time, nil
}
