// Copyright 2025 Markandayan
// SPDX-License-Identifier: Apache-2.0

package ledgersync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFunc returns a bearer token for authenticating remote calls.
type TokenFunc func(ctx context.Context) (string, error)

// TokenSource caches a JWT and refreshes it when it is close to expiry or
// after an explicit Invalidate (the auth-failure retry path). The refresh
// callback is the app's sign-in/refresh flow; TokenSource never parses claims
// beyond the registered expiry and never verifies signatures, that is the
// server's job.
type TokenSource struct {
	mu      sync.Mutex
	token   string
	expires time.Time
	refresh TokenFunc
	skew    time.Duration
}

// NewTokenSource creates a token source around the given refresh callback.
func NewTokenSource(refresh TokenFunc) *TokenSource {
	return &TokenSource{
		refresh: refresh,
		skew:    30 * time.Second,
	}
}

// Token returns a valid cached token, refreshing it first when needed.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && (t.expires.IsZero() || time.Now().Add(t.skew).Before(t.expires)) {
		return t.token, nil
	}

	token, err := t.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	t.token = token
	t.expires = tokenExpiry(token)
	return t.token, nil
}

// Invalidate drops the cached token so the next Token call refreshes. Called
// by the gateway and the orchestrator when the server answers with an auth
// failure despite a token the client believed valid.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expires = time.Time{}
}

// tokenExpiry reads the exp claim without verifying the signature. A token
// that does not parse gets a zero expiry and is used until the server rejects
// it.
func tokenExpiry(token string) time.Time {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}
