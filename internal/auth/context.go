package auth

import (
	"context"
	"errors"
)

type contextKey struct{}

// principalKey is the context key for the authenticated principal.
var principalKey = contextKey{}

// ErrNoPrincipalInContext is returned when no principal is found in context.
var ErrNoPrincipalInContext = errors.New("no authenticated principal in context")

// WithPrincipal returns a context carrying the authenticated principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// FromContext extracts the authenticated principal from a request context.
func FromContext(ctx context.Context) (*Principal, error) {
	p, ok := ctx.Value(principalKey).(*Principal)
	if !ok || p == nil {
		return nil, ErrNoPrincipalInContext
	}
	return p, nil
}

// MustFromContext panics if no principal is in context (use after the auth
// middleware).
func MustFromContext(ctx context.Context) *Principal {
	p, err := FromContext(ctx)
	if err != nil {
		panic("expected authenticated principal in context")
	}
	return p
}
