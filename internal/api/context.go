package api

import (
	"context"
	"errors"

	"github.com/shiftwire/shiftwire/internal/session"
)

// claimsContextKey is the context key for validated token claims.
type claimsContextKey struct{}

// ErrNoClaimsInContext indicates no claims were found in the context.
var ErrNoClaimsInContext = errors.New("no claims in context")

// WithClaims returns a new context with validated claims attached.
func WithClaims(ctx context.Context, c *session.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext extracts validated claims from the context.
// Returns ErrNoClaimsInContext if not present or nil.
func ClaimsFromContext(ctx context.Context) (*session.Claims, error) {
	c, ok := ctx.Value(claimsContextKey{}).(*session.Claims)
	if !ok || c == nil {
		return nil, ErrNoClaimsInContext
	}
	return c, nil
}

// MustClaimsFromContext extracts claims or panics.
// Use only when middleware guarantees claim presence.
func MustClaimsFromContext(ctx context.Context) *session.Claims {
	c, err := ClaimsFromContext(ctx)
	if err != nil {
		panic("claims not in context: middleware misconfiguration")
	}
	return c
}
