package grpcserver

import (
	"context"

	"github.com/and161185/medledger/internal/auth"
)

type ctxKey string

const claimsKey ctxKey = "ml.claims"

// WithClaims stores the authenticated caller in context.
func WithClaims(ctx context.Context, c *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromCtx fetches the authenticated caller.
func ClaimsFromCtx(ctx context.Context) (*auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.Claims)
	return c, ok && c != nil
}
