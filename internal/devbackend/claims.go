package devbackend

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the access-token claims issued by the backend.
type Claims struct {
	ProfileID string `json:"profile_id"`
	EntityID  string `json:"entity_id"`
	Phone     string `json:"phone,omitempty"`
	jwt.RegisteredClaims
}

type ctxKey string

const claimsKey ctxKey = "gkid.claims"

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromCtx fetches verified claims from ctx.
func ClaimsFromCtx(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok && c != nil
}
