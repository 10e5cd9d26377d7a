package middleware

import (
	"context"

	"github.com/devcollab/internal/service"
)

type contextKey string

const (
	UserIDKey contextKey = "user_id"
	claimsKey contextKey = "claims"
)

// GetUserID returns the user id set by BearerAuth, or "".
func GetUserID(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// GetClaims returns the verified token claims, or nil outside BearerAuth.
func GetClaims(ctx context.Context) *service.Claims {
	c, _ := ctx.Value(claimsKey).(*service.Claims)
	return c
}

// WithClaims stores the claims and the user id they carry.
func WithClaims(ctx context.Context, c *service.Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey, c)
	return context.WithValue(ctx, UserIDKey, c.Subject)
}
