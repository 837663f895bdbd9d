// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithUser/UserFromContext for propagating the caller via context

package auth

import (
	"context"
)

// userContextKey is the key type for storing the authenticated user ID in
// context.Context.
type userContextKey struct{}

// WithUser returns a new context with the authenticated user ID attached.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userContextKey{}, userID)
}

// UserFromContext retrieves the authenticated user ID from the context,
// returning "" if the request was not authenticated.
func UserFromContext(ctx context.Context) string {
	val := ctx.Value(userContextKey{})
	if val == nil {
		return ""
	}
	userID, ok := val.(string)
	if !ok {
		return ""
	}
	return userID
}

// MustUserFromContext retrieves the authenticated user ID from the context,
// panicking if not present. Handlers mounted behind Middleware may rely on it.
func MustUserFromContext(ctx context.Context) string {
	userID := UserFromContext(ctx)
	if userID == "" {
		panic("auth: user not found in context")
	}
	return userID
}
