package httpapi

import (
	"context"
)

// contextKey is a private type to avoid collisions with external context keys.
type contextKey string

const originKey contextKey = "httpapi-origin"

// WithOrigin returns a new context carrying the network origin derived for the
// request. The issuance throttle keys on this value.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey, origin)
}

// originFromContext retrieves the request origin, if any.
func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(originKey).(string); ok {
		return v
	}
	return ""
}
