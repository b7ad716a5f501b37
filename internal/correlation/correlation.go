// Package correlation carries request correlation identifiers through
// contexts and HTTP headers.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"pkt.systems/keyd/internal/uuidv7"
)

// HeaderName is the HTTP header used to propagate correlation identifiers.
const HeaderName = "X-Correlation-Id"

// MaxIDLength defines the maximum number of characters accepted for correlation identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set records id on ctx when it normalizes. Invalid ids leave ctx untouched.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the correlation ID stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation ID.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// FromRequest returns the caller supplied correlation id, or a freshly
// generated one when the header is absent or malformed.
func FromRequest(r *http.Request) string {
	if r != nil {
		if id, ok := Normalize(r.Header.Get(HeaderName)); ok {
			return id
		}
	}
	return Generate()
}

// Normalize validates and canonicalizes an external correlation identifier.
// Only printable ASCII up to MaxIDLength characters is accepted.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate produces a new random correlation identifier.
func Generate() string {
	return uuidv7.NewString()
}
