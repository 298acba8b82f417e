// Package traceid generates and propagates per-request trace identifiers.
// Every inbound HTTP request and every published event carries one so a
// delivery can be followed from API call through queue to send attempt.
package traceid

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

// Header is the HTTP header trace ids are read from and echoed to.
const Header = "X-Trace-Id"

// New returns a fresh trace id.
func New() string {
	return uuid.NewString()
}

// WithTrace returns a context carrying the trace id.
func WithTrace(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the trace id on the context, or "" when absent.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
