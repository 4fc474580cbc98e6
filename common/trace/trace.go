// Package trace carries a request correlation id from the HTTP edge down to
// backend calls and log lines.
package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header is the HTTP header used to accept and echo a caller-chosen id.
const Header = "X-Request-ID"

type traceKey struct{}

// GenerateID returns a fresh trace id.
func GenerateID() string {
	return "t_" + uuid.NewString()
}

// WithTraceID returns a child context carrying id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace id from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// Middleware stamps every request with a trace id, reusing a well-formed
// inbound X-Request-ID and echoing the id on the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" || len(id) > 128 {
			id = GenerateID()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), id)))
	})
}
