package middleware

import (
	"context"
	"net/http"
)

// WithPrincipalForTest attaches a principal to the request context for testing.
func WithPrincipalForTest(r *http.Request, principal string) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalContextKey, principal))
}
