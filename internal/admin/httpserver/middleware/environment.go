package middleware

import (
	"context"
	"net/http"
	"strings"
)

type environmentContextKey struct{}

const defaultEnvironment = "development"

// Environment attaches the deployment environment label to the request context and echoes it in the
// X-Console-Environment response header. Empty values default to "development".
func Environment(value string) func(http.Handler) http.Handler {
	label := strings.ToLower(strings.TrimSpace(value))
	if label == "" {
		label = defaultEnvironment
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Console-Environment", label)
			ctx := context.WithValue(r.Context(), environmentContextKey{}, label)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EnvironmentFromContext returns the label registered for the current request.
func EnvironmentFromContext(ctx context.Context) string {
	if ctx == nil {
		return defaultEnvironment
	}
	if value, ok := ctx.Value(environmentContextKey{}).(string); ok && value != "" {
		return value
	}
	return defaultEnvironment
}
