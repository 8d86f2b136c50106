package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

const internalKeyHeader = "X-Internal-API-Key"

// InternalAuthMiddleware validates the internal API key for server-to-server calls.
// An empty requiredKey disables the check for local runs.
func InternalAuthMiddleware(requiredKey string) func(http.Handler) http.Handler {
	requiredKey = strings.TrimSpace(requiredKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			provided := strings.TrimSpace(r.Header.Get(internalKeyHeader))
			if provided == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(requiredKey)) != 1 {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Code: "UNAUTHORIZED"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
