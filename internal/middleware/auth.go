package middleware

import (
	"net/http"
)

// RequireAPIKey guards operator routes with the shared X-API-KEY header.
// A missing header is 401, a wrong one 403. When no key is configured the
// routes stay closed rather than open.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := r.Header.Get("X-API-KEY")
			if presented == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"auth","message":"X-API-KEY header is required"}`))
				return
			}
			if key == "" || presented != key {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"error":"auth","message":"Invalid API key"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
