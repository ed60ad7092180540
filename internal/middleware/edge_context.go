package middleware

import (
	"net/http"

	"github.com/erf/formgate/internal/metadata"
)

// EdgeContext lifts the platform context the edge integration ships in
// X-Edge-Context onto the request context, where metadata extraction
// prefers it over plain header fallbacks. Deployments without a trusted
// edge in front must strip the header upstream; this server treats it as
// authoritative.
func EdgeContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if pc := metadata.PlatformContextFromHeader(r); pc != nil {
				r = r.WithContext(metadata.WithPlatformContext(r.Context(), pc))
			}
			next.ServeHTTP(w, r)
		})
	}
}
