package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/erf/formgate/internal/circuitbreaker"
)

// Pinger checks database connectivity for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports process liveness plus upstream breaker states. It
// never fails: a degraded upstream still returns 200 because the pipeline
// keeps serving (collectors fail open, CAPTCHA outage is a per-request 503).
func HandleHealth(breakers *circuitbreaker.UpstreamBreakers) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, upstreams := breakers.HealthStatus()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":    status,
			"service":   "formgate",
			"upstreams": upstreams,
		})
	}
}

// HandleReady gates readiness on database connectivity. Load balancers
// should route no traffic until this returns 200.
func HandleReady(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			logger.Printf("⚠️ Readiness probe failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unavailable",
				"database": "error",
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"status":   "ready",
			"database": "connected",
		})
	}
}
