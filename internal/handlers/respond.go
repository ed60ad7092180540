// Package handlers terminates the fraud pipeline at the HTTP surface. Each
// handler is a factory taking its dependencies and returning an
// http.HandlerFunc; response bodies are the stable JSON contract clients
// integrate against.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/erf/formgate/internal/apperr"
)

var logger = log.New(log.Writer(), "[HANDLERS] ", log.LstdFlags)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Printf("❌ Failed to encode response: %v", err)
	}
}

// writeError shapes an *apperr.Error into the error response contract.
// Rate-limit errors additionally carry a Retry-After header; 5xx kinds log
// as errors with their details, everything else as warnings.
func writeError(w http.ResponseWriter, e *apperr.Error) {
	status := e.HTTPStatus()
	if e.Erfid != "" && w.Header().Get("X-Request-Id") == "" {
		w.Header().Set("X-Request-Id", e.Erfid)
	}
	if e.Kind == apperr.KindRateLimit && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}

	if status >= 500 {
		logger.Printf("❌ %d %s: %v details=%v", status, e.Kind, e, e.Details)
	} else {
		logger.Printf("⚠️ %d %s erfid=%s: %s", status, e.Kind, e.Erfid, e.Message)
	}

	writeJSON(w, status, e)
}
