package middleware

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/erf/formgate/internal/metadata"
	"github.com/erf/formgate/internal/monitoring"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs one line per request and feeds the HTTP histogram.
// The erfid field is whatever X-Request-Id the handler stamped on the
// response, which ties access logs to pipeline decisions.
func RequestLogger(metrics *monitoring.Metrics) func(http.Handler) http.Handler {
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			if metrics != nil {
				// The route template keeps the path label bounded even when a
				// catch-all route absorbs scanner traffic.
				path := r.URL.Path
				if route := mux.CurrentRoute(r); route != nil {
					if tmpl, err := route.GetPathTemplate(); err == nil && tmpl != "" {
						path = tmpl
					}
				}
				metrics.RecordHTTPRequest(path, r.Method, strconv.Itoa(rec.status), elapsed.Seconds())
			}

			erfid := rec.Header().Get("X-Request-Id")
			if erfid == "" {
				erfid = "-"
			}
			logger.Printf("%s %s %d %s ip=%s erfid=%s",
				r.Method, r.URL.Path, rec.status, elapsed.Round(time.Millisecond), metadata.ClientIP(r), erfid)
		})
	}
}
