package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/metadata"
	"github.com/erf/formgate/internal/monitoring"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// ============================================================
// Rate limiter
// ============================================================

func newTestLimiter(perMin int) *RateLimiter {
	return NewRateLimiter(
		config.RateLimitConfig{Enabled: true, RequestsPerMin: perMin},
		config.RedisConfig{},
	)
}

func TestRateLimiterAllowsUnderLimit(t *testing.T) {
	rl := newTestLimiter(3)
	defer rl.Close()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
		req.Header.Set("cf-connecting-ip", "203.0.113.7")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}
}

func TestRateLimiterRejectsOverLimit(t *testing.T) {
	rl := newTestLimiter(2)
	defer rl.Close()
	handler := rl.Middleware(okHandler())

	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
		req.Header.Set("cf-connecting-ip", "203.0.113.8")
		last = httptest.NewRecorder()
		handler.ServeHTTP(last, req)
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, "60", last.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", last.Header().Get("Content-Type"))
	assert.Contains(t, last.Body.String(), `"error":"rate_limit"`)
	assert.Contains(t, last.Body.String(), `"retryAfter":60`)
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Close()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
		req.Header.Set("cf-connecting-ip", fmt.Sprintf("203.0.113.%d", 10+i))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterSkipsPreflight(t *testing.T) {
	rl := newTestLimiter(1)
	defer rl.Close()
	handler := rl.Middleware(okHandler())

	for i := 0; i < 4; i++ {
		req := httptest.NewRequest("OPTIONS", "/api/v1/submissions", nil)
		req.Header.Set("cf-connecting-ip", "203.0.113.20")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	// The budget is still intact for the real request.
	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("cf-connecting-ip", "203.0.113.20")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

// ============================================================
// CORS
// ============================================================

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"}, true)(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-API-KEY")
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	handler := CORS([]string{"https://app.example.com"}, true)(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	// The request itself still runs; CORS is enforced by the browser.
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSLocalhostOnlyOutsideProduction(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("Origin", "http://localhost:3000")

	rec := httptest.NewRecorder()
	CORS(nil, false)(okHandler()).ServeHTTP(rec, req)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	CORS(nil, true)(okHandler()).ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSWildcard(t *testing.T) {
	handler := CORS([]string{"*"}, true)(okHandler())

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://anything.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	handler := CORS([]string{"https://app.example.com"}, true)(inner)

	req := httptest.NewRequest("OPTIONS", "/api/v1/submissions", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.False(t, called)
}

// ============================================================
// Operator API key
// ============================================================

func TestRequireAPIKey(t *testing.T) {
	handler := RequireAPIKey("op-secret")(okHandler())

	// Missing key.
	req := httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"auth"`)

	// Wrong key.
	req = httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	req.Header.Set("X-API-KEY", "nope")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Right key.
	req = httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	req.Header.Set("X-API-KEY", "op-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAPIKeyUnconfiguredStaysClosed(t *testing.T) {
	handler := RequireAPIKey("")(okHandler())

	req := httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	req.Header.Set("X-API-KEY", "anything")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// ============================================================
// Edge context
// ============================================================

func TestEdgeContextAttachesPlatformContext(t *testing.T) {
	var got *metadata.PlatformContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = metadata.PlatformContextFrom(r.Context())
	})
	handler := EdgeContext()(inner)

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set(metadata.EdgeContextHeader, `{"country":"DE","timezone":"Europe/Berlin","colo":"FRA"}`)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, got)
	assert.Equal(t, "DE", got.Country)
	assert.Equal(t, "FRA", got.Colo)
}

func TestEdgeContextAbsentHeader(t *testing.T) {
	var got *metadata.PlatformContext
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = metadata.PlatformContextFrom(r.Context())
	})
	handler := EdgeContext()(inner)

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Nil(t, got)
}

// ============================================================
// Request logging
// ============================================================

func TestRequestLoggerPassesThroughStatus(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-Id", "erf_test123")
		w.WriteHeader(http.StatusTeapot)
	})
	handler := RequestLogger(metrics)(inner)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "erf_test123", rec.Header().Get("X-Request-Id"))
}
