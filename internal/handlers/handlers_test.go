package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erf/formgate/internal/apperr"
	"github.com/erf/formgate/internal/blocklist"
	"github.com/erf/formgate/internal/circuitbreaker"
	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/pipeline"
)

// ============================================================
// Fakes
// ============================================================

type fakeSubmitter struct {
	result *pipeline.Result
	gotReq *pipeline.Request
}

func (f *fakeSubmitter) Submit(ctx context.Context, req *pipeline.Request) *pipeline.Result {
	f.gotReq = req
	return f.result
}

type fakeBlocklistStats struct {
	stats *blocklist.Stats
	err   error
}

func (f *fakeBlocklistStats) GetStats(ctx context.Context) (*blocklist.Stats, error) {
	return f.stats, f.err
}

type fakeActivityStats struct {
	stats    *database.Stats
	err      error
	gotSince time.Time
}

func (f *fakeActivityStats) GetStats(ctx context.Context, since time.Time) (*database.Stats, error) {
	f.gotSince = since
	return f.stats, f.err
}

type fakePinger struct{ err error }

func (f *fakePinger) Ping(ctx context.Context) error { return f.err }

// ============================================================
// Submission handler
// ============================================================

func TestHandleSubmitAccepted(t *testing.T) {
	sub := &fakeSubmitter{result: &pipeline.Result{
		Erfid:        "erf_abc123",
		SubmissionID: 42,
		Message:      "Registration received.",
	}}
	handler := HandleSubmit(sub)

	req := httptest.NewRequest("POST", "/api/v1/submissions", strings.NewReader(`{"email":"a@b.example"}`))
	req.Header.Set("cf-connecting-ip", "198.51.100.4")
	req.Header.Set("X-API-KEY", "op-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "erf_abc123", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body SubmissionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, int64(42), body.SubmissionID)
	assert.Equal(t, "erf_abc123", body.Erfid)
	assert.Equal(t, "Registration received.", body.Message)

	// The pipeline saw the raw body, the resolved client IP, and the key.
	require.NotNil(t, sub.gotReq)
	assert.JSONEq(t, `{"email":"a@b.example"}`, string(sub.gotReq.Body))
	require.NotNil(t, sub.gotReq.Metadata)
	assert.Equal(t, "198.51.100.4", sub.gotReq.Metadata.RemoteIP)
	assert.Equal(t, "op-key", sub.gotReq.APIKey)
}

func TestHandleSubmitRateLimited(t *testing.T) {
	expires := time.Now().UTC().Add(4 * time.Hour).Truncate(time.Second)
	sub := &fakeSubmitter{result: &pipeline.Result{
		Erfid: "erf_blocked1",
		Err: apperr.New(apperr.KindRateLimit, "Too many attempts. Please wait 4 hours before trying again.").
			WithErfid("erf_blocked1").
			WithRetry(14400, expires),
	}}
	handler := HandleSubmit(sub)

	req := httptest.NewRequest("POST", "/api/v1/submissions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "14400", rec.Header().Get("Retry-After"))
	assert.Equal(t, "erf_blocked1", rec.Header().Get("X-Request-Id"))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit", body["error"])
	assert.Equal(t, "erf_blocked1", body["erfid"])
	assert.Equal(t, float64(14400), body["retryAfter"])
	assert.Contains(t, body["message"], "4 hours")

	gotExpires, err := time.Parse(time.RFC3339, body["expiresAt"].(string))
	require.NoError(t, err)
	assert.WithinDuration(t, expires, gotExpires, time.Second)
}

func TestHandleSubmitValidationError(t *testing.T) {
	sub := &fakeSubmitter{result: &pipeline.Result{
		Erfid: "erf_badreq",
		Err: apperr.New(apperr.KindValidation, "email is required").
			WithErfid("erf_badreq"),
	}}
	handler := HandleSubmit(sub)

	req := httptest.NewRequest("POST", "/api/v1/submissions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "validation", body["error"])
	assert.Equal(t, "email is required", body["message"])
	assert.Equal(t, "erf_badreq", body["erfid"])
	assert.NotContains(t, body, "retryAfter")
}

func TestHandleSubmitConflict(t *testing.T) {
	sub := &fakeSubmitter{result: &pipeline.Result{
		Erfid: "erf_dupe",
		Err: apperr.New(apperr.KindConflict, "This email is already registered.").
			WithErfid("erf_dupe"),
	}}
	handler := HandleSubmit(sub)

	req := httptest.NewRequest("POST", "/api/v1/submissions", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"conflict"`)
}

func TestHandleSubmitOversizedBody(t *testing.T) {
	sub := &fakeSubmitter{result: &pipeline.Result{}}
	handler := HandleSubmit(sub)

	req := httptest.NewRequest("POST", "/api/v1/submissions", strings.NewReader(strings.Repeat("x", maxBodyBytes+1)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Nil(t, sub.gotReq, "oversized bodies never reach the pipeline")
}

// ============================================================
// Stats handler
// ============================================================

func TestHandleFraudStats(t *testing.T) {
	bl := &fakeBlocklistStats{stats: &blocklist.Stats{Total: 7, HighConfidence: 2, MediumConfidence: 3, LowConfidence: 2}}
	act := &fakeActivityStats{stats: &database.Stats{Submissions: 120, ValidationBlocked: 9}}
	handler := HandleFraudStats(bl, act)

	req := httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 24, body.WindowHours)
	assert.Equal(t, 7, body.Blocklist.Total)
	assert.Equal(t, 120, body.Activity.Submissions)
	assert.WithinDuration(t, time.Now().UTC().Add(-24*time.Hour), act.gotSince, time.Minute)
}

func TestHandleFraudStatsWindowParam(t *testing.T) {
	bl := &fakeBlocklistStats{stats: &blocklist.Stats{}}
	act := &fakeActivityStats{stats: &database.Stats{}}
	handler := HandleFraudStats(bl, act)

	// Custom window.
	req := httptest.NewRequest("GET", "/api/v1/fraud/stats?hours=48", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var body StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 48, body.WindowHours)

	// Clamped to a week.
	req = httptest.NewRequest("GET", "/api/v1/fraud/stats?hours=9999", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 168, body.WindowHours)

	// Garbage rejected.
	req = httptest.NewRequest("GET", "/api/v1/fraud/stats?hours=soon", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleFraudStatsDatabaseError(t *testing.T) {
	bl := &fakeBlocklistStats{err: errors.New("connection refused")}
	act := &fakeActivityStats{stats: &database.Stats{}}
	handler := HandleFraudStats(bl, act)

	req := httptest.NewRequest("GET", "/api/v1/fraud/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"error":"database"`)
}

// ============================================================
// Health and readiness
// ============================================================

func TestHandleHealth(t *testing.T) {
	breakers := circuitbreaker.NewUpstreamBreakers(nil)
	handler := HandleHealth(breakers)

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "HEALTHY", body["status"])
	assert.Equal(t, "formgate", body["service"])
}

func TestHandleReady(t *testing.T) {
	rec := httptest.NewRecorder()
	HandleReady(&fakePinger{})(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)

	rec = httptest.NewRecorder()
	HandleReady(&fakePinger{err: errors.New("no route to host")})(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"error"`)
}
