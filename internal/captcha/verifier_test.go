package captcha

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashToken(t *testing.T) {
	h := HashToken("tok-abc")
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashToken("tok-abc"), "deterministic")
	assert.NotEqual(t, h, HashToken("tok-abd"))
}

func TestVerifySuccess(t *testing.T) {
	var gotBody siteverifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":      true,
			"challenge_ts": "2026-03-01T10:00:00Z",
			"hostname":     "signup.example.com",
			"action":       "register",
			"metadata":     map[string]string{"ephemeral_id": "eid-123"},
		})
	}))
	defer srv.Close()

	v := NewHTTPVerifier("secret-key", srv.URL, nil)
	res, err := v.Verify(context.Background(), "tok-1", "203.0.113.9")
	require.NoError(t, err)

	assert.True(t, res.Valid)
	assert.Equal(t, "eid-123", res.EphemeralID)
	assert.Equal(t, "signup.example.com", res.Hostname)
	assert.Equal(t, HashToken("tok-1"), res.TokenHash)

	assert.Equal(t, "secret-key", gotBody.Secret)
	assert.Equal(t, "tok-1", gotBody.Response)
	assert.Equal(t, "203.0.113.9", gotBody.RemoteIP)
}

func TestVerifyFailureMapsErrorCodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success":     false,
			"error-codes": []string{"invalid-input-secret", "timeout-or-duplicate"},
		})
	}))
	defer srv.Close()

	v := NewHTTPVerifier("secret-key", srv.URL, nil)
	res, err := v.Verify(context.Background(), "tok-2", "")
	require.NoError(t, err)

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonTurnstileFailed, res.Reason)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, CategoryConfiguration, res.Errors[0].Category)
	assert.Equal(t, CategoryToken, res.Errors[1].Category)
	assert.True(t, res.ConfigAlert, "configuration-category code must flag an alert")
}

func TestVerifyTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	v := NewHTTPVerifier("secret-key", srv.URL, nil)
	res, err := v.Verify(context.Background(), "tok-3", "")
	require.NoError(t, err, "transport failures degrade to a result, not an error")

	assert.False(t, res.Valid)
	assert.Equal(t, ReasonAPIRequestFailed, res.Reason)
	assert.Equal(t, HashToken("tok-3"), res.TokenHash)
}

func TestVerifyUpstreamHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	v := NewHTTPVerifier("secret-key", srv.URL, nil)
	res, err := v.Verify(context.Background(), "tok-4", "")
	require.NoError(t, err)
	assert.Equal(t, ReasonAPIRequestFailed, res.Reason)
}

func TestLookupErrorCodeUnknown(t *testing.T) {
	d := LookupErrorCode("brand-new-code")
	assert.Equal(t, "brand-new-code", d.Code)
	assert.Equal(t, CategoryUnknown, d.Category)
	assert.NotEmpty(t, d.Message)
}

func TestMockVerifierFabricatesUniqueEphemeralIDs(t *testing.T) {
	m := NewMockVerifier()

	a, err := m.Verify(context.Background(), "tok", "1.2.3.4")
	require.NoError(t, err)
	b, err := m.Verify(context.Background(), "tok", "1.2.3.4")
	require.NoError(t, err)

	assert.True(t, a.Valid)
	assert.True(t, b.Valid)
	assert.NotEqual(t, a.EphemeralID, b.EphemeralID)
	assert.Contains(t, a.EphemeralID, "test-")
	assert.Equal(t, "testing-bypass", a.Hostname)
}

func TestRecentTokenCacheReplay(t *testing.T) {
	c := NewRecentTokenCache(time.Minute)
	defer c.Stop()

	h := HashToken("tok-replay")
	assert.False(t, c.CheckAndRemember(h), "first sighting is clean")
	assert.True(t, c.CheckAndRemember(h), "second sighting is a replay")
	assert.True(t, c.Seen(h))
	assert.Equal(t, 1, c.Len())
}

func TestRecentTokenCacheExpiry(t *testing.T) {
	c := NewRecentTokenCache(20 * time.Millisecond)
	defer c.Stop()

	h := HashToken("tok-expiring")
	c.CheckAndRemember(h)
	require.True(t, c.Seen(h))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, c.Seen(h), "expired entries no longer match")
	assert.Equal(t, 0, c.Len())
}

func TestRecentTokenCacheStopIdempotent(t *testing.T) {
	c := NewRecentTokenCache(time.Minute)
	c.Stop()
	c.Stop()
}
