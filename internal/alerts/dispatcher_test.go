package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedDelivery struct {
	alert   Alert
	headers http.Header
	body    []byte
}

func captureServer(t *testing.T) (*httptest.Server, func() []capturedDelivery) {
	t.Helper()
	var mu sync.Mutex
	var deliveries []capturedDelivery
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var a Alert
		require.NoError(t, json.Unmarshal(body, &a))
		mu.Lock()
		deliveries = append(deliveries, capturedDelivery{alert: a, headers: r.Header.Clone(), body: body})
		mu.Unlock()
	}))
	return srv, func() []capturedDelivery {
		mu.Lock()
		defer mu.Unlock()
		out := make([]capturedDelivery, len(deliveries))
		copy(out, deliveries)
		return out
	}
}

func TestEmitDeliversAlert(t *testing.T) {
	srv, got := captureServer(t)
	defer srv.Close()

	d := NewDispatcher(srv.URL, "", 1)
	d.Emit(TypeBreakerState, SeverityWarning, "Breaker open", "captcha breaker opened after 5 failures", "01-base64url-x", map[string]interface{}{
		"breaker": "captcha",
		"state":   "open",
	})
	d.Shutdown()

	deliveries := got()
	require.Len(t, deliveries, 1)

	a := deliveries[0].alert
	assert.Equal(t, TypeBreakerState, a.Type)
	assert.Equal(t, SeverityWarning, a.Severity)
	assert.Equal(t, "Breaker open", a.Title)
	assert.Equal(t, "captcha breaker opened after 5 failures", a.Message)
	assert.Equal(t, "01-base64url-x", a.Erfid)
	assert.Equal(t, "open", a.Details["state"])
	assert.NotEmpty(t, a.ID)
	assert.False(t, a.Timestamp.IsZero())

	h := deliveries[0].headers
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, TypeBreakerState, h.Get("X-Formgate-Alert-Type"))
	assert.Equal(t, a.ID, h.Get("X-Formgate-Alert-ID"))
	assert.Equal(t, "1", h.Get("X-Formgate-Delivery-Attempt"))
	assert.Empty(t, h.Get("X-Formgate-Signature"))
}

func TestEmitSignsPayloadWhenSecretSet(t *testing.T) {
	srv, got := captureServer(t)
	defer srv.Close()

	d := NewDispatcher(srv.URL, "hush", 1)
	d.Emit(TypeCaptchaConfig, SeverityCritical, "CAPTCHA misconfigured", "secret rejected by verification API", "", nil)
	d.Shutdown()

	deliveries := got()
	require.Len(t, deliveries, 1)

	sig := deliveries[0].headers.Get("X-Formgate-Signature")
	require.NotEmpty(t, sig)
	assert.Equal(t, "sha256="+SignPayload(deliveries[0].body, "hush"), sig)
}

func TestEmitWithoutWebhookIsNoOp(t *testing.T) {
	d := NewDispatcher("", "ignored", 1)
	// Must not panic or queue anything.
	d.Emit(TypeHighConfidence, SeverityCritical, "Blocked", "progressive block applied", "", nil)
	d.Shutdown()
}

func TestShutdownDrainsQueue(t *testing.T) {
	srv, got := captureServer(t)
	defer srv.Close()

	d := NewDispatcher(srv.URL, "", 2)
	for i := 0; i < 20; i++ {
		d.Emit(TypeHighConfidence, SeverityInfo, "Blocked", "progressive block applied", "", nil)
	}
	d.Shutdown()

	assert.Len(t, got(), 20)
}

func TestSignPayloadStable(t *testing.T) {
	a := SignPayload([]byte(`{"id":"alt-1"}`), "secret")
	b := SignPayload([]byte(`{"id":"alt-1"}`), "secret")
	c := SignPayload([]byte(`{"id":"alt-1"}`), "other")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
