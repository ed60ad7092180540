package emailrep

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateForwardsPayload(t *testing.T) {
	var got validateRequest
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid":     true,
			"riskScore": 0.42,
			"decision":  "warn",
			"signals":   map[string]bool{"disposable": true},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "op-key", "formgate", "registration", nil)
	v, err := c.Validate(context.Background(), "user@example.com", map[string]string{"cf-ipcountry": "DE"})
	require.NoError(t, err)

	assert.True(t, v.Valid)
	assert.InDelta(t, 0.42, v.RiskScore, 1e-9)
	assert.Equal(t, DecisionWarn, v.Decision)
	assert.JSONEq(t, `{"disposable":true}`, string(v.Signals))

	assert.Equal(t, "op-key", gotKey)
	assert.Equal(t, "user@example.com", got.Email)
	assert.Equal(t, "formgate", got.Consumer)
	assert.Equal(t, "registration", got.Flow)
	assert.Equal(t, "DE", got.Headers["cf-ipcountry"])
}

func TestValidateClampsScoreAndDefaultsDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"valid": true, "riskScore": 1.7})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "formgate", "registration", nil)
	v, err := c.Validate(context.Background(), "a@b.c", nil)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.RiskScore)
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestValidateTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(srv.URL, "", "formgate", "registration", nil)
	_, err := c.Validate(context.Background(), "a@b.c", nil)
	assert.Error(t, err)
}

func TestValidateUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", "formgate", "registration", nil)
	_, err := c.Validate(context.Background(), "a@b.c", nil)
	assert.Error(t, err)
}

func TestValidateUnconfigured(t *testing.T) {
	c := NewClient("", "", "formgate", "registration", nil)
	_, err := c.Validate(context.Background(), "a@b.c", nil)
	assert.Error(t, err)
}

func TestHashEmailNeverCleartext(t *testing.T) {
	h := HashEmail("user@example.com")
	assert.Len(t, h, 64)
	assert.NotContains(t, h, "@")
	assert.Equal(t, h, HashEmail("user@example.com"))
	assert.NotEqual(t, h, HashEmail("other@example.com"))
}
