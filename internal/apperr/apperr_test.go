package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindAuth, http.StatusForbidden},
		{KindRateLimit, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{KindConflict, http.StatusConflict},
		{KindExternalService, http.StatusServiceUnavailable},
		{KindDatabase, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
		{Kind("unknown"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		err := New(tc.kind, "boom")
		assert.Equal(t, tc.want, err.HTTPStatus(), "kind %s", tc.kind)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindDatabase, "insert submission", cause)

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "database")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestFromExtractsTypedError(t *testing.T) {
	inner := New(KindConflict, "email already registered").WithErfid("erf_abc")
	wrapped := fmt.Errorf("pipeline: %w", inner)

	got := From(wrapped)
	assert.Equal(t, KindConflict, got.Kind)
	assert.Equal(t, "erf_abc", got.Erfid)
}

func TestFromWrapsUnknownAsInternal(t *testing.T) {
	got := From(errors.New("plain"))
	assert.Equal(t, KindInternal, got.Kind)
	assert.Equal(t, http.StatusInternalServerError, got.HTTPStatus())
}

func TestWithRetryCarriesMetadata(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC()
	err := New(KindRateLimit, "too many attempts").WithRetry(3600, expires)

	assert.Equal(t, 3600, err.RetryAfter)
	require.NotNil(t, err.ExpiresAt)
	assert.Equal(t, expires, *err.ExpiresAt)
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindRateLimit, KindOf(New(KindRateLimit, "blocked")))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}
