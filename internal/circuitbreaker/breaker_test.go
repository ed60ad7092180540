package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream down")

func failingConfig(name string, trips uint32) *Config {
	return &Config{
		Name:        name,
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= trips
		},
	}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(failingConfig("test", 3))

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errUpstream })
		require.ErrorIs(t, err, errUpstream)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	cb := New(failingConfig("test", 1))

	_, err := cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	require.Error(t, err)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// MaxRequests=2 consecutive successes close the circuit again.
	for i := 0; i < 2; i++ {
		_, err = cb.Execute(func() (interface{}, error) { return "ok", nil })
		require.NoError(t, err)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(failingConfig("test", 1))

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimitsConcurrency(t *testing.T) {
	cb := New(failingConfig("test", 1))
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Burn the half-open request budget without completing the calls.
	g1, err := cb.beforeRequest()
	require.NoError(t, err)
	_, err = cb.beforeRequest()
	require.NoError(t, err)

	err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)

	cb.afterRequest(g1, true)
}

func TestExecuteContextPropagatesResult(t *testing.T) {
	cb := New(DefaultConfig("ctx"))
	got, err := cb.ExecuteContext(context.Background(), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestManagerGetCreatesOnce(t *testing.T) {
	m := NewManager(nil)
	a := m.Get("captcha-siteverify")
	b := m.Get("captcha-siteverify")
	assert.Same(t, a, b)
	assert.ElementsMatch(t, []string{"captcha-siteverify"}, m.List())
}

func TestExecuteWithFallback(t *testing.T) {
	cb := New(failingConfig("test", 1))
	_, _ = cb.Execute(func() (interface{}, error) { return nil, errUpstream })
	require.Equal(t, StateOpen, cb.State())

	got, err := ExecuteWithFallback(cb,
		func() (string, error) { return "live", nil },
		func(err error) (string, error) { return "fallback", nil },
	)
	require.NoError(t, err)
	assert.Equal(t, "fallback", got)
}

func TestUpstreamBreakersNotifyOnChange(t *testing.T) {
	var transitions []string
	ub := NewUpstreamBreakers(func(name string, from, to State) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	})

	for i := 0; i < 3; i++ {
		_, _ = ub.Captcha.Execute(func() (interface{}, error) { return nil, errUpstream })
	}
	require.Equal(t, StateOpen, ub.Captcha.State())
	assert.Contains(t, transitions, UpstreamCaptcha+":CLOSED->OPEN")

	status, detail := ub.HealthStatus()
	assert.Equal(t, "DEGRADED", status)
	assert.Equal(t, "OPEN", detail[UpstreamCaptcha])
	assert.Equal(t, "CLOSED", detail[UpstreamEmailRep])
}
