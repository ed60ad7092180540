package blocklist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDurationSchedule(t *testing.T) {
	tests := []struct {
		name     string
		offenses int
		want     time.Duration
	}{
		{"first offense", 1, time.Hour},
		{"second offense", 2, 4 * time.Hour},
		{"third offense", 3, 8 * time.Hour},
		{"fourth offense", 4, 12 * time.Hour},
		{"fifth offense", 5, 24 * time.Hour},
		{"past schedule end stays pinned", 12, 24 * time.Hour},
		{"zero clamps to first bucket", 0, time.Hour},
		{"negative clamps to first bucket", -3, time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Duration(tt.offenses, DefaultSchedule))
		})
	}
}

func TestDurationCustomSchedule(t *testing.T) {
	custom := []int{60, 300}
	assert.Equal(t, time.Minute, Duration(1, custom))
	assert.Equal(t, 5*time.Minute, Duration(2, custom))
	assert.Equal(t, 5*time.Minute, Duration(9, custom))
}

func TestDurationEmptyScheduleFallsBack(t *testing.T) {
	assert.Equal(t, time.Hour, Duration(1, nil))
	assert.Equal(t, 24*time.Hour, Duration(5, []int{}))
}

func TestRetryAfterSeconds(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, 3600, RetryAfterSeconds(now.Add(time.Hour), now))
	assert.Equal(t, 1, RetryAfterSeconds(now.Add(200*time.Millisecond), now), "sub-second rounds up")
	assert.Equal(t, 1, RetryAfterSeconds(now.Add(-time.Minute), now), "past expiry floors at 1")
}

func TestAddParamsIdentifierGuard(t *testing.T) {
	assert.False(t, (&AddParams{}).hasIdentifier())
	assert.True(t, (&AddParams{Email: "a@b.c"}).hasIdentifier())
	assert.True(t, (&AddParams{EphemeralID: "eid"}).hasIdentifier())
	assert.True(t, (&AddParams{RemoteIP: "1.2.3.4"}).hasIdentifier())
	assert.True(t, (&AddParams{JA4: "t13d1516h2_8daaf6152771_b0da82dd1658"}).hasIdentifier())
}
