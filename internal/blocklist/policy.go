// Package blocklist persists progressive multi-key blocks and the
// escalating-timeout policy that prices repeat offenses.
package blocklist

import "time"

// Confidence tiers. Low-confidence entries track repeat behavior without
// blocking; medium and high entries deny requests at the pre-validation gate.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// DefaultSchedule escalates 1h → 4h → 8h → 12h → 24h.
var DefaultSchedule = []int{3600, 14400, 28800, 43200, 86400}

// Duration maps an offense count onto the timeout schedule. Counts at or
// past the end of the schedule stay pinned to the last bucket; counts ≤ 0
// clamp to the first.
func Duration(offenseCount int, schedule []int) time.Duration {
	if len(schedule) == 0 {
		schedule = DefaultSchedule
	}
	idx := offenseCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return time.Duration(schedule[idx]) * time.Second
}
