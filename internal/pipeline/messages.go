package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/erf/formgate/internal/scoring"
	"github.com/erf/formgate/internal/signals"
)

// blockMessage produces the client-facing copy for a block decision. Every
// branch ends with the humanized wait so clients can render it verbatim.
func blockMessage(trigger string, wait time.Duration) string {
	suffix := fmt.Sprintf("please wait %s before trying again", humanDuration(wait))
	switch trigger {
	case scoring.TriggerEmailFraud:
		return "This email address has been flagged for suspicious activity; " + suffix
	case scoring.TriggerEphemeralIDFraud:
		return "Too many submissions from this session; " + suffix
	case scoring.TriggerValidationFrequency:
		return "Too many verification attempts in a short period; " + suffix
	case scoring.TriggerIPDiversity:
		return "This session has been used from too many different networks; " + suffix
	case scoring.TriggerJA4SessionHopping:
		return "Automated session cycling detected; " + suffix
	case scoring.TriggerHeaderFingerprint:
		return "This browser profile has submitted too many registrations; " + suffix
	case scoring.TriggerTLSAnomaly:
		return "Connection characteristics do not match the claimed browser; " + suffix
	case scoring.TriggerLatencyMismatch:
		return "Network characteristics do not match the claimed device; " + suffix
	case scoring.TriggerDuplicateEmail:
		return "Repeated attempts to register an email address that is already in use; " + suffix
	default:
		return "Suspicious activity detected; " + suffix
	}
}

// blockMessageForDetection rebuilds the copy for a pre-validation blocklist
// match. The stored reason carries the wait that applied when the entry was
// created; the client gets the time actually remaining.
func blockMessageForDetection(detection string, wait time.Duration) string {
	switch detection {
	case signals.DetectionJA4IPClustering,
		signals.DetectionJA4RapidGlobal,
		signals.DetectionJA4ExtendedGlobal:
		return blockMessage(scoring.TriggerJA4SessionHopping, wait)
	default:
		return blockMessage(detection, wait)
	}
}

// humanDuration renders a wait in the largest sensible unit, rounding up so
// a client that honors the copy never retries early.
func humanDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		secs := int(math.Ceil(d.Seconds()))
		if secs < 1 {
			secs = 1
		}
		return plural(secs, "second")
	case d < time.Hour:
		return plural(int(math.Ceil(d.Minutes())), "minute")
	case d < 24*time.Hour:
		return plural(int(math.Ceil(d.Hours())), "hour")
	default:
		return plural(int(math.Ceil(d.Hours()/24)), "day")
	}
}

func plural(n int, unit string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, unit)
	}
	return fmt.Sprintf("%d %ss", n, unit)
}
