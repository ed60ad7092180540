package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/erf/formgate/internal/config"
)

// CollectEphemeralID measures how hard one CAPTCHA ephemeral id is being
// worked: accepted submissions in 24h, verification attempts in 1h, and
// distinct source addresses in 24h. Query failures degrade to neutral
// counts.
func (c *Collectors) CollectEphemeralID(ctx context.Context, ephemeralID string, cfg config.FraudConfig) EphemeralSignal {
	if ephemeralID == "" {
		return EphemeralSignal{
			Present:         false,
			SubmissionCount: 1,
			ValidationCount: 1,
			UniqueIPCount:   1,
		}
	}

	now := time.Now()
	sig := EphemeralSignal{Present: true}

	subs, err := c.store.CountSubmissionsByEphemeralID(ctx, ephemeralID, now.Add(-24*time.Hour))
	if err != nil {
		c.logger.Printf("⚠️  Ephemeral submission count failed: %v", err)
		sig.Warnings = append(sig.Warnings, "submission history unavailable")
		subs = 0
	}
	sig.SubmissionCount = subs + 1

	vals, err := c.store.CountValidationEventsByEphemeralID(ctx, ephemeralID, now.Add(-time.Hour))
	if err != nil {
		c.logger.Printf("⚠️  Ephemeral validation count failed: %v", err)
		sig.Warnings = append(sig.Warnings, "validation history unavailable")
		vals = 0
	}
	sig.ValidationCount = vals + 1

	ips, err := c.store.CountDistinctIPsByEphemeralID(ctx, ephemeralID, now.Add(-24*time.Hour))
	if err != nil {
		c.logger.Printf("⚠️  Ephemeral IP diversity failed: %v", err)
		sig.Warnings = append(sig.Warnings, "ip history unavailable")
		ips = 0
	}
	if ips == 0 {
		ips = 1 // the current source is the only one
	}
	sig.UniqueIPCount = ips

	if sig.SubmissionCount >= cfg.EphemeralSubmissionThreshold {
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("ephemeral id reused: %d submissions in 24h", sig.SubmissionCount))
	}
	switch {
	case sig.ValidationCount >= cfg.ValidationBlockThreshold:
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("validation frequency critical: %d attempts in 1h", sig.ValidationCount))
	case sig.ValidationCount >= cfg.ValidationWarnThreshold:
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("validation frequency elevated: %d attempts in 1h", sig.ValidationCount))
	}
	if sig.UniqueIPCount >= cfg.IPDiversityThreshold {
		sig.Warnings = append(sig.Warnings,
			fmt.Sprintf("ephemeral id seen from %d IPs in 24h", sig.UniqueIPCount))
	}
	return sig
}
