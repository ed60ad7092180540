package signals

import (
	"context"
	"time"

	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/scoring"
)

// CollectIPRate counts submissions from the source address inside the rate
// window, current attempt included, and maps the count onto the stepwise
// score. Query failure degrades to a clean count of one.
func (c *Collectors) CollectIPRate(ctx context.Context, remoteIP string, cfg config.FraudConfig) IPRateSignal {
	window := time.Duration(cfg.IPRateLimitWindowSeconds) * time.Second
	prior, err := c.store.CountSubmissionsByIP(ctx, remoteIP, time.Now().Add(-window))
	if err != nil {
		c.logger.Printf("⚠️  IP rate count failed: %v", err)
		return IPRateSignal{Count: 1, Score: 0}
	}

	count := prior + 1
	return IPRateSignal{
		Count: count,
		Score: scoring.IPRateScore(count),
	}
}
