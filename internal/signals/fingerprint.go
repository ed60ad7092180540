package signals

import (
	"context"
	"fmt"
	"time"

	"github.com/erf/formgate/internal/config"
	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/metadata"
	"github.com/erf/formgate/internal/scoring"
)

// CollectFingerprint runs the three anomaly sub-checks. Sub-checks that stay
// clean feed the baseline tables; at most one trigger is elected so a single
// primary detection type can ride the submission.
func (c *Collectors) CollectFingerprint(ctx context.Context, md *metadata.RequestMetadata, cfg config.FraudConfig) FingerprintSignal {
	if md == nil {
		return FingerprintSignal{}
	}

	sig := FingerprintSignal{}

	headerScore, headerWarn := c.checkHeaderReuse(ctx, md, cfg)
	sig.HeaderReuseScore = headerScore
	if headerWarn != "" {
		sig.Warnings = append(sig.Warnings, headerWarn)
	}

	tlsScore, tlsWarn := c.checkTLSAnomaly(ctx, md, cfg)
	sig.TLSAnomalyScore = tlsScore
	if tlsWarn != "" {
		sig.Warnings = append(sig.Warnings, tlsWarn)
	}

	latencyScore, latencyWarn := latencyMismatch(md, cfg)
	sig.LatencyMismatchScore = latencyScore
	if latencyWarn != "" {
		sig.Warnings = append(sig.Warnings, latencyWarn)
	}

	sig.PrimaryTrigger = electFingerprintTrigger(headerScore, tlsScore, latencyScore)
	return sig
}

// checkHeaderReuse scores fingerprint sharing across addresses and TLS
// stacks: the full pattern (enough reuse, enough addresses, enough JA4s)
// scores 100, reuse across addresses alone scores 80. Clean requests teach
// the baseline.
func (c *Collectors) checkHeaderReuse(ctx context.Context, md *metadata.RequestMetadata, cfg config.FraudConfig) (float64, string) {
	if md.HeaderFingerprint == "" {
		return 0, ""
	}

	since := time.Now().Add(-time.Duration(cfg.FingerprintWindowMinutes) * time.Minute)
	stats, err := c.store.GetHeaderFingerprintStats(ctx, md.HeaderFingerprint, since)
	if err != nil {
		c.logger.Printf("⚠️  Header fingerprint stats failed: %v", err)
		return 0, "header fingerprint history unavailable"
	}

	countHit := stats.SubmissionCount >= cfg.HeaderReuseCountThreshold
	ipsHit := stats.DistinctIPs >= cfg.HeaderReuseIPThreshold
	ja4sHit := stats.DistinctJA4s >= cfg.HeaderReuseJA4Threshold

	switch {
	case countHit && ipsHit && ja4sHit:
		return 100, fmt.Sprintf("header fingerprint reused %d× across %d IPs and %d JA4s",
			stats.SubmissionCount, stats.DistinctIPs, stats.DistinctJA4s)
	case countHit && ipsHit:
		return 80, fmt.Sprintf("header fingerprint reused %d× across %d IPs",
			stats.SubmissionCount, stats.DistinctIPs)
	}

	if err := c.store.UpsertFingerprintBaseline(ctx,
		database.BaselineTypeHeader, md.HeaderFingerprint, md.JA4, asnBucket(md)); err != nil {
		c.logger.Printf("⚠️  Header baseline upsert failed: %v", err)
	}
	return 0, ""
}

// checkTLSAnomaly flags a (TLS extension hash, JA4) pair never seen before
// on a JA4 that is otherwise well observed: a forged ClientHello reusing a
// real JA4 shows up exactly like that.
func (c *Collectors) checkTLSAnomaly(ctx context.Context, md *metadata.RequestMetadata, cfg config.FraudConfig) (float64, string) {
	if md.TLSClientExtensionsSHA1 == "" || md.JA4 == "" {
		return 0, ""
	}

	since := time.Now().Add(-time.Duration(cfg.BaselineHours) * time.Hour)

	baseline, err := c.store.GetFingerprintBaseline(ctx,
		database.BaselineTypeTLSPair, md.TLSClientExtensionsSHA1, md.JA4, database.BaselineAnyASN)
	if err != nil {
		c.logger.Printf("⚠️  TLS baseline lookup failed: %v", err)
		return 0, "tls baseline unavailable"
	}

	pairKnown := baseline != nil
	if !pairKnown {
		pairCount, err := c.store.CountSubmissionsByTLSPair(ctx, md.TLSClientExtensionsSHA1, md.JA4, since)
		if err != nil {
			c.logger.Printf("⚠️  TLS pair count failed: %v", err)
			return 0, "tls history unavailable"
		}
		pairKnown = pairCount > 0
	}

	if !pairKnown {
		ja4Count, err := c.store.CountSubmissionsByJA4(ctx, md.JA4, since)
		if err != nil {
			c.logger.Printf("⚠️  JA4 sample count failed: %v", err)
			return 0, "tls history unavailable"
		}
		if ja4Count >= cfg.MinJA4Observations {
			return 100, fmt.Sprintf("unknown TLS extension pairing on a JA4 with %d samples", ja4Count)
		}
	}

	if err := c.store.UpsertFingerprintBaseline(ctx,
		database.BaselineTypeTLSPair, md.TLSClientExtensionsSHA1, md.JA4, database.BaselineAnyASN); err != nil {
		c.logger.Printf("⚠️  TLS baseline upsert failed: %v", err)
	}
	return 0, ""
}

// latencyMismatch is pure: a client claiming a mobile platform but showing
// wired-datacenter round-trip times is lying about something. A datacenter
// ASN counts as contradicting the claim even when bot management agrees the
// device is mobile.
func latencyMismatch(md *metadata.RequestMetadata, cfg config.FraudConfig) (float64, string) {
	if !md.ClaimsMobile() {
		return 0, ""
	}
	if md.ClientTCPRTT == nil || *md.ClientTCPRTT <= 0 {
		return 0, ""
	}
	rtt := *md.ClientTCPRTT
	if rtt > cfg.MobileRTTThresholdMs {
		return 0, ""
	}

	datacenter := md.ASN != nil && containsInt(cfg.DatacenterASNs, *md.ASN)
	if md.IsMobileDevice() && !datacenter {
		return 0, ""
	}

	if datacenter {
		return 80, fmt.Sprintf("mobile claim with %dms RTT from datacenter ASN %d", rtt, *md.ASN)
	}
	return 80, fmt.Sprintf("mobile claim with %dms RTT on non-mobile device", rtt)
}

// electFingerprintTrigger picks the strongest sub-check; ties resolve
// header > tls > latency.
func electFingerprintTrigger(header, tls, latency float64) string {
	best := ""
	bestScore := 0.0
	for _, cand := range []struct {
		trigger string
		score   float64
	}{
		{scoring.TriggerHeaderFingerprint, header},
		{scoring.TriggerTLSAnomaly, tls},
		{scoring.TriggerLatencyMismatch, latency},
	} {
		if cand.score > bestScore {
			best = cand.trigger
			bestScore = cand.score
		}
	}
	return best
}

func asnBucket(md *metadata.RequestMetadata) int {
	if md.ASN != nil {
		return *md.ASN
	}
	return database.BaselineAnyASN
}

func containsInt(haystack []int, needle int) bool {
	for _, v := range haystack {
		if v == needle {
			return true
		}
	}
	return false
}
