// Package scoring combines per-signal components into one normalized risk
// score. Everything here is pure: no I/O, no clocks, no globals.
package scoring

import (
	"fmt"
	"math"

	"github.com/erf/formgate/internal/config"
)

// Block triggers, ordered nowhere in particular; precedence lives in
// triggerPriority.
const (
	TriggerTokenReplay         = "token_replay"
	TriggerEphemeralIDFraud    = "ephemeral_id_fraud"
	TriggerJA4SessionHopping   = "ja4_session_hopping"
	TriggerIPDiversity         = "ip_diversity"
	TriggerValidationFrequency = "validation_frequency"
	TriggerDuplicateEmail      = "duplicate_email"
	TriggerTurnstileFailed     = "turnstile_failed"
	TriggerEmailFraud          = "email_fraud"
	TriggerHeaderFingerprint   = "header_fingerprint"
	TriggerTLSAnomaly          = "tls_anomaly"
	TriggerLatencyMismatch     = "latency_mismatch"
)

// Component keys in the breakdown JSON. These match the weight names in
// FRAUD_CONFIG overrides.
const (
	ComponentTokenReplay         = "tokenReplay"
	ComponentEmailFraud          = "emailFraud"
	ComponentEphemeralID         = "ephemeralId"
	ComponentValidationFrequency = "validationFrequency"
	ComponentIPDiversity         = "ipDiversity"
	ComponentJA4SessionHopping   = "ja4SessionHopping"
	ComponentIPRate              = "ipRate"
	ComponentHeaderFingerprint   = "headerFingerprint"
	ComponentTLSAnomaly          = "tlsAnomaly"
	ComponentLatencyMismatch     = "latencyMismatch"
)

// Inputs is everything the collectors learned about one submission.
type Inputs struct {
	TokenReplay      bool
	EmailRiskScore   float64 // 0..100, already scaled from the upstream's 0..1
	HasEmailSignal   bool
	EphemeralIDCount int
	ValidationCount  int
	UniqueIPCount    int
	JA4RawScore      int // 0..230

	IPRateScore            float64 // 0..100 stepwise, from the IP-rate collector
	HeaderFingerprintScore float64 // 0, 80, or 100
	TLSAnomalyScore        float64
	LatencyMismatchScore   float64

	BlockTrigger string // empty when no definitive detection fired
}

// Component is one scored signal inside the breakdown.
type Component struct {
	Score        float64  `json:"score"`
	Weight       float64  `json:"weight"`
	Contribution float64  `json:"contribution"`
	RawScore     *float64 `json:"rawScore,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// Breakdown is the full scoring result persisted with every decision.
type Breakdown struct {
	Components   map[string]Component `json:"components"`
	Total        float64              `json:"total"`
	Base         float64              `json:"base"`
	BlockTrigger string               `json:"blockTrigger,omitempty"`
}

// Score combines the collected inputs under the configured weights.
//
// Decision rules, in order: a replayed token pins the total at 100; a block
// trigger raises the weighted base to at least the trigger's floor; otherwise
// the weighted base stands, rounded to one decimal.
func Score(in Inputs, cfg config.FraudConfig) *Breakdown {
	w := cfg.Weights

	components := map[string]Component{
		ComponentTokenReplay: component(
			boolScore(in.TokenReplay), w.TokenReplay,
			replayReason(in.TokenReplay)),
		ComponentEmailFraud: component(
			clamp(in.EmailRiskScore, 0, 100), w.EmailFraud,
			emailReason(in)),
		ComponentEphemeralID: component(
			NormalizeEphemeralCount(in.EphemeralIDCount, cfg.EphemeralSubmissionThreshold, cfg.BlockThreshold), w.EphemeralID,
			fmt.Sprintf("%d submission(s) in 24h", in.EphemeralIDCount)),
		ComponentValidationFrequency: component(
			NormalizeValidationCount(in.ValidationCount, cfg.ValidationWarnThreshold, cfg.ValidationBlockThreshold), w.ValidationFrequency,
			fmt.Sprintf("%d validation(s) in 1h", in.ValidationCount)),
		ComponentIPDiversity: component(
			NormalizeUniqueIPCount(in.UniqueIPCount, cfg.IPDiversityThreshold), w.IPDiversity,
			fmt.Sprintf("%d distinct IP(s) in 24h", in.UniqueIPCount)),
		ComponentIPRate: component(
			clamp(in.IPRateScore, 0, 100), w.IPRate,
			"submission rate for source IP"),
		ComponentHeaderFingerprint: component(
			clamp(in.HeaderFingerprintScore, 0, 100), w.HeaderFingerprint,
			"header fingerprint reuse"),
		ComponentTLSAnomaly: component(
			clamp(in.TLSAnomalyScore, 0, 100), w.TLSAnomaly,
			"TLS extension/JA4 pairing"),
		ComponentLatencyMismatch: component(
			clamp(in.LatencyMismatchScore, 0, 100), w.LatencyMismatch,
			"RTT vs claimed device class"),
	}

	ja4Score := NormalizeJA4(in.JA4RawScore, cfg.BlockThreshold)
	ja4Raw := float64(in.JA4RawScore)
	ja4 := component(ja4Score, w.JA4SessionHopping,
		fmt.Sprintf("raw session-hopping score %d/230", in.JA4RawScore))
	ja4.RawScore = &ja4Raw
	components[ComponentJA4SessionHopping] = ja4

	base := 0.0
	for _, c := range components {
		base += c.Contribution
	}

	b := &Breakdown{
		Components:   components,
		Base:         round1(base),
		BlockTrigger: in.BlockTrigger,
	}

	switch {
	case in.TokenReplay:
		b.BlockTrigger = TriggerTokenReplay
		b.Total = 100
	case in.BlockTrigger != "":
		b.Total = math.Min(100, math.Max(base, FloorFor(in.BlockTrigger, cfg.BlockThreshold)))
	default:
		b.Total = math.Min(100, round1(base))
	}
	return b
}

// FloorFor returns the minimum total a block trigger enforces.
func FloorFor(trigger string, blockThreshold int) float64 {
	bt := float64(blockThreshold)
	switch trigger {
	case TriggerTokenReplay:
		return 100
	case TriggerIPDiversity:
		return bt + 10
	case TriggerJA4SessionHopping, TriggerHeaderFingerprint, TriggerTLSAnomaly, TriggerLatencyMismatch:
		return bt + 5
	case TriggerEphemeralIDFraud, TriggerValidationFrequency, TriggerEmailFraud:
		return bt
	case TriggerTurnstileFailed:
		return bt - 5
	case TriggerDuplicateEmail:
		return bt - 10
	default:
		return 0
	}
}

// triggerPriority breaks floor ties deterministically when several
// detections fire on one submission.
var triggerPriority = map[string]int{
	TriggerTokenReplay:         11,
	TriggerIPDiversity:         10,
	TriggerJA4SessionHopping:   9,
	TriggerHeaderFingerprint:   8,
	TriggerTLSAnomaly:          7,
	TriggerLatencyMismatch:     6,
	TriggerEphemeralIDFraud:    5,
	TriggerValidationFrequency: 4,
	TriggerEmailFraud:          3,
	TriggerTurnstileFailed:     2,
	TriggerDuplicateEmail:      1,
}

// ElectTrigger picks the primary trigger from the candidates: highest floor
// wins, priority order breaks ties. Empty input elects nothing.
func ElectTrigger(candidates []string, blockThreshold int) string {
	best := ""
	bestFloor := math.Inf(-1)
	bestPrio := -1
	for _, t := range candidates {
		if t == "" {
			continue
		}
		f := FloorFor(t, blockThreshold)
		p := triggerPriority[t]
		if f > bestFloor || (f == bestFloor && p > bestPrio) {
			best, bestFloor, bestPrio = t, f, p
		}
	}
	return best
}

// NormalizeEphemeralCount maps a 24h submission count onto 0–100. Anchors:
// 0→0, 1→10, threshold→blockThreshold, past threshold→100; counts between
// anchors interpolate linearly.
func NormalizeEphemeralCount(count, threshold, blockThreshold int) float64 {
	switch {
	case count <= 0:
		return 0
	case count == 1:
		return 10
	case count > threshold:
		return 100
	case count == threshold:
		return float64(blockThreshold)
	default:
		// 1 < count < threshold
		span := float64(threshold - 1)
		return round1(10 + float64(count-1)/span*(float64(blockThreshold)-10))
	}
}

// NormalizeValidationCount maps a 1h verification count onto 0–100.
// Anchors: ≤1→0, warn→40, ≥block→100.
func NormalizeValidationCount(count, warnThreshold, blockThreshold int) float64 {
	switch {
	case count <= 1:
		return 0
	case count >= blockThreshold:
		return 100
	case count == warnThreshold:
		return 40
	case count < warnThreshold:
		span := float64(warnThreshold - 1)
		return round1(float64(count-1) / span * 40)
	default:
		// warn < count < block
		span := float64(blockThreshold - warnThreshold)
		return round1(40 + float64(count-warnThreshold)/span*60)
	}
}

// NormalizeUniqueIPCount maps a distinct-IP count onto 0–100. Anchors:
// ≤1→0, threshold→50, past threshold→100.
func NormalizeUniqueIPCount(count, threshold int) float64 {
	switch {
	case count <= 1:
		return 0
	case count > threshold:
		return 100
	case count == threshold:
		return 50
	default:
		span := float64(threshold - 1)
		return round1(float64(count-1) / span * 50)
	}
}

// NormalizeJA4 compresses the 0–230 raw session-hopping score into 0–100.
// Below the block threshold the raw value passes through; above it the
// remaining raw range maps onto the remaining score range.
func NormalizeJA4(raw, blockThreshold int) float64 {
	bt := float64(blockThreshold)
	r := float64(raw)
	switch {
	case raw <= 0:
		return 0
	case r <= bt:
		return r
	default:
		return math.Round(bt + (r-bt)/(230-bt)*(100-bt))
	}
}

// IPRateScore is the stepwise map for the IP-rate collector: 1 submission in
// the window is clean, each extra adds 25, capped at 100.
func IPRateScore(count int) float64 {
	switch {
	case count <= 1:
		return 0
	case count == 2:
		return 25
	case count == 3:
		return 50
	case count == 4:
		return 75
	default:
		return 100
	}
}

func component(score, weight float64, reason string) Component {
	return Component{
		Score:        score,
		Weight:       weight,
		Contribution: score * weight,
		Reason:       reason,
	}
}

func boolScore(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

func replayReason(replay bool) string {
	if replay {
		return "token was already used"
	}
	return "token not seen before"
}

func emailReason(in Inputs) string {
	if !in.HasEmailSignal {
		return "no reputation signal"
	}
	return fmt.Sprintf("reputation risk %.0f/100", in.EmailRiskScore)
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
