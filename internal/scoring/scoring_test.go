package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erf/formgate/internal/config"
)

func defaultFraud() config.FraudConfig {
	return config.Default().Fraud
}

func TestNormalizeEphemeralCount(t *testing.T) {
	tests := []struct {
		name           string
		count, thr, bt int
		want           float64
	}{
		{"zero", 0, 2, 60, 0},
		{"first sighting", 1, 2, 60, 10},
		{"at threshold hits block threshold", 2, 2, 60, 60},
		{"past threshold", 3, 2, 60, 100},
		{"far past threshold", 9, 2, 60, 100},
		{"interpolates between anchors", 2, 3, 60, 35},
		{"negative treated as zero", -1, 2, 60, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeEphemeralCount(tt.count, tt.thr, tt.bt))
		})
	}
}

func TestNormalizeValidationCount(t *testing.T) {
	tests := []struct {
		name              string
		count, warn, block int
		want              float64
	}{
		{"zero", 0, 2, 3, 0},
		{"single validation clean", 1, 2, 3, 0},
		{"warn threshold", 2, 2, 3, 40},
		{"block threshold", 3, 2, 3, 100},
		{"past block", 7, 2, 3, 100},
		{"interpolates below warn", 2, 3, 5, 20},
		{"interpolates between warn and block", 4, 3, 5, 70},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeValidationCount(tt.count, tt.warn, tt.block))
		})
	}
}

func TestNormalizeUniqueIPCount(t *testing.T) {
	tests := []struct {
		name       string
		count, thr int
		want       float64
	}{
		{"zero", 0, 2, 0},
		{"single ip", 1, 2, 0},
		{"at threshold", 2, 2, 50},
		{"past threshold", 3, 2, 100},
		{"interpolates", 2, 3, 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeUniqueIPCount(tt.count, tt.thr))
		})
	}
}

func TestNormalizeJA4(t *testing.T) {
	tests := []struct {
		name    string
		raw, bt int
		want    float64
	}{
		{"zero", 0, 60, 0},
		{"below threshold passes through", 45, 60, 45},
		{"at threshold passes through", 60, 60, 60},
		{"midpoint compresses", 145, 60, 80},
		{"just above threshold", 80, 60, 65},
		{"max raw maps to 100", 230, 60, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeJA4(tt.raw, tt.bt))
		})
	}
}

func TestIPRateScore(t *testing.T) {
	assert.Equal(t, 0.0, IPRateScore(0))
	assert.Equal(t, 0.0, IPRateScore(1))
	assert.Equal(t, 25.0, IPRateScore(2))
	assert.Equal(t, 50.0, IPRateScore(3))
	assert.Equal(t, 75.0, IPRateScore(4))
	assert.Equal(t, 100.0, IPRateScore(5))
	assert.Equal(t, 100.0, IPRateScore(42))
}

func TestScoreTokenReplayPinsTotal(t *testing.T) {
	b := Score(Inputs{TokenReplay: true}, defaultFraud())
	assert.Equal(t, 100.0, b.Total)
	assert.Equal(t, TriggerTokenReplay, b.BlockTrigger)
}

func TestScoreCleanSubmission(t *testing.T) {
	in := Inputs{
		EphemeralIDCount: 1,
		ValidationCount:  1,
		UniqueIPCount:    1,
	}
	b := Score(in, defaultFraud())

	// Only the first-sighting ephemeral anchor contributes: 10 × 0.18.
	assert.InDelta(t, 1.8, b.Total, 1e-9)
	assert.Empty(t, b.BlockTrigger)
	require.Contains(t, b.Components, ComponentEphemeralID)
	assert.Equal(t, 10.0, b.Components[ComponentEphemeralID].Score)
	assert.InDelta(t, 1.8, b.Components[ComponentEphemeralID].Contribution, 1e-9)
}

func TestScoreWeightedBase(t *testing.T) {
	in := Inputs{
		EmailRiskScore:   80,
		HasEmailSignal:   true,
		EphemeralIDCount: 3, // → 100
		ValidationCount:  3, // → 100
		UniqueIPCount:    3, // → 100
		JA4RawScore:      230,
	}
	b := Score(in, defaultFraud())

	// 80×0.17 + 100×0.18 + 100×0.13 + 100×0.09 + 100×0.08 = 61.6
	assert.InDelta(t, 61.6, b.Total, 1e-9)
}

func TestScoreTriggerFloors(t *testing.T) {
	cfg := defaultFraud() // block threshold 60
	lowBase := Inputs{EphemeralIDCount: 1}

	tests := []struct {
		trigger string
		want    float64
	}{
		{TriggerIPDiversity, 70},
		{TriggerJA4SessionHopping, 65},
		{TriggerHeaderFingerprint, 65},
		{TriggerTLSAnomaly, 65},
		{TriggerLatencyMismatch, 65},
		{TriggerEphemeralIDFraud, 60},
		{TriggerValidationFrequency, 60},
		{TriggerEmailFraud, 60},
		{TriggerTurnstileFailed, 55},
		{TriggerDuplicateEmail, 50},
	}
	for _, tt := range tests {
		t.Run(tt.trigger, func(t *testing.T) {
			in := lowBase
			in.BlockTrigger = tt.trigger
			b := Score(in, cfg)
			assert.Equal(t, tt.want, b.Total)
			assert.Equal(t, tt.trigger, b.BlockTrigger)
		})
	}
}

func TestScoreTriggerKeepsHigherBase(t *testing.T) {
	in := Inputs{
		EmailRiskScore:   80,
		HasEmailSignal:   true,
		EphemeralIDCount: 3,
		ValidationCount:  3,
		UniqueIPCount:    3,
		JA4RawScore:      230,
		BlockTrigger:     TriggerEphemeralIDFraud, // floor 60 < base 61.6
	}
	b := Score(in, defaultFraud())
	assert.InDelta(t, 61.6, b.Total, 1e-9)
}

func TestScoreFloorCapsAtHundred(t *testing.T) {
	cfg := defaultFraud()
	cfg.BlockThreshold = 95
	b := Score(Inputs{BlockTrigger: TriggerIPDiversity}, cfg)
	assert.Equal(t, 100.0, b.Total, "95+10 caps at 100")
}

func TestScoreRoundsToOneDecimal(t *testing.T) {
	cfg := defaultFraud()
	in := Inputs{EmailRiskScore: 33, HasEmailSignal: true} // 33 × 0.17 = 5.61
	b := Score(in, cfg)
	assert.Equal(t, 5.6, b.Total)
}

func TestScoreBreakdownShape(t *testing.T) {
	b := Score(Inputs{JA4RawScore: 145}, defaultFraud())

	keys := []string{
		ComponentTokenReplay, ComponentEmailFraud, ComponentEphemeralID,
		ComponentValidationFrequency, ComponentIPDiversity, ComponentJA4SessionHopping,
		ComponentIPRate, ComponentHeaderFingerprint, ComponentTLSAnomaly,
		ComponentLatencyMismatch,
	}
	for _, k := range keys {
		assert.Contains(t, b.Components, k)
	}

	ja4 := b.Components[ComponentJA4SessionHopping]
	require.NotNil(t, ja4.RawScore)
	assert.Equal(t, 145.0, *ja4.RawScore)
	assert.Equal(t, 80.0, ja4.Score)
}

func TestFloorFor(t *testing.T) {
	assert.Equal(t, 100.0, FloorFor(TriggerTokenReplay, 60))
	assert.Equal(t, 70.0, FloorFor(TriggerIPDiversity, 60))
	assert.Equal(t, 0.0, FloorFor("unknown_trigger", 60))
}

func TestElectTrigger(t *testing.T) {
	bt := 60

	assert.Equal(t, "", ElectTrigger(nil, bt))
	assert.Equal(t, "", ElectTrigger([]string{""}, bt))
	assert.Equal(t, TriggerEmailFraud, ElectTrigger([]string{TriggerEmailFraud}, bt))

	// Highest floor wins.
	got := ElectTrigger([]string{TriggerEmailFraud, TriggerIPDiversity}, bt)
	assert.Equal(t, TriggerIPDiversity, got)

	// Equal floors fall back to priority order.
	got = ElectTrigger([]string{TriggerTLSAnomaly, TriggerHeaderFingerprint}, bt)
	assert.Equal(t, TriggerHeaderFingerprint, got)

	// Replay dominates everything.
	got = ElectTrigger([]string{TriggerIPDiversity, TriggerTokenReplay, TriggerDuplicateEmail}, bt)
	assert.Equal(t, TriggerTokenReplay, got)
}
