// Package signals derives per-submission risk evidence. Each collector is
// independent, side-effect free apart from baseline learning, and fails
// open: a broken signal source must never block a legitimate submission.
package signals

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/erf/formgate/internal/database"
	"github.com/erf/formgate/internal/emailrep"
)

// Store is the read surface the collectors need; *database.Store satisfies
// it. Collectors read history, only the decision engine writes blocks.
type Store interface {
	CountSubmissionsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error)
	CountValidationEventsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error)
	CountDistinctIPsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error)
	ListJA4Observations(ctx context.Context, ja4 string, since time.Time) ([]database.JA4Observation, error)
	CountSubmissionsByIP(ctx context.Context, remoteIP string, since time.Time) (int, error)
	GetHeaderFingerprintStats(ctx context.Context, fingerprint string, since time.Time) (*database.HeaderFingerprintStats, error)
	GetFingerprintBaseline(ctx context.Context, fpType, fpKey, ja4 string, asn int) (*database.FingerprintBaseline, error)
	UpsertFingerprintBaseline(ctx context.Context, fpType, fpKey, ja4 string, asn int) error
	CountSubmissionsByJA4(ctx context.Context, ja4 string, since time.Time) (int, error)
	CountSubmissionsByTLSPair(ctx context.Context, extHash, ja4 string, since time.Time) (int, error)
}

// EmailValidator is the reputation-service seam; *emailrep.Client satisfies
// it.
type EmailValidator interface {
	Validate(ctx context.Context, email string, headers map[string]string) (*emailrep.Validation, error)
}

// Collectors bundles the shared dependencies of the five collectors.
type Collectors struct {
	store    Store
	emailRep EmailValidator
	logger   *log.Logger
}

// New wires the collectors. emailRep may be nil when no reputation service
// is configured; the email collector then reports no signal.
func New(store Store, emailRep EmailValidator) *Collectors {
	return &Collectors{
		store:    store,
		emailRep: emailRep,
		logger:   log.New(log.Writer(), "[SIGNALS] ", log.LstdFlags),
	}
}

// EmailSignal is the scaled reputation verdict.
type EmailSignal struct {
	Present   bool            `json:"present"`
	Valid     bool            `json:"valid"`
	RiskScore float64         `json:"riskScore"` // 0..100
	Decision  string          `json:"decision,omitempty"`
	Signals   json.RawMessage `json:"signals,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
}

// EphemeralSignal counts activity attributed to one CAPTCHA ephemeral id.
// Submission and validation counts include the current attempt.
type EphemeralSignal struct {
	Present         bool     `json:"present"`
	SubmissionCount int      `json:"submissionCount"`
	ValidationCount int      `json:"validationCount"`
	UniqueIPCount   int      `json:"uniqueIpCount"`
	Warnings        []string `json:"warnings,omitempty"`
}

// JA4Layer is one window of the session-hopping analysis.
type JA4Layer struct {
	Name            string   `json:"name"`
	Detection       string   `json:"detection"`
	EphemeralIDs    int      `json:"ephemeralIds"`
	Submissions     int      `json:"submissions"`
	SpanSeconds     float64  `json:"spanSeconds"`
	AvgIPsQuantile  *float64 `json:"avgIpsQuantile,omitempty"`
	AvgReqsQuantile *float64 `json:"avgReqsQuantile,omitempty"`
}

// JA4Signal is the layered session-hopping result. RawScore tops out at 230.
type JA4Signal struct {
	Present       bool       `json:"present"`
	RawScore      int        `json:"rawScore"`
	DetectionType string     `json:"detectionType,omitempty"`
	Layers        []JA4Layer `json:"layers,omitempty"`
	Warnings      []string   `json:"warnings,omitempty"`
}

// IPRateSignal is the stepwise source-address pressure signal. It is never
// a standalone block trigger.
type IPRateSignal struct {
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

// FingerprintSignal carries the three anomaly sub-scores and at most one
// elected primary trigger.
type FingerprintSignal struct {
	HeaderReuseScore     float64  `json:"headerReuseScore"`
	TLSAnomalyScore      float64  `json:"tlsAnomalyScore"`
	LatencyMismatchScore float64  `json:"latencyMismatchScore"`
	PrimaryTrigger       string   `json:"primaryTrigger,omitempty"`
	Warnings             []string `json:"warnings,omitempty"`
}

// Bundle gathers every collector result for scoring and persistence.
type Bundle struct {
	Email       EmailSignal       `json:"email"`
	Ephemeral   EphemeralSignal   `json:"ephemeral"`
	JA4         JA4Signal         `json:"ja4"`
	IPRate      IPRateSignal      `json:"ipRate"`
	Fingerprint FingerprintSignal `json:"fingerprint"`
}
