package database

import (
	"encoding/json"
	"time"
)

// Submission is a persisted registration attempt. Signal-bearing columns
// (remote_ip, ja4, header_fingerprint, …) are denormalized out of the
// metadata blob so collectors can run indexed window queries.
type Submission struct {
	ID          int64           `json:"id"`
	Erfid       string          `json:"erfid"`
	FirstName   string          `json:"firstName"`
	LastName    string          `json:"lastName"`
	Email       string          `json:"email"`
	Phone       string          `json:"phone,omitempty"`
	Address     json.RawMessage `json:"address,omitempty"`
	DateOfBirth string          `json:"dateOfBirth,omitempty"`

	RawPayload    json.RawMessage `json:"rawPayload"`
	Metadata      json.RawMessage `json:"metadata"`
	EphemeralID   string          `json:"ephemeralId,omitempty"`
	RiskBreakdown json.RawMessage `json:"riskBreakdown,omitempty"`
	EmailSignals  json.RawMessage `json:"emailSignals,omitempty"`
	TestingBypass bool            `json:"testingBypass"`

	// Denormalized signal columns.
	RemoteIP                string `json:"remoteIp"`
	JA4                     string `json:"ja4,omitempty"`
	HeaderFingerprint       string `json:"headerFingerprint,omitempty"`
	TLSClientExtensionsSHA1 string `json:"tlsClientExtensionsSha1,omitempty"`
	ASN                     *int   `json:"asn,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// ValidationEvent records every CAPTCHA verification attempt, including
// failures and attempts blocked before a submission row existed.
type ValidationEvent struct {
	ID          int64  `json:"id"`
	TokenHash   string `json:"tokenHash"`
	Success     bool   `json:"success"`
	Allowed     bool   `json:"allowed"`
	BlockReason string `json:"blockReason,omitempty"`

	// CAPTCHA payload.
	ChallengeTS string `json:"challengeTs,omitempty"`
	Hostname    string `json:"hostname,omitempty"`
	Action      string `json:"action,omitempty"`
	EphemeralID string `json:"ephemeralId,omitempty"`

	RiskScore     float64         `json:"riskScore"`
	RiskBreakdown json.RawMessage `json:"riskBreakdown,omitempty"`
	DetectionType string          `json:"detectionType,omitempty"`
	SubmissionID  *int64          `json:"submissionId,omitempty"`

	Metadata      json.RawMessage `json:"metadata"`
	Erfid         string          `json:"erfid"`
	TestingBypass bool            `json:"testingBypass"`

	// Denormalized signal columns.
	RemoteIP       string   `json:"remoteIp"`
	JA4            string   `json:"ja4,omitempty"`
	IPsQuantile1h  *float64 `json:"ipsQuantile1h,omitempty"`
	ReqsQuantile1h *float64 `json:"reqsQuantile1h,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// FraudBlock records a rejection that happened before CAPTCHA verification
// (pre-validation blocklist match). Never linked to a submission.
type FraudBlock struct {
	ID            int64           `json:"id"`
	Erfid         string          `json:"erfid"`
	Email         string          `json:"email,omitempty"`
	RemoteIP      string          `json:"remoteIp"`
	BlockReason   string          `json:"blockReason"`
	DetectionType string          `json:"detectionType,omitempty"`
	RiskScore     *float64        `json:"riskScore,omitempty"`
	RiskBreakdown json.RawMessage `json:"riskBreakdown,omitempty"`
	Metadata      json.RawMessage `json:"metadata"`
	TestingBypass bool            `json:"testingBypass"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// FingerprintBaseline is a learning record for the anomaly detector, keyed
// on (type, key, ja4, asn). Absent dimensions use the sentinels "ANY" / -1.
type FingerprintBaseline struct {
	FingerprintType string    `json:"fingerprintType"`
	FingerprintKey  string    `json:"fingerprintKey"`
	JA4             string    `json:"ja4"`
	ASN             int       `json:"asn"`
	HitCount        int64     `json:"hitCount"`
	LastSeen        time.Time `json:"lastSeen"`
}

// Baseline dimension sentinels.
const (
	BaselineAnyJA4 = "ANY"
	BaselineAnyASN = -1
)

// Fingerprint baseline types written by the fingerprint collector.
const (
	BaselineTypeHeader  = "header_fingerprint"
	BaselineTypeTLSPair = "tls_pair"
)

// JA4Observation is one verification attempt seen under a JA4 hash, the raw
// material of the session-hopping analysis.
type JA4Observation struct {
	EphemeralID  string
	RemoteIP     string
	IPsQuantile  *float64
	ReqsQuantile *float64
	CreatedAt    time.Time
}

// HeaderFingerprintStats aggregates header-reuse evidence for one
// fingerprint within a window.
type HeaderFingerprintStats struct {
	SubmissionCount int
	DistinctIPs     int
	DistinctJA4s    int
}
