package blocklist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"
)

// ErrNoIdentifier rejects Add calls that carry no identifier at all.
var ErrNoIdentifier = errors.New("blocklist: at least one identifier required")

// Entry is one persisted block. Identifier fields are empty when that
// dimension was not part of the block.
type Entry struct {
	ID              int64           `json:"id"`
	Email           string          `json:"email,omitempty"`
	EphemeralID     string          `json:"ephemeralId,omitempty"`
	RemoteIP        string          `json:"remoteIp,omitempty"`
	JA4             string          `json:"ja4,omitempty"`
	BlockReason     string          `json:"blockReason"`
	Confidence      string          `json:"confidence"`
	DetectionType   string          `json:"detectionType,omitempty"`
	RiskScore       *float64        `json:"riskScore,omitempty"`
	RiskBreakdown   json.RawMessage `json:"riskBreakdown,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Erfid           string          `json:"erfid,omitempty"`
	SubmissionCount int64           `json:"submissionCount"`
	BlockedAt       time.Time       `json:"blockedAt"`
	ExpiresAt       time.Time       `json:"expiresAt"`
}

// CheckQuery names the identifiers extracted from the current request.
// Empty fields are skipped during matching.
type CheckQuery struct {
	Email       string
	EphemeralID string
	RemoteIP    string
	JA4         string
}

// CheckResult reports whether an active block matched and how long the
// caller should tell the client to wait.
type CheckResult struct {
	Blocked    bool
	Reason     string
	Confidence string
	ExpiresAt  time.Time
	RetryAfter int
	Entry      *Entry
}

// AddParams describes a new block. ExpiresIn is seconds from now and is
// clamped to ≥ 1 so an entry can never be born expired.
type AddParams struct {
	Email         string
	EphemeralID   string
	RemoteIP      string
	JA4           string
	BlockReason   string
	Confidence    string
	DetectionType string
	RiskScore     *float64
	RiskBreakdown json.RawMessage
	Metadata      json.RawMessage
	Erfid         string
	ExpiresIn     int
}

func (p *AddParams) hasIdentifier() bool {
	return p.Email != "" || p.EphemeralID != "" || p.RemoteIP != "" || p.JA4 != ""
}

// Stats summarizes active (un-expired) entries.
type Stats struct {
	Total            int `json:"total"`
	ByEphemeralID    int `json:"byEphemeralId"`
	ByIP             int `json:"byIp"`
	HighConfidence   int `json:"highConfidence"`
	MediumConfidence int `json:"mediumConfidence"`
	LowConfidence    int `json:"lowConfidence"`
}

// Store runs blocklist queries against the shared Postgres pool. It owns
// the blocklist table: collectors read it, only the decision engine writes.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// NewStore wraps an existing pool.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: log.New(log.Writer(), "[BLOCKLIST] ", log.LstdFlags),
	}
}

// Check finds the most recently blocked, un-expired entry matching any
// provided identifier and bumps its submission counter in the same
// statement. Low-confidence entries are tracking-only and never match here;
// they exist so the duplicate-email branch can count repeat behavior.
func (s *Store) Check(ctx context.Context, q CheckQuery) (*CheckResult, error) {
	const stmt = `
		UPDATE blocklist
		SET submission_count = submission_count + 1
		WHERE id = (
			SELECT id FROM blocklist
			WHERE expires_at > NOW()
			  AND confidence IN ('medium', 'high')
			  AND (email = $1 OR ephemeral_id = $2 OR remote_ip = $3 OR ja4 = $4)
			ORDER BY blocked_at DESC
			LIMIT 1
		)
		RETURNING id, email, ephemeral_id, remote_ip, ja4,
		          block_reason, confidence, detection_type, risk_score,
		          erfid, submission_count, blocked_at, expires_at`

	var (
		e             Entry
		email         sql.NullString
		ephemeralID   sql.NullString
		remoteIP      sql.NullString
		ja4           sql.NullString
		detectionType sql.NullString
		riskScore     sql.NullFloat64
		erfid         sql.NullString
	)
	err := s.db.QueryRowContext(ctx, stmt,
		nullStr(q.Email), nullStr(q.EphemeralID), nullStr(q.RemoteIP), nullStr(q.JA4),
	).Scan(
		&e.ID, &email, &ephemeralID, &remoteIP, &ja4,
		&e.BlockReason, &e.Confidence, &detectionType, &riskScore,
		&erfid, &e.SubmissionCount, &e.BlockedAt, &e.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return &CheckResult{Blocked: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("blocklist check: %w", err)
	}

	e.Email = email.String
	e.EphemeralID = ephemeralID.String
	e.RemoteIP = remoteIP.String
	e.JA4 = ja4.String
	e.DetectionType = detectionType.String
	e.Erfid = erfid.String
	if riskScore.Valid {
		v := riskScore.Float64
		e.RiskScore = &v
	}

	return &CheckResult{
		Blocked:    true,
		Reason:     e.BlockReason,
		Confidence: e.Confidence,
		ExpiresAt:  e.ExpiresAt,
		RetryAfter: RetryAfterSeconds(e.ExpiresAt, time.Now()),
		Entry:      &e,
	}, nil
}

// Add inserts a new entry. Expiry is computed server-side from ExpiresIn so
// the expires_at > blocked_at invariant holds on a single clock.
func (s *Store) Add(ctx context.Context, p AddParams) (*Entry, error) {
	if !p.hasIdentifier() {
		return nil, ErrNoIdentifier
	}
	if p.Confidence == "" {
		p.Confidence = ConfidenceMedium
	}
	if p.ExpiresIn < 1 {
		p.ExpiresIn = 1
	}

	const stmt = `
		INSERT INTO blocklist (
			email, ephemeral_id, remote_ip, ja4,
			block_reason, confidence, detection_type, risk_score,
			risk_breakdown, metadata, erfid, expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11, NOW() + make_interval(secs => $12))
		RETURNING id, blocked_at, expires_at`

	e := Entry{
		Email:           p.Email,
		EphemeralID:     p.EphemeralID,
		RemoteIP:        p.RemoteIP,
		JA4:             p.JA4,
		BlockReason:     p.BlockReason,
		Confidence:      p.Confidence,
		DetectionType:   p.DetectionType,
		RiskScore:       p.RiskScore,
		RiskBreakdown:   p.RiskBreakdown,
		Metadata:        p.Metadata,
		Erfid:           p.Erfid,
		SubmissionCount: 1,
	}
	err := s.db.QueryRowContext(ctx, stmt,
		nullStr(p.Email), nullStr(p.EphemeralID), nullStr(p.RemoteIP), nullStr(p.JA4),
		p.BlockReason, p.Confidence, nullStr(p.DetectionType), p.RiskScore,
		nullRaw(p.RiskBreakdown), nullRaw(p.Metadata), nullStr(p.Erfid), p.ExpiresIn,
	).Scan(&e.ID, &e.BlockedAt, &e.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("blocklist add: %w", err)
	}

	s.logger.Printf("🚫 Added %s/%s block (detection=%s, expires in %ds, erfid=%s)",
		p.Confidence, firstIdentifier(p), p.DetectionType, p.ExpiresIn, p.Erfid)
	return &e, nil
}

// OffenseCount counts entries created in the last 24 hours matching any
// provided identifier, plus one for the offense being priced now.
func (s *Store) OffenseCount(ctx context.Context, email, ephemeralID, remoteIP string) (int, error) {
	if email == "" && ephemeralID == "" && remoteIP == "" {
		return 1, nil
	}
	const stmt = `
		SELECT COUNT(*) FROM blocklist
		WHERE blocked_at >= NOW() - INTERVAL '24 hours'
		  AND (email = $1 OR ephemeral_id = $2 OR remote_ip = $3)`
	var n int
	err := s.db.QueryRowContext(ctx, stmt,
		nullStr(email), nullStr(ephemeralID), nullStr(remoteIP),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("blocklist offense count: %w", err)
	}
	return n + 1, nil
}

// CountDuplicateEmailEntries counts duplicate_email tracking entries for the
// same (email, ip) pair inside the tracking window.
func (s *Store) CountDuplicateEmailEntries(ctx context.Context, email, remoteIP string, window time.Duration) (int, error) {
	const stmt = `
		SELECT COUNT(*) FROM blocklist
		WHERE detection_type = 'duplicate_email'
		  AND email = $1 AND remote_ip = $2
		  AND blocked_at >= NOW() - make_interval(secs => $3)`
	var n int
	err := s.db.QueryRowContext(ctx, stmt, email, remoteIP, window.Seconds()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("blocklist duplicate email count: %w", err)
	}
	return n, nil
}

// CleanupExpired deletes entries whose expiry has passed and reports how
// many rows went away.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocklist WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("blocklist cleanup: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("blocklist cleanup rows: %w", err)
	}
	if n > 0 {
		s.logger.Printf("🧹 Removed %d expired entries", n)
	}
	return n, nil
}

// GetStats summarizes the active entries for the operator endpoint and the
// blocklist gauges.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	const stmt = `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE ephemeral_id IS NOT NULL),
		       COUNT(*) FILTER (WHERE remote_ip IS NOT NULL),
		       COUNT(*) FILTER (WHERE confidence = 'high'),
		       COUNT(*) FILTER (WHERE confidence = 'medium'),
		       COUNT(*) FILTER (WHERE confidence = 'low')
		FROM blocklist
		WHERE expires_at > NOW()`
	var st Stats
	err := s.db.QueryRowContext(ctx, stmt).Scan(
		&st.Total, &st.ByEphemeralID, &st.ByIP,
		&st.HighConfidence, &st.MediumConfidence, &st.LowConfidence,
	)
	if err != nil {
		return nil, fmt.Errorf("blocklist stats: %w", err)
	}
	return &st, nil
}

// RetryAfterSeconds converts an expiry into a Retry-After value, rounding up
// and never returning less than 1 for a future expiry.
func RetryAfterSeconds(expiresAt, now time.Time) int {
	secs := int(math.Ceil(expiresAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func firstIdentifier(p AddParams) string {
	switch {
	case p.Email != "":
		return "email"
	case p.EphemeralID != "":
		return "ephemeral_id"
	case p.RemoteIP != "":
		return "remote_ip"
	default:
		return "ja4"
	}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullRaw(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
