package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertValidationEvent persists one CAPTCHA verification attempt.
func (s *Store) InsertValidationEvent(ctx context.Context, ev *ValidationEvent) (int64, error) {
	const q = `
		INSERT INTO validation_events (
			token_hash, success, allowed, block_reason,
			challenge_ts, hostname, action, ephemeral_id,
			risk_score, risk_breakdown, detection_type, submission_id,
			metadata, erfid, testing_bypass,
			remote_ip, ja4, ips_quantile_1h, reqs_quantile_1h
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		RETURNING id, created_at`

	var submissionID sql.NullInt64
	if ev.SubmissionID != nil {
		submissionID = sql.NullInt64{Int64: *ev.SubmissionID, Valid: true}
	}

	err := s.db.QueryRowContext(ctx, q,
		ev.TokenHash, ev.Success, ev.Allowed, nullStr(ev.BlockReason),
		nullStr(ev.ChallengeTS), nullStr(ev.Hostname), nullStr(ev.Action), nullStr(ev.EphemeralID),
		ev.RiskScore, nullRaw(ev.RiskBreakdown), nullStr(ev.DetectionType), submissionID,
		nullRaw(ev.Metadata), nullStr(ev.Erfid), ev.TestingBypass,
		nullStr(ev.RemoteIP), nullStr(ev.JA4), ev.IPsQuantile1h, ev.ReqsQuantile1h,
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert validation event: %w", err)
	}
	return ev.ID, nil
}

// FindValidationEventByTokenHash looks up a prior verification of the same
// CAPTCHA token, or (nil, nil) when the token has never been seen.
func (s *Store) FindValidationEventByTokenHash(ctx context.Context, tokenHash string) (*ValidationEvent, error) {
	const q = `
		SELECT id, token_hash, success, allowed, block_reason,
		       ephemeral_id, erfid, created_at
		FROM validation_events
		WHERE token_hash = $1
		ORDER BY created_at ASC
		LIMIT 1`

	var (
		ev          ValidationEvent
		blockReason sql.NullString
		ephemeralID sql.NullString
		erfid       sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, tokenHash).Scan(
		&ev.ID, &ev.TokenHash, &ev.Success, &ev.Allowed,
		&blockReason, &ephemeralID, &erfid, &ev.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find validation event by token hash: %w", err)
	}
	ev.BlockReason = strOrEmpty(blockReason)
	ev.EphemeralID = strOrEmpty(ephemeralID)
	ev.Erfid = strOrEmpty(erfid)
	return &ev, nil
}

// CountValidationEventsByEphemeralID counts verification attempts made under
// an ephemeral id since the window start. Failed and blocked attempts count;
// the frequency signal cares about pressure, not success.
func (s *Store) CountValidationEventsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM validation_events
		WHERE ephemeral_id = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ephemeralID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count validation events: %w", err)
	}
	return n, nil
}

// ListJA4Observations fetches every verification attempt carrying a JA4
// hash since the window start. The collector slices these into its layered
// windows in memory; IPv6 subnet grouping can't be expressed portably in SQL
// over textual addresses.
func (s *Store) ListJA4Observations(ctx context.Context, ja4 string, since time.Time) ([]JA4Observation, error) {
	const q = `
		SELECT ephemeral_id, COALESCE(remote_ip, ''), ips_quantile_1h, reqs_quantile_1h, created_at
		FROM validation_events
		WHERE ja4 = $1 AND created_at >= $2 AND ephemeral_id IS NOT NULL
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, ja4, since)
	if err != nil {
		return nil, fmt.Errorf("list ja4 observations: %w", err)
	}
	defer rows.Close()

	var out []JA4Observation
	for rows.Next() {
		var (
			obs     JA4Observation
			avgIPs  sql.NullFloat64
			avgReqs sql.NullFloat64
		)
		if err := rows.Scan(&obs.EphemeralID, &obs.RemoteIP, &avgIPs, &avgReqs, &obs.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ja4 observation: %w", err)
		}
		if avgIPs.Valid {
			v := avgIPs.Float64
			obs.IPsQuantile = &v
		}
		if avgReqs.Valid {
			v := avgReqs.Float64
			obs.ReqsQuantile = &v
		}
		out = append(out, obs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ja4 observations rows: %w", err)
	}
	return out, nil
}
