package database

import (
	"context"
	"fmt"
	"time"
)

// InsertFraudBlock persists a rejection that happened before CAPTCHA
// verification, so blocked traffic stays visible without a submission row.
func (s *Store) InsertFraudBlock(ctx context.Context, fb *FraudBlock) (int64, error) {
	const q = `
		INSERT INTO fraud_blocks (
			erfid, email, remote_ip, block_reason, detection_type,
			risk_score, risk_breakdown, metadata, testing_bypass
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id, created_at`

	err := s.db.QueryRowContext(ctx, q,
		fb.Erfid, nullStr(fb.Email), nullStr(fb.RemoteIP),
		fb.BlockReason, nullStr(fb.DetectionType),
		fb.RiskScore, nullRaw(fb.RiskBreakdown), nullRaw(fb.Metadata),
		fb.TestingBypass,
	).Scan(&fb.ID, &fb.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert fraud block: %w", err)
	}
	return fb.ID, nil
}

// CountFraudBlocksSince reports how many pre-verification rejections were
// recorded since the window start. Feeds the stats endpoint.
func (s *Store) CountFraudBlocksSince(ctx context.Context, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM fraud_blocks WHERE created_at >= $1`
	var n int
	if err := s.db.QueryRowContext(ctx, q, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fraud blocks: %w", err)
	}
	return n, nil
}
