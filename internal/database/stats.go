package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Stats is the aggregate view served by the operator stats endpoint.
type Stats struct {
	WindowStart       time.Time            `json:"windowStart"`
	Submissions       int                  `json:"submissions"`
	ValidationEvents  int                  `json:"validationEvents"`
	ValidationBlocked int                  `json:"validationBlocked"`
	FraudBlocks       int                  `json:"fraudBlocks"`
	AverageRiskScore  float64              `json:"averageRiskScore"`
	TopDetectionTypes []DetectionTypeCount `json:"topDetectionTypes"`
}

// DetectionTypeCount pairs a detection type with how often it blocked.
type DetectionTypeCount struct {
	DetectionType string `json:"detectionType"`
	Count         int    `json:"count"`
}

// GetStats aggregates submission and verification activity since the window
// start.
func (s *Store) GetStats(ctx context.Context, since time.Time) (*Stats, error) {
	st := &Stats{WindowStart: since}

	const counts = `
		SELECT
			(SELECT COUNT(*) FROM submissions WHERE created_at >= $1),
			(SELECT COUNT(*) FROM validation_events WHERE created_at >= $1),
			(SELECT COUNT(*) FROM validation_events WHERE created_at >= $1 AND NOT allowed),
			(SELECT COUNT(*) FROM fraud_blocks WHERE created_at >= $1),
			(SELECT COALESCE(AVG(risk_score), 0) FROM validation_events WHERE created_at >= $1)`
	err := s.db.QueryRowContext(ctx, counts, since).Scan(
		&st.Submissions, &st.ValidationEvents, &st.ValidationBlocked,
		&st.FraudBlocks, &st.AverageRiskScore,
	)
	if err != nil {
		return nil, fmt.Errorf("stats counts: %w", err)
	}

	const top = `
		SELECT detection_type, COUNT(*)
		FROM validation_events
		WHERE created_at >= $1 AND detection_type IS NOT NULL AND NOT allowed
		GROUP BY detection_type
		ORDER BY COUNT(*) DESC
		LIMIT 10`
	rows, err := s.db.QueryContext(ctx, top, since)
	if err != nil {
		return nil, fmt.Errorf("stats detection types: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			dt sql.NullString
			n  int
		)
		if err := rows.Scan(&dt, &n); err != nil {
			return nil, fmt.Errorf("stats detection types scan: %w", err)
		}
		st.TopDetectionTypes = append(st.TopDetectionTypes, DetectionTypeCount{
			DetectionType: strOrEmpty(dt),
			Count:         n,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stats detection types rows: %w", err)
	}
	return st, nil
}
