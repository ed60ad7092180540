package database

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertFingerprintBaseline records one observation of a fingerprint
// combination, creating the row on first sight and bumping hit_count after.
func (s *Store) UpsertFingerprintBaseline(ctx context.Context, fpType, fpKey, ja4 string, asn int) error {
	if ja4 == "" {
		ja4 = BaselineAnyJA4
	}
	const q = `
		INSERT INTO fingerprint_baselines (fingerprint_type, fingerprint_key, ja4, asn)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint_type, fingerprint_key, ja4, asn)
		DO UPDATE SET hit_count = fingerprint_baselines.hit_count + 1,
		              last_seen = NOW()`
	if _, err := s.db.ExecContext(ctx, q, fpType, fpKey, ja4, asn); err != nil {
		return fmt.Errorf("upsert fingerprint baseline: %w", err)
	}
	return nil
}

// GetFingerprintBaseline fetches one baseline row, or (nil, nil) when the
// combination has never been observed.
func (s *Store) GetFingerprintBaseline(ctx context.Context, fpType, fpKey, ja4 string, asn int) (*FingerprintBaseline, error) {
	if ja4 == "" {
		ja4 = BaselineAnyJA4
	}
	const q = `
		SELECT fingerprint_type, fingerprint_key, ja4, asn, hit_count, last_seen
		FROM fingerprint_baselines
		WHERE fingerprint_type = $1 AND fingerprint_key = $2 AND ja4 = $3 AND asn = $4`

	var b FingerprintBaseline
	err := s.db.QueryRowContext(ctx, q, fpType, fpKey, ja4, asn).Scan(
		&b.FingerprintType, &b.FingerprintKey, &b.JA4, &b.ASN, &b.HitCount, &b.LastSeen,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get fingerprint baseline: %w", err)
	}
	return &b, nil
}
