package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertSubmission persists an accepted registration and returns its id.
// A unique-index rejection on email surfaces as ErrDuplicateEmail.
func (s *Store) InsertSubmission(ctx context.Context, sub *Submission) (int64, error) {
	const q = `
		INSERT INTO submissions (
			erfid, first_name, last_name, email, phone, address,
			date_of_birth, raw_payload, metadata, ephemeral_id,
			risk_breakdown, email_signals, testing_bypass,
			remote_ip, ja4, header_fingerprint, tls_client_extensions_sha1, asn
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		RETURNING id, created_at`

	var asn sql.NullInt64
	if sub.ASN != nil {
		asn = sql.NullInt64{Int64: int64(*sub.ASN), Valid: true}
	}

	err := s.db.QueryRowContext(ctx, q,
		sub.Erfid, sub.FirstName, sub.LastName, sub.Email,
		nullStr(sub.Phone), nullRaw(sub.Address), nullStr(sub.DateOfBirth),
		nullRaw(sub.RawPayload), nullRaw(sub.Metadata), nullStr(sub.EphemeralID),
		nullRaw(sub.RiskBreakdown), nullRaw(sub.EmailSignals), sub.TestingBypass,
		sub.RemoteIP, nullStr(sub.JA4), nullStr(sub.HeaderFingerprint),
		nullStr(sub.TLSClientExtensionsSHA1), asn,
	).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEmail
		}
		return 0, fmt.Errorf("insert submission: %w", err)
	}
	return sub.ID, nil
}

// FindSubmissionByEmail returns the earliest submission for an email, or
// (nil, nil) when none exists. Testing-bypass rows are invisible here so
// smoke traffic never trips the duplicate rule for real users.
func (s *Store) FindSubmissionByEmail(ctx context.Context, email string) (*Submission, error) {
	const q = `
		SELECT id, erfid, email, ephemeral_id, remote_ip, created_at
		FROM submissions
		WHERE email = $1 AND NOT testing_bypass
		ORDER BY created_at ASC
		LIMIT 1`

	var (
		sub Submission
		eid sql.NullString
	)
	err := s.db.QueryRowContext(ctx, q, email).Scan(
		&sub.ID, &sub.Erfid, &sub.Email, &eid, &sub.RemoteIP, &sub.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find submission by email: %w", err)
	}
	sub.EphemeralID = strOrEmpty(eid)
	return &sub, nil
}

// CountSubmissionsByEphemeralID counts accepted submissions attributed to an
// ephemeral id since the window start.
func (s *Store) CountSubmissionsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM submissions
		WHERE ephemeral_id = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ephemeralID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions by ephemeral id: %w", err)
	}
	return n, nil
}

// CountDistinctIPsByEphemeralID counts the distinct source addresses an
// ephemeral id has submitted from since the window start.
func (s *Store) CountDistinctIPsByEphemeralID(ctx context.Context, ephemeralID string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(DISTINCT remote_ip) FROM submissions
		WHERE ephemeral_id = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ephemeralID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count distinct ips: %w", err)
	}
	return n, nil
}

// CountSubmissionsByIP counts accepted submissions from one source address
// since the window start.
func (s *Store) CountSubmissionsByIP(ctx context.Context, remoteIP string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM submissions
		WHERE remote_ip = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, remoteIP, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions by ip: %w", err)
	}
	return n, nil
}

// GetHeaderFingerprintStats aggregates reuse evidence for a header
// fingerprint: how many submissions carried it and across how many distinct
// addresses and JA4 hashes, since the window start.
func (s *Store) GetHeaderFingerprintStats(ctx context.Context, fingerprint string, since time.Time) (*HeaderFingerprintStats, error) {
	const q = `
		SELECT COUNT(*),
		       COUNT(DISTINCT remote_ip),
		       COUNT(DISTINCT ja4)
		FROM submissions
		WHERE header_fingerprint = $1 AND created_at >= $2`
	var st HeaderFingerprintStats
	err := s.db.QueryRowContext(ctx, q, fingerprint, since).Scan(
		&st.SubmissionCount, &st.DistinctIPs, &st.DistinctJA4s,
	)
	if err != nil {
		return nil, fmt.Errorf("header fingerprint stats: %w", err)
	}
	return &st, nil
}

// CountSubmissionsByJA4 counts submissions carrying a JA4 hash since the
// window start.
func (s *Store) CountSubmissionsByJA4(ctx context.Context, ja4 string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM submissions
		WHERE ja4 = $1 AND created_at >= $2`
	var n int
	if err := s.db.QueryRowContext(ctx, q, ja4, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions by ja4: %w", err)
	}
	return n, nil
}

// CountSubmissionsByTLSPair counts submissions sharing a (TLS extension
// hash, JA4) pair since the window start.
func (s *Store) CountSubmissionsByTLSPair(ctx context.Context, extHash, ja4 string, since time.Time) (int, error) {
	const q = `
		SELECT COUNT(*) FROM submissions
		WHERE tls_client_extensions_sha1 = $1 AND ja4 = $2 AND created_at >= $3`
	var n int
	if err := s.db.QueryRowContext(ctx, q, extHash, ja4, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count submissions by tls pair: %w", err)
	}
	return n, nil
}

// nullRaw maps empty JSON blobs to SQL NULL.
func nullRaw(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
