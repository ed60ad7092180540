package database

import (
	"context"
	"fmt"
)

// schema is idempotent: every statement tolerates re-runs so the server and
// the janitor can both call InitSchema at startup.
const schema = `
CREATE TABLE IF NOT EXISTS submissions (
	id                          BIGSERIAL PRIMARY KEY,
	erfid                       TEXT NOT NULL,
	first_name                  TEXT NOT NULL,
	last_name                   TEXT NOT NULL,
	email                       TEXT NOT NULL,
	phone                       TEXT,
	address                     JSONB,
	date_of_birth               TEXT,
	raw_payload                 JSONB,
	metadata                    JSONB,
	ephemeral_id                TEXT,
	risk_breakdown              JSONB,
	email_signals               JSONB,
	testing_bypass              BOOLEAN NOT NULL DEFAULT FALSE,
	remote_ip                   TEXT NOT NULL DEFAULT '0.0.0.0',
	ja4                         TEXT,
	header_fingerprint          TEXT,
	tls_client_extensions_sha1  TEXT,
	asn                         INTEGER,
	created_at                  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS submissions_email_unique
	ON submissions (email) WHERE NOT testing_bypass;
CREATE INDEX IF NOT EXISTS submissions_ephemeral_idx
	ON submissions (ephemeral_id, created_at);
CREATE INDEX IF NOT EXISTS submissions_ip_idx
	ON submissions (remote_ip, created_at);
CREATE INDEX IF NOT EXISTS submissions_header_fp_idx
	ON submissions (header_fingerprint, created_at);
CREATE INDEX IF NOT EXISTS submissions_tls_pair_idx
	ON submissions (tls_client_extensions_sha1, ja4, created_at);
CREATE INDEX IF NOT EXISTS submissions_ja4_idx
	ON submissions (ja4, created_at);

CREATE TABLE IF NOT EXISTS validation_events (
	id                BIGSERIAL PRIMARY KEY,
	token_hash        TEXT NOT NULL,
	success           BOOLEAN NOT NULL DEFAULT FALSE,
	allowed           BOOLEAN NOT NULL DEFAULT FALSE,
	block_reason      TEXT,
	challenge_ts      TEXT,
	hostname          TEXT,
	action            TEXT,
	ephemeral_id      TEXT,
	risk_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	risk_breakdown    JSONB,
	detection_type    TEXT,
	submission_id     BIGINT REFERENCES submissions(id) ON DELETE SET NULL,
	metadata          JSONB,
	erfid             TEXT,
	testing_bypass    BOOLEAN NOT NULL DEFAULT FALSE,
	remote_ip         TEXT,
	ja4               TEXT,
	ips_quantile_1h   DOUBLE PRECISION,
	reqs_quantile_1h  DOUBLE PRECISION,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS validation_events_token_hash_idx
	ON validation_events (token_hash);
CREATE INDEX IF NOT EXISTS validation_events_ephemeral_idx
	ON validation_events (ephemeral_id, created_at);
CREATE INDEX IF NOT EXISTS validation_events_ja4_idx
	ON validation_events (ja4, created_at);

CREATE TABLE IF NOT EXISTS fraud_blocks (
	id              BIGSERIAL PRIMARY KEY,
	erfid           TEXT NOT NULL,
	email           TEXT,
	remote_ip       TEXT,
	block_reason    TEXT NOT NULL,
	detection_type  TEXT,
	risk_score      DOUBLE PRECISION,
	risk_breakdown  JSONB,
	metadata        JSONB,
	testing_bypass  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS fraud_blocks_created_idx
	ON fraud_blocks (created_at);

CREATE TABLE IF NOT EXISTS fingerprint_baselines (
	fingerprint_type  TEXT NOT NULL,
	fingerprint_key   TEXT NOT NULL,
	ja4               TEXT NOT NULL DEFAULT 'ANY',
	asn               INTEGER NOT NULL DEFAULT -1,
	hit_count         BIGINT NOT NULL DEFAULT 1,
	last_seen         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (fingerprint_type, fingerprint_key, ja4, asn)
);

CREATE TABLE IF NOT EXISTS blocklist (
	id                BIGSERIAL PRIMARY KEY,
	email             TEXT,
	ephemeral_id      TEXT,
	remote_ip         TEXT,
	ja4               TEXT,
	block_reason      TEXT NOT NULL,
	confidence        TEXT NOT NULL DEFAULT 'medium',
	detection_type    TEXT,
	risk_score        DOUBLE PRECISION,
	risk_breakdown    JSONB,
	metadata          JSONB,
	erfid             TEXT,
	submission_count  BIGINT NOT NULL DEFAULT 1,
	blocked_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at        TIMESTAMPTZ NOT NULL,
	CHECK (expires_at > blocked_at),
	CHECK (email IS NOT NULL OR ephemeral_id IS NOT NULL
	       OR remote_ip IS NOT NULL OR ja4 IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS blocklist_email_idx
	ON blocklist (email) WHERE email IS NOT NULL;
CREATE INDEX IF NOT EXISTS blocklist_ephemeral_idx
	ON blocklist (ephemeral_id) WHERE ephemeral_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS blocklist_ip_idx
	ON blocklist (remote_ip) WHERE remote_ip IS NOT NULL;
CREATE INDEX IF NOT EXISTS blocklist_ja4_idx
	ON blocklist (ja4) WHERE ja4 IS NOT NULL;
CREATE INDEX IF NOT EXISTS blocklist_expires_idx
	ON blocklist (expires_at);
CREATE INDEX IF NOT EXISTS blocklist_blocked_at_idx
	ON blocklist (blocked_at);
`

// InitSchema creates every table and index the service uses.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	s.logger.Println("✅ Schema ready")
	return nil
}
