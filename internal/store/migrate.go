package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied in order inside one transaction. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		role       TEXT NOT NULL CHECK (role IN ('student', 'faculty', 'admin')),
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS session_tokens (
		id         TEXT PRIMARY KEY,
		issuer_id  TEXT NOT NULL,
		subject    TEXT NOT NULL,
		room       TEXT NOT NULL,
		issued_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		nonce      TEXT NOT NULL,
		revoked_at TIMESTAMPTZ,
		revoked_by TEXT,
		CHECK (expires_at > issued_at)
	)`,
	`CREATE INDEX IF NOT EXISTS session_tokens_issuer_idx ON session_tokens (issuer_id, issued_at DESC)`,
	`CREATE TABLE IF NOT EXISTS face_templates (
		user_id       TEXT PRIMARY KEY,
		reference     TEXT NOT NULL DEFAULT '',
		embedding     BYTEA,
		registered_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS proxy_permissions (
		user_id                TEXT PRIMARY KEY,
		allow_proxy_attendance BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at             TIMESTAMPTZ NOT NULL,
		updated_by             TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS geofence_config (
		id         SMALLINT PRIMARY KEY CHECK (id = 1),
		center_lat DOUBLE PRECISION NOT NULL,
		center_lng DOUBLE PRECISION NOT NULL,
		radius_m   DOUBLE PRECISION NOT NULL CHECK (radius_m > 0),
		version    BIGINT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS attendance_records (
		id                  TEXT PRIMARY KEY,
		user_id             TEXT NOT NULL,
		session_token_id    TEXT NOT NULL,
		actor_id            TEXT NOT NULL,
		check_in_at         TIMESTAMPTZ NOT NULL,
		check_out_at        TIMESTAMPTZ,
		geofence_distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
		checkout_distance_m DOUBLE PRECISION,
		face_score          DOUBLE PRECISION,
		status              TEXT NOT NULL CHECK (status IN ('pending', 'present', 'rejected', 'checked_out')),
		reason              TEXT NOT NULL DEFAULT '',
		detail              TEXT NOT NULL DEFAULT '',
		proxy_user_id       TEXT,
		proxy_reason        TEXT,
		proxy_approved_at   TIMESTAMPTZ
	)`,
	// at most one admitted record per user and session; rejected attempts are unbounded
	`CREATE UNIQUE INDEX IF NOT EXISTS attendance_records_active_uniq
		ON attendance_records (user_id, session_token_id) WHERE status <> 'rejected'`,
	`CREATE INDEX IF NOT EXISTS attendance_records_session_idx ON attendance_records (session_token_id, check_in_at)`,
	`CREATE TABLE IF NOT EXISTS admission_audit (
		id               TEXT PRIMARY KEY,
		operation        TEXT NOT NULL,
		flow             TEXT NOT NULL,
		outcome          TEXT NOT NULL,
		reason           TEXT NOT NULL DEFAULT '',
		detail           TEXT NOT NULL DEFAULT '',
		record_id        TEXT NOT NULL DEFAULT '',
		user_id          TEXT NOT NULL,
		actor_id         TEXT NOT NULL,
		session_token_id TEXT NOT NULL,
		distance_m       DOUBLE PRECISION NOT NULL DEFAULT 0,
		face_score       DOUBLE PRECISION,
		occurred_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS admission_audit_session_idx ON admission_audit (session_token_id, occurred_at)`,
}

// Migrate creates or updates the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	return RunInTx(ctx, db, nil, func(ctx context.Context, tx DBTX) error {
		// serialise concurrent migrations from several replicas
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(727001)`); err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		for i, stmt := range schema {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration step %d: %w", i, err)
			}
		}
		return nil
	})
}
