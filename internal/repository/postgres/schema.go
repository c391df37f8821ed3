package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the assessment tables if they do not exist. The
// check constraints mirror the domain invariants so a write that slips
// past in-process validation still cannot persist an invalid row.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS assessments (
			assessment_id   TEXT PRIMARY KEY,
			state           TEXT NOT NULL CHECK (state IN ('pending','processing','completed','failed','cancelled')),
			version         INTEGER NOT NULL CHECK (version >= 1),
			progress        INTEGER NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
			message         TEXT NOT NULL DEFAULT '',
			priority        INTEGER NOT NULL DEFAULT 0 CHECK (priority >= 0),
			request_data    JSONB NOT NULL,
			credentials_enc TEXT NOT NULL DEFAULT '',
			result_data     JSONB,
			error_message   TEXT NOT NULL DEFAULT '',
			retry_count     INTEGER NOT NULL DEFAULT 0 CHECK (retry_count >= 0),
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL,
			completed_at    TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_assessments_state ON assessments(state);
		CREATE INDEX IF NOT EXISTS idx_assessments_created_at ON assessments(created_at);
		CREATE INDEX IF NOT EXISTS idx_assessments_server_name ON assessments((request_data->>'server_name'));

		CREATE TABLE IF NOT EXISTS audit_events (
			id            BIGSERIAL PRIMARY KEY,
			assessment_id TEXT NOT NULL,
			event_type    TEXT NOT NULL,
			actor         TEXT NOT NULL DEFAULT '',
			ts            TIMESTAMPTZ NOT NULL,
			detail        TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_audit_events_assessment ON audit_events(assessment_id);
		CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts);
	`
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("postgres: ensure schema: %w", err)
	}
	return nil
}
