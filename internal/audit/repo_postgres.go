package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresSchema creates the audit_events table. Safe to run on every start.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
  id            TEXT PRIMARY KEY,
  call_id       TEXT NOT NULL,
  type          TEXT NOT NULL,
  actor_user_id TEXT NOT NULL DEFAULT '',
  actor_role    TEXT NOT NULL DEFAULT '',
  ip_address    TEXT NOT NULL DEFAULT '',
  message       TEXT NOT NULL DEFAULT '',
  metadata      JSONB,
  created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_call_id ON audit_events (call_id, created_at);`

// PostgresRepo appends audit events to Postgres.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, call_id, type, actor_user_id, actor_role, ip_address, message, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,'')::jsonb,$9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}
