package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callcore/internal/apperr"
	"callcore/pkg/utils"
)

// PostgresSchema creates the call_sessions table. Safe to run on every start.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS call_sessions (
  id                    TEXT PRIMARY KEY,
  owner_user_id         TEXT NOT NULL,
  counterpart_address   TEXT NOT NULL,
  provider_call_ref     TEXT NOT NULL DEFAULT '',
  state                 TEXT NOT NULL,
  requested_at          TIMESTAMPTZ NOT NULL,
  started_at            TIMESTAMPTZ,
  answered_at           TIMESTAMPTZ,
  ended_at              TIMESTAMPTZ,
  duration_seconds      INT NOT NULL DEFAULT 0 CHECK (duration_seconds >= 0),
  quality_score         DOUBLE PRECISION,
  provider_recording_id TEXT NOT NULL DEFAULT '',
  recording_ref         TEXT NOT NULL DEFAULT '',
  provider_event_seq    BIGINT NOT NULL DEFAULT 0,
  failure_reason        TEXT NOT NULL DEFAULT '',
  updated_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_sessions_requested_at ON call_sessions (requested_at);`

// PostgresRepo stores sessions in Postgres through database/sql (pgx stdlib driver).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

const sessionColumns = `id, owner_user_id, counterpart_address, provider_call_ref, state,
       requested_at, started_at, answered_at, ended_at, duration_seconds, quality_score,
       provider_recording_id, recording_ref, provider_event_seq, failure_reason, updated_at`

func (r *PostgresRepo) Get(ctx context.Context, callID string) (Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM call_sessions WHERE id = $1`
	s, err := scanSession(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, apperr.ErrNotFound
		}
		return Session{}, fmt.Errorf("calls: get %s: %w", callID, err)
	}
	return s, nil
}

func (r *PostgresRepo) Save(ctx context.Context, s Session) error {
	const q = `
INSERT INTO call_sessions (
  id, owner_user_id, counterpart_address, provider_call_ref, state,
  requested_at, started_at, answered_at, ended_at, duration_seconds, quality_score,
  provider_recording_id, recording_ref, provider_event_seq, failure_reason, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16
)
ON CONFLICT (id) DO UPDATE SET
  provider_call_ref     = EXCLUDED.provider_call_ref,
  state                 = EXCLUDED.state,
  started_at            = EXCLUDED.started_at,
  answered_at           = EXCLUDED.answered_at,
  ended_at              = EXCLUDED.ended_at,
  duration_seconds      = EXCLUDED.duration_seconds,
  quality_score         = EXCLUDED.quality_score,
  provider_recording_id = EXCLUDED.provider_recording_id,
  recording_ref         = EXCLUDED.recording_ref,
  provider_event_seq    = EXCLUDED.provider_event_seq,
  failure_reason        = EXCLUDED.failure_reason,
  updated_at            = EXCLUDED.updated_at
`
	_, err := r.db.ExecContext(ctx, q,
		s.ID,
		s.OwnerUserID,
		s.CounterpartAddress,
		s.ProviderCallRef,
		s.State,
		s.RequestedAt,
		nullTime(s.StartedAt),
		nullTime(s.AnsweredAt),
		nullTime(s.EndedAt),
		s.DurationSeconds,
		nullFloat(s.QualityScore),
		s.ProviderRecordingID,
		s.RecordingRef,
		s.ProviderEventSeq,
		s.FailureReason,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("calls: save %s: %w", s.ID, err)
	}
	return nil
}

// AppendRecording sets recording_ref once. A row that already carries a
// recording keeps it; another instance may have won the race.
func (r *PostgresRepo) AppendRecording(ctx context.Context, callID, ref string) error {
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT recording_ref FROM call_sessions WHERE id = $1 FOR UPDATE`, callID,
		).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("calls: lock %s for recording: %w", callID, err)
		}
		if current != "" {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE call_sessions SET recording_ref = $2, updated_at = $3 WHERE id = $1`,
			callID, ref, time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("calls: append recording %s: %w", callID, err)
		}
		return nil
	})
}

func (r *PostgresRepo) List(ctx context.Context, from, to time.Time) ([]Session, error) {
	const q = `SELECT ` + sessionColumns + `
FROM call_sessions
WHERE requested_at >= $1 AND requested_at < $2
ORDER BY requested_at`
	rows, err := r.db.QueryContext(ctx, q, from, to)
	if err != nil {
		return nil, fmt.Errorf("calls: list: %w", err)
	}
	defer rows.Close()

	out := make([]Session, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("calls: list scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s                        Session
		started, answered, ended sql.NullTime
		quality                  sql.NullFloat64
	)
	if err := row.Scan(
		&s.ID,
		&s.OwnerUserID,
		&s.CounterpartAddress,
		&s.ProviderCallRef,
		&s.State,
		&s.RequestedAt,
		&started,
		&answered,
		&ended,
		&s.DurationSeconds,
		&quality,
		&s.ProviderRecordingID,
		&s.RecordingRef,
		&s.ProviderEventSeq,
		&s.FailureReason,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}
	s.StartedAt = timePtr(started)
	s.AnsweredAt = timePtr(answered)
	s.EndedAt = timePtr(ended)
	if quality.Valid {
		q := quality.Float64
		s.QualityScore = &q
	}
	return s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
