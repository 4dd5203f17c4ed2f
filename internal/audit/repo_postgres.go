package audit

import (
	"context"
	"database/sql"
)

// Schema creates call_events when missing.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_events (
  id            uuid PRIMARY KEY,
  call_id       uuid NOT NULL,
  order_id      text,
  type          text NOT NULL,
  actor_user_id text,
  actor_role    text,
  message       text,
  metadata      jsonb,
  created_at    timestamptz NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_events_call_idx ON call_events (call_id, created_at)`,
}

// PostgresRepo appends to call_events. Rows are never updated.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (
  id, call_id, order_id, type, actor_user_id, actor_role, message, metadata, created_at
) VALUES (
  $1,$2,NULLIF($3,''),$4,NULLIF($5,''),NULLIF($6,''),NULLIF($7,''),NULLIF($8,'')::jsonb,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		e.OrderID,
		e.Type,
		e.ActorUserID,
		e.ActorRole,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
