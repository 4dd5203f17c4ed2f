package calls

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Repository is the durable call record store.
//
// Transition methods are single guarded statements: they apply only when the
// current status is one of the allowed sources and report whether they did.
// There is no read-then-write and no Delete.
type Repository interface {
	Create(ctx context.Context, r CallRecord) error
	MarkActive(ctx context.Context, callID string, at time.Time) (bool, error)
	Finish(ctx context.Context, callID string, f Finish) (bool, error)
	FindByID(ctx context.Context, callID string) (CallRecord, error)
	ListByOrder(ctx context.Context, orderID string, limit int) ([]CallRecord, error)
}

// Finish describes a terminal transition.
type Finish struct {
	Status          CallStatus
	Reason          EndReason
	DurationSeconds *int
	At              time.Time

	// From lists the statuses the record may currently be in.
	From []CallStatus
}

var ErrRecordNotFound = errors.New("calls: record not found")

// Schema creates call_records when missing. Applied at startup when
// DB_AUTO_MIGRATE is set; otherwise the table is owned by migrations elsewhere.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS call_records (
  id             uuid PRIMARY KEY,
  order_id       text NOT NULL,
  caller_id      text NOT NULL,
  caller_type    text NOT NULL,
  recipient_id   text NOT NULL,
  recipient_type text NOT NULL,
  status         text NOT NULL,
  answered_at    timestamptz,
  ended_at       timestamptz,
  duration       integer,
  end_reason     text,
  created_at     timestamptz NOT NULL,
  updated_at     timestamptz NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS call_records_order_created_idx ON call_records (order_id, created_at DESC)`,
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) Create(ctx context.Context, rec CallRecord) error {
	const q = `
INSERT INTO call_records (
  id, order_id, caller_id, caller_type, recipient_id, recipient_type, status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID,
		rec.OrderID,
		rec.CallerID,
		rec.CallerType,
		rec.RecipientID,
		rec.RecipientType,
		rec.Status,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) MarkActive(ctx context.Context, callID string, at time.Time) (bool, error) {
	const q = `
UPDATE call_records
SET status = $2, answered_at = $3, updated_at = $3
WHERE id = $1 AND status = $4
`
	res, err := r.db.ExecContext(ctx, q, callID, CallStatusActive, at, CallStatusInitiating)
	if err != nil {
		return false, err
	}
	return affected(res)
}

func (r *PostgresRepo) Finish(ctx context.Context, callID string, f Finish) (bool, error) {
	if len(f.From) == 0 {
		return false, ErrInvalidArgument
	}
	args := []any{callID, f.Status, nullReason(f.Reason), f.DurationSeconds, f.At}
	holders := make([]string, len(f.From))
	for i, st := range f.From {
		args = append(args, st)
		holders[i] = "$" + strconv.Itoa(len(args))
	}
	q := `
UPDATE call_records
SET status = $2, end_reason = $3, duration = $4, ended_at = $5, updated_at = $5
WHERE id = $1 AND status IN (` + strings.Join(holders, ",") + `)
`
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return affected(res)
}

const recordColumns = `id, order_id, caller_id, caller_type, recipient_id, recipient_type, status,
  answered_at, ended_at, duration, COALESCE(end_reason, ''), created_at, updated_at`

func (r *PostgresRepo) FindByID(ctx context.Context, callID string) (CallRecord, error) {
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE id = $1`
	rec, err := scanRecord(r.db.QueryRowContext(ctx, q, callID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CallRecord{}, ErrRecordNotFound
		}
		return CallRecord{}, err
	}
	return rec, nil
}

func (r *PostgresRepo) ListByOrder(ctx context.Context, orderID string, limit int) ([]CallRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + recordColumns + ` FROM call_records WHERE order_id = $1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, orderID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (CallRecord, error) {
	var (
		rec        CallRecord
		answeredAt sql.NullTime
		endedAt    sql.NullTime
		duration   sql.NullInt64
	)
	if err := s.Scan(
		&rec.ID,
		&rec.OrderID,
		&rec.CallerID,
		&rec.CallerType,
		&rec.RecipientID,
		&rec.RecipientType,
		&rec.Status,
		&answeredAt,
		&endedAt,
		&duration,
		&rec.EndReason,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return CallRecord{}, err
	}
	if answeredAt.Valid {
		t := answeredAt.Time
		rec.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		rec.DurationSeconds = &d
	}
	return rec, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullReason(r EndReason) any {
	if r == "" {
		return nil
	}
	return string(r)
}
