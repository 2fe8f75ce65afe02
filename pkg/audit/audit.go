package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	EventID      string
	RequestID    int64
	FilePath     string
	ProcessID    int64
	ProcessName  string
	UserName     string
	Outcome      string
	Trigger      string
	Reason       string
	RegisteredAt time.Time
	ResolvedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO install_decisions
		(event_id, request_id, file_path, process_id, process_name, user_name, outcome, trigger, reason, registered_at, resolved_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (event_id) DO NOTHING
	`, rec.EventID, rec.RequestID, rec.FilePath, rec.ProcessID, rec.ProcessName, rec.UserName, rec.Outcome, rec.Trigger, nullIfEmpty(rec.Reason), rec.RegisteredAt, rec.ResolvedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, eventID string) (Record, error) {
	var (
		rec    Record
		reason *string
	)
	row := w.DB.QueryRow(ctx, `
		SELECT event_id, request_id, file_path, process_id, process_name, user_name, outcome, trigger, reason, registered_at, resolved_at
		FROM install_decisions WHERE event_id=$1
	`, eventID)
	if err := row.Scan(&rec.EventID, &rec.RequestID, &rec.FilePath, &rec.ProcessID, &rec.ProcessName, &rec.UserName, &rec.Outcome, &rec.Trigger, &reason, &rec.RegisteredAt, &rec.ResolvedAt); err != nil {
		return Record{}, err
	}
	if reason != nil {
		rec.Reason = *reason
	}
	return rec, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}
