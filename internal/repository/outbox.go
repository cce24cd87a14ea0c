package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
)

// OutboxRepository defines persistence methods for the outbox_messages table.
type OutboxRepository interface {
	// Enqueue writes a single outbox row. Callers pass their business
	// transaction so the event exists iff the domain write commits.
	Enqueue(ctx context.Context, tx *sqlx.Tx, m model.OutboxMessage) error

	// WithTx runs fn inside a transaction; the publisher uses it so a claimed
	// batch stays locked until its status updates commit.
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// ClaimBatch selects up to limit unprocessed rows below the retry ceiling,
	// oldest first, locked with SKIP LOCKED so concurrent publisher instances
	// never pick the same row.
	ClaimBatch(ctx context.Context, tx *sqlx.Tx, limit, maxRetries int) ([]model.OutboxMessage, error)

	MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string) error
	RecordFailure(ctx context.Context, tx *sqlx.Tx, id, errMsg string) error

	// ListExhausted returns unprocessed rows at or past the retry ceiling;
	// the sweeper escalates them to the DLQ.
	ListExhausted(ctx context.Context, maxRetries, limit int) ([]model.OutboxMessage, error)

	// DeleteProcessedBefore removes processed rows older than cutoff.
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

func (r *OutboxRepositoryImpl) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return runInTx(ctx, r.db, nil, fn)
}

func (r *OutboxRepositoryImpl) Enqueue(ctx context.Context, tx *sqlx.Tx, m model.OutboxMessage) error {
	const q = `
		INSERT INTO outbox_messages
		    (id, aggregate_id, aggregate_type, event_type, payload, processed, retry_count, created_at)
		VALUES
		    (?,  ?,            ?,              ?,          ?,       0,         0,           NOW())
	`
	return runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			m.ID, m.AggregateID, m.AggregateType, m.EventType, []byte(m.Payload))
		return err
	})
}

func (r *OutboxRepositoryImpl) ClaimBatch(ctx context.Context, tx *sqlx.Tx, limit, maxRetries int) ([]model.OutboxMessage, error) {
	const q = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       processed, processed_at, retry_count, ` + "`error`" + `, created_at
		FROM outbox_messages
		WHERE processed = 0 AND retry_count < ?
		ORDER BY created_at ASC
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var out []model.OutboxMessage
	if err := tx.SelectContext(ctx, &out, q, maxRetries, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string) error {
	const q = `UPDATE outbox_messages SET processed = 1, processed_at = NOW() WHERE id = ?`
	return runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, id)
		return err
	})
}

func (r *OutboxRepositoryImpl) RecordFailure(ctx context.Context, tx *sqlx.Tx, id, errMsg string) error {
	const q = "UPDATE outbox_messages SET retry_count = retry_count + 1, `error` = ? WHERE id = ?"
	return runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, errMsg, id)
		return err
	})
}

func (r *OutboxRepositoryImpl) ListExhausted(ctx context.Context, maxRetries, limit int) ([]model.OutboxMessage, error) {
	const q = `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       processed, processed_at, retry_count, ` + "`error`" + `, created_at
		FROM outbox_messages
		WHERE processed = 0 AND retry_count >= ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	var out []model.OutboxMessage
	if err := r.db.SelectContext(ctx, &out, q, maxRetries, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *OutboxRepositoryImpl) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM outbox_messages WHERE processed = 1 AND processed_at < ?`
	res, err := r.db.ExecContext(ctx, q, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
