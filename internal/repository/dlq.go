package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
)

// DLQRepository defines persistence for the dead_letters table.
type DLQRepository interface {
	// InsertIfAbsent adds a dead letter unless an unresolved row for the same
	// original_message_id already exists; in that case it refreshes
	// last_failed_at and attempt_count instead. Returns whether a new row was
	// created.
	InsertIfAbsent(ctx context.Context, d model.DeadLetter) (bool, error)

	Get(ctx context.Context, id string) (*model.DeadLetter, error)
	FindUnresolved(ctx context.Context, limit int) ([]model.DeadLetter, error)
	FindUnresolvedByEventType(ctx context.Context, eventType string) ([]model.DeadLetter, error)

	// MarkResolved is conditional on resolved = 0; resolving twice is a no-op.
	MarkResolved(ctx context.Context, id, userID, notes string) (bool, error)

	Stats(ctx context.Context) (*model.DLQStats, error)
}

type DLQRepositoryImpl struct {
	db *sqlx.DB
}

func NewDLQRepository(db *sqlx.DB) *DLQRepositoryImpl {
	return &DLQRepositoryImpl{db: db}
}

const deadLetterColumns = `id, original_message_id, event_type, payload, source, failure_reason,
	attempt_count, first_failed_at, last_failed_at, resolved, resolved_at, resolved_by, resolution_notes`

func (r *DLQRepositoryImpl) InsertIfAbsent(ctx context.Context, d model.DeadLetter) (bool, error) {
	const insertQ = `
		INSERT INTO dead_letters
		    (id, original_message_id, event_type, payload, source, failure_reason,
		     attempt_count, first_failed_at, last_failed_at, resolved)
		SELECT ?, ?, ?, ?, ?, ?, ?, NOW(), NOW(), 0
		FROM DUAL
		WHERE NOT EXISTS (
			SELECT 1 FROM dead_letters WHERE original_message_id = ? AND resolved = 0
		)
	`
	const touchQ = `
		UPDATE dead_letters
		SET last_failed_at = NOW(), attempt_count = ?, failure_reason = ?
		WHERE original_message_id = ? AND resolved = 0
	`

	var inserted bool
	err := runInTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, insertQ,
			d.ID, d.OriginalMessageID, d.EventType, []byte(d.Payload), d.Source,
			d.FailureReason, d.AttemptCount, d.OriginalMessageID)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			inserted = true
			return nil
		}
		_, err = tx.ExecContext(ctx, touchQ, d.AttemptCount, d.FailureReason, d.OriginalMessageID)
		return err
	})
	return inserted, err
}

func (r *DLQRepositoryImpl) Get(ctx context.Context, id string) (*model.DeadLetter, error) {
	var d model.DeadLetter
	err := r.db.GetContext(ctx, &d,
		`SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DLQRepositoryImpl) FindUnresolved(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	const q = `
		SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE resolved = 0
		ORDER BY last_failed_at DESC
		LIMIT ?
	`
	var out []model.DeadLetter
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DLQRepositoryImpl) FindUnresolvedByEventType(ctx context.Context, eventType string) ([]model.DeadLetter, error) {
	const q = `
		SELECT ` + deadLetterColumns + `
		FROM dead_letters
		WHERE resolved = 0 AND event_type = ?
		ORDER BY last_failed_at DESC
	`
	var out []model.DeadLetter
	if err := r.db.SelectContext(ctx, &out, q, eventType); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *DLQRepositoryImpl) MarkResolved(ctx context.Context, id, userID, notes string) (bool, error) {
	const q = `
		UPDATE dead_letters
		SET resolved = 1, resolved_at = NOW(), resolved_by = ?, resolution_notes = ?
		WHERE id = ? AND resolved = 0
	`
	res, err := r.db.ExecContext(ctx, q, userID, notes, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *DLQRepositoryImpl) Stats(ctx context.Context) (*model.DLQStats, error) {
	stats := &model.DLQStats{ByEventType: map[string]int64{}}

	if err := r.db.GetContext(ctx, &stats.Total,
		`SELECT COUNT(*) FROM dead_letters`); err != nil {
		return nil, err
	}
	if err := r.db.GetContext(ctx, &stats.Resolved,
		`SELECT COUNT(*) FROM dead_letters WHERE resolved = 1`); err != nil {
		return nil, err
	}
	stats.Unresolved = stats.Total - stats.Resolved

	rows, err := r.db.QueryxContext(ctx,
		`SELECT event_type, COUNT(*) FROM dead_letters WHERE resolved = 0 GROUP BY event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var et string
		var n int64
		if err := rows.Scan(&et, &n); err != nil {
			return nil, err
		}
		stats.ByEventType[et] = n
	}
	return stats, rows.Err()
}
