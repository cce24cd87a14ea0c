package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
)

// InboxRepository defines persistence for the inbox_messages table.
//
// The unique key on message_id plus GetForUpdate's row lock are what make the
// inbox an idempotency boundary: a concurrent delivery of the same message
// blocks on the lock and then observes processed = 1.
type InboxRepository interface {
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// InsertIfAbsent creates the dedup row; a duplicate message_id is a no-op.
	InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, m model.InboxMessage) error

	// GetForUpdate loads the row by message_id holding a row lock until the
	// surrounding transaction ends.
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, messageID string) (*model.InboxMessage, error)

	// MarkProcessed flips processed 0 -> 1; returns false when another
	// processor already won.
	MarkProcessed(ctx context.Context, tx *sqlx.Tx, messageID, processedBy string) (bool, error)

	RecordFailure(ctx context.Context, tx *sqlx.Tx, messageID, errMsg string) error

	Get(ctx context.Context, messageID string) (*model.InboxMessage, error)
	GetStuck(ctx context.Context, limit int) ([]model.InboxMessage, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type InboxRepositoryImpl struct {
	db *sqlx.DB
}

func NewInboxRepository(db *sqlx.DB) *InboxRepositoryImpl {
	return &InboxRepositoryImpl{db: db}
}

func (r *InboxRepositoryImpl) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return runInTx(ctx, r.db, nil, fn)
}

func (r *InboxRepositoryImpl) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, m model.InboxMessage) error {
	const q = `
		INSERT INTO inbox_messages
		    (id, message_id, event_type, payload, source, processed, retry_count, expires_at, created_at)
		VALUES
		    (?,  ?,          ?,          ?,       ?,      0,         0,           ?,          NOW())
		ON DUPLICATE KEY UPDATE id = id
	`
	return runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			m.ID, m.MessageID, m.EventType, []byte(m.Payload), m.Source, m.ExpiresAt)
		return err
	})
}

const inboxColumns = "id, message_id, event_type, payload, source, processed, processed_at, processed_by, retry_count, `error`, expires_at, created_at"

func (r *InboxRepositoryImpl) GetForUpdate(ctx context.Context, tx *sqlx.Tx, messageID string) (*model.InboxMessage, error) {
	var m model.InboxMessage
	err := tx.GetContext(ctx, &m,
		`SELECT `+inboxColumns+` FROM inbox_messages WHERE message_id = ? FOR UPDATE`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *InboxRepositoryImpl) MarkProcessed(ctx context.Context, tx *sqlx.Tx, messageID, processedBy string) (bool, error) {
	const q = `
		UPDATE inbox_messages
		SET processed = 1, processed_at = NOW(), processed_by = ?
		WHERE message_id = ? AND processed = 0
	`
	var affected int64
	err := runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, processedBy, messageID)
		if err != nil {
			return err
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected > 0, err
}

func (r *InboxRepositoryImpl) RecordFailure(ctx context.Context, tx *sqlx.Tx, messageID, errMsg string) error {
	const q = "UPDATE inbox_messages SET retry_count = retry_count + 1, `error` = ? WHERE message_id = ?"
	return runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q, errMsg, messageID)
		return err
	})
}

func (r *InboxRepositoryImpl) Get(ctx context.Context, messageID string) (*model.InboxMessage, error) {
	var m model.InboxMessage
	err := r.db.GetContext(ctx, &m,
		`SELECT `+inboxColumns+` FROM inbox_messages WHERE message_id = ?`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *InboxRepositoryImpl) GetStuck(ctx context.Context, limit int) ([]model.InboxMessage, error) {
	const q = `
		SELECT ` + inboxColumns + `
		FROM inbox_messages
		WHERE processed = 0
		ORDER BY created_at ASC
		LIMIT ?
	`
	var out []model.InboxMessage
	if err := r.db.SelectContext(ctx, &out, q, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *InboxRepositoryImpl) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM inbox_messages WHERE processed = 1 AND expires_at < NOW()`
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
