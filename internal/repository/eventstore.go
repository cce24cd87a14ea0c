package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
)

// ErrVersionConflict means another appender took the version we computed;
// the service retries with a fresh read.
var ErrVersionConflict = errors.New("event store: version conflict")

// EventStoreRepository is the append-only persistence of domain events.
// There are deliberately no update or delete methods.
type EventStoreRepository interface {
	// WithTx runs fn inside a transaction. Callers use it to commit an
	// append together with other writes, typically an outbox enqueue.
	WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error

	// Insert writes one event; a duplicate (aggregate_id, aggregate_type,
	// version) maps to ErrVersionConflict. tx may be nil for standalone
	// appends.
	Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error

	LastVersion(ctx context.Context, tx *sqlx.Tx, aggregateID, aggregateType string) (int, error)
	ListByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]model.EventRecord, error)

	// ListByTimeRange returns events ordered by occurred_at; eventTypes
	// filters when non-empty.
	ListByTimeRange(ctx context.Context, start, end time.Time, eventTypes []string) ([]model.EventRecord, error)
}

type EventStoreRepositoryImpl struct {
	db *sqlx.DB
}

func NewEventStoreRepository(db *sqlx.DB) *EventStoreRepositoryImpl {
	return &EventStoreRepositoryImpl{db: db}
}

type eventRow struct {
	ID            string          `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"`
	EventType     string          `db:"event_type"`
	Version       int             `db:"version"`
	EventData     json.RawMessage `db:"event_data"`
	Metadata      []byte          `db:"metadata"`
	OccurredAt    time.Time       `db:"occurred_at"`
}

func (row eventRow) toModel() (model.EventRecord, error) {
	rec := model.EventRecord{
		ID:            row.ID,
		AggregateID:   row.AggregateID,
		AggregateType: row.AggregateType,
		EventType:     row.EventType,
		Version:       row.Version,
		EventData:     row.EventData,
		OccurredAt:    row.OccurredAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &rec.Metadata); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

const eventColumns = `id, aggregate_id, aggregate_type, event_type, version, event_data, metadata, occurred_at`

func (r *EventStoreRepositoryImpl) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return runInTx(ctx, r.db, nil, fn)
}

func (r *EventStoreRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO event_store
		    (id, aggregate_id, aggregate_type, event_type, version, event_data, metadata, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	err = runInTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			rec.ID, rec.AggregateID, rec.AggregateType, rec.EventType,
			rec.Version, []byte(rec.EventData), meta, rec.OccurredAt)
		return err
	})

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return ErrVersionConflict
	}
	return err
}

func (r *EventStoreRepositoryImpl) LastVersion(ctx context.Context, tx *sqlx.Tx, aggregateID, aggregateType string) (int, error) {
	const q = `
		SELECT COALESCE(MAX(version), 0)
		FROM event_store
		WHERE aggregate_id = ? AND aggregate_type = ?
	`
	var v int
	var err error
	if tx != nil {
		err = tx.GetContext(ctx, &v, q, aggregateID, aggregateType)
	} else {
		err = r.db.GetContext(ctx, &v, q, aggregateID, aggregateType)
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (r *EventStoreRepositoryImpl) ListByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]model.EventRecord, error) {
	const q = `
		SELECT ` + eventColumns + `
		FROM event_store
		WHERE aggregate_id = ? AND aggregate_type = ?
		ORDER BY version ASC
	`
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, q, aggregateID, aggregateType); err != nil {
		return nil, err
	}
	return rowsToModels(rows)
}

func (r *EventStoreRepositoryImpl) ListByTimeRange(ctx context.Context, start, end time.Time, eventTypes []string) ([]model.EventRecord, error) {
	q := `
		SELECT ` + eventColumns + `
		FROM event_store
		WHERE occurred_at BETWEEN ? AND ?
	`
	args := []any{start, end}

	if len(eventTypes) > 0 {
		in, inArgs, err := sqlx.In(`event_type IN (?)`, eventTypes)
		if err != nil {
			return nil, err
		}
		q += ` AND ` + in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY occurred_at ASC`
	q = r.db.Rebind(q)

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []eventRow) ([]model.EventRecord, error) {
	out := make([]model.EventRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
