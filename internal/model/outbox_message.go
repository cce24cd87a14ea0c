package model

import (
	"encoding/json"
	"time"
)

// OutboxMessage is a row in the outbox_messages table. It is written in the
// same transaction as the domain change that produced the event, and mutated
// only by the publisher loop afterwards.
type OutboxMessage struct {
	ID            string          `db:"id"`
	AggregateID   string          `db:"aggregate_id"`
	AggregateType string          `db:"aggregate_type"` // e.g. "task"
	EventType     string          `db:"event_type"`     // e.g. "task.created"
	Payload       json.RawMessage `db:"payload"`
	Processed     bool            `db:"processed"`
	ProcessedAt   *time.Time      `db:"processed_at"`
	RetryCount    int             `db:"retry_count"`
	Error         *string         `db:"error"`
	CreatedAt     time.Time       `db:"created_at"`
}
