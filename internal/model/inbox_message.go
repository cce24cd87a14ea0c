package model

import (
	"encoding/json"
	"time"
)

// InboxMessage is the dedup record for a broker-delivered message.
// message_id is the external correlation key and is unique: a redelivery of a
// processed message must be detected here and never reach the handler again.
type InboxMessage struct {
	ID          string          `db:"id"`
	MessageID   string          `db:"message_id"`
	EventType   string          `db:"event_type"`
	Payload     json.RawMessage `db:"payload"`
	Source      string          `db:"source"` // transport name, e.g. "kafka"
	Processed   bool            `db:"processed"`
	ProcessedAt *time.Time      `db:"processed_at"`
	ProcessedBy *string         `db:"processed_by"`
	RetryCount  int             `db:"retry_count"`
	Error       *string         `db:"error"`
	ExpiresAt   time.Time       `db:"expires_at"`
	CreatedAt   time.Time       `db:"created_at"`
}
