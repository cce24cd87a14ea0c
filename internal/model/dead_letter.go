package model

import (
	"encoding/json"
	"time"
)

// DeadLetter is the terminal record for a message that exhausted its retry
// budget. Resolution is always manual: a successful operator retry or an
// explicit resolve. Rows are never auto-revived.
type DeadLetter struct {
	ID                string          `db:"id"`
	OriginalMessageID string          `db:"original_message_id"`
	EventType         string          `db:"event_type"`
	Payload           json.RawMessage `db:"payload"`
	Source            string          `db:"source"`
	FailureReason     string          `db:"failure_reason"`
	AttemptCount      int             `db:"attempt_count"`
	FirstFailedAt     time.Time       `db:"first_failed_at"`
	LastFailedAt      time.Time       `db:"last_failed_at"`
	Resolved          bool            `db:"resolved"`
	ResolvedAt        *time.Time      `db:"resolved_at"`
	ResolvedBy        *string         `db:"resolved_by"`
	ResolutionNotes   *string         `db:"resolution_notes"`
}

// DLQStats is the operator-facing summary.
type DLQStats struct {
	Total       int64            `json:"total"`
	Resolved    int64            `json:"resolved"`
	Unresolved  int64            `json:"unresolved"`
	ByEventType map[string]int64 `json:"by_event_type"`
}
