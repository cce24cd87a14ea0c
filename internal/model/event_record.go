package model

import (
	"encoding/json"
	"time"
)

// EventMetadata carries the identifiers the upstream layers attach to an
// event. All of them are opaque strings here.
type EventMetadata struct {
	UserID        string `json:"userId,omitempty"`
	TenantID      string `json:"tenantId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// EventRecord is one entry of the append-only event store. version is
// monotonic per (aggregate_id, aggregate_type), gapless and starting at 1.
type EventRecord struct {
	ID            string
	AggregateID   string
	AggregateType string
	EventType     string
	Version       int
	EventData     json.RawMessage
	Metadata      EventMetadata
	OccurredAt    time.Time
}
