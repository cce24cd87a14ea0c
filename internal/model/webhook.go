package model

import (
	"encoding/json"
	"time"
)

// Webhook is a tenant-registered endpoint subscribed to event-type patterns
// (exact types, "task.*" style segment wildcards, or "*" for everything).
type Webhook struct {
	ID            string
	TenantID      string
	URL           string
	Events        []string
	Secret        string
	IsActive      bool
	FailureCount  int
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	CreatedAt     time.Time
}

// WebhookDelivery is one delivery attempt. Rows are an append-only audit
// trail; retries create no new rows, they bump retry_count on the original.
type WebhookDelivery struct {
	ID         string          `db:"id"`
	WebhookID  string          `db:"webhook_id"`
	TenantID   string          `db:"tenant_id"`
	EventType  string          `db:"event_type"`
	Payload    json.RawMessage `db:"payload"`
	StatusCode *int            `db:"status_code"`
	Response   *string         `db:"response"`
	Error      *string         `db:"error"`
	Success    bool            `db:"success"`
	DurationMs int64           `db:"duration_ms"`
	RetryCount int             `db:"retry_count"`
	CreatedAt  time.Time       `db:"created_at"`
}
