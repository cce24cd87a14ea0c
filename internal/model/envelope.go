package model

import "encoding/json"

// Envelope is the message body published to the broker by the outbox
// publisher and decoded by the consumer worker. ID doubles as the inbox
// dedup key on the consuming side.
type Envelope struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	TenantID  string          `json:"tenantId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}
