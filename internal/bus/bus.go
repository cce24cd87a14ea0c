package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is what flows through the in-process bus: inbox-delivered broker
// messages, direct in-process emissions, and event-store replays. Replayed
// events carry Replay=true so handlers can skip non-idempotent side effects.
type Event struct {
	ID              string          `json:"id"`
	Type            string          `json:"eventType"`
	TenantID        string          `json:"tenantId,omitempty"`
	UserID          string          `json:"userId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Replay          bool            `json:"replay,omitempty"`
	OriginalEventID string          `json:"originalEventId,omitempty"`
	ReplayedAt      *time.Time      `json:"replayedAt,omitempty"`
}

// Handler processes one event. An error makes Publish fail, which is how the
// inbox retry path learns about handler failures.
type Handler func(ctx context.Context, evt Event) error

type subscription struct {
	pattern string
	handler Handler
}

// Bus is an explicit subscription registry. It is constructed at startup and
// passed by reference; there is no package-level instance.
type Bus struct {
	mu   sync.RWMutex
	subs []subscription
	log  *zap.Logger
}

func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{log: log}
}

// Subscribe registers a handler for an event-type pattern. Handlers run in
// registration order on Publish.
func (b *Bus) Subscribe(pattern string, h Handler) {
	b.mu.Lock()
	b.subs = append(b.subs, subscription{pattern: pattern, handler: h})
	b.mu.Unlock()
}

// Publish invokes every matching handler in registration order. All handlers
// run even if an earlier one fails; the errors are joined.
func (b *Bus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if !Match(s.pattern, evt.Type) {
			continue
		}
		if err := s.handler(ctx, evt); err != nil {
			b.log.Error("bus handler failed",
				zap.String("pattern", s.pattern),
				zap.String("event_type", evt.Type),
				zap.Error(err))
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Match reports whether a dot-delimited event type matches a pattern.
// Matching is segment-by-segment: "*" matches exactly one segment, "**"
// matches any remainder (including none). "task.*" matches "task.created"
// but not "task.status.changed"; "task.**" matches both.
func Match(pattern, eventType string) bool {
	return matchSegments(strings.Split(pattern, "."), strings.Split(eventType, "."))
}

func matchSegments(pat, typ []string) bool {
	if len(pat) == 0 {
		return len(typ) == 0
	}
	if pat[0] == "**" {
		// consume zero or more segments
		for i := 0; i <= len(typ); i++ {
			if matchSegments(pat[1:], typ[i:]) {
				return true
			}
		}
		return false
	}
	if len(typ) == 0 {
		return false
	}
	if pat[0] != "*" && pat[0] != typ[0] {
		return false
	}
	return matchSegments(pat[1:], typ[1:])
}
