package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
)

// NotificationListener turns task events into user notifications pushed over
// a per-tenant redis channel. Replayed events are skipped: a replay must not
// notify anyone twice.
type NotificationListener struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewNotificationListener(rdb *redis.Client, log *zap.Logger) *NotificationListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotificationListener{rdb: rdb, log: log}
}

func (l *NotificationListener) Register(b *bus.Bus) {
	b.Subscribe("task.**", l.Handle)
}

type notification struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	TenantID  string          `json:"tenantId"`
	UserID    string          `json:"userId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

func (l *NotificationListener) Handle(ctx context.Context, evt bus.Event) error {
	if evt.Replay || evt.TenantID == "" {
		return nil
	}

	body, err := json.Marshal(notification{
		EventID:   evt.ID,
		EventType: evt.Type,
		TenantID:  evt.TenantID,
		UserID:    evt.UserID,
		Payload:   evt.Payload,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	if err := l.rdb.Publish(ctx, "notifications:"+evt.TenantID, body).Err(); err != nil {
		// notifications are best-effort; losing one must not fail the message
		l.log.Warn("publish notification",
			zap.String("event_id", evt.ID),
			zap.String("tenant_id", evt.TenantID),
			zap.Error(err))
	}
	return nil
}
