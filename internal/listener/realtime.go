package listener

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
)

// RealtimeListener mirrors every tenant event onto a redis pub/sub channel
// consumed by the websocket gateways. The event goes out as-is; clients see
// the same envelope shape the bus carries.
type RealtimeListener struct {
	rdb *redis.Client
	log *zap.Logger
}

func NewRealtimeListener(rdb *redis.Client, log *zap.Logger) *RealtimeListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &RealtimeListener{rdb: rdb, log: log}
}

func (l *RealtimeListener) Register(b *bus.Bus) {
	b.Subscribe("**", l.Handle)
}

func (l *RealtimeListener) Handle(ctx context.Context, evt bus.Event) error {
	if evt.TenantID == "" {
		return nil
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	if err := l.rdb.Publish(ctx, "realtime:"+evt.TenantID, body).Err(); err != nil {
		l.log.Warn("publish realtime event",
			zap.String("event_id", evt.ID),
			zap.String("tenant_id", evt.TenantID),
			zap.Error(err))
	}
	return nil
}
