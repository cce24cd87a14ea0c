package listener

import (
	"context"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
)

// AuditListener writes one structured log line per event. It subscribes to
// everything, replays included, so the log is a complete trace of what moved
// through the bus.
type AuditListener struct {
	log *zap.Logger
}

func NewAuditListener(log *zap.Logger) *AuditListener {
	if log == nil {
		log = zap.NewNop()
	}
	return &AuditListener{log: log}
}

func (l *AuditListener) Register(b *bus.Bus) {
	b.Subscribe("**", l.Handle)
}

func (l *AuditListener) Handle(ctx context.Context, evt bus.Event) error {
	fields := []zap.Field{
		zap.String("event_id", evt.ID),
		zap.String("event_type", evt.Type),
		zap.String("tenant_id", evt.TenantID),
	}
	if evt.UserID != "" {
		fields = append(fields, zap.String("user_id", evt.UserID))
	}
	if evt.Replay {
		fields = append(fields,
			zap.Bool("replay", true),
			zap.String("original_event_id", evt.OriginalEventID))
	}
	l.log.Info("event", fields...)
	return nil
}
