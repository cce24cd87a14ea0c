package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
)

// Producer is the broker side of the publisher. Publish must be safe for
// concurrent use; the kafka wrapper satisfies that.
type Producer interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Publisher drains unprocessed outbox rows to the broker on a fixed
// interval. Claimed rows are locked with SKIP LOCKED, so multiple instances
// can run the loop without double-publishing.
type Publisher struct {
	repo     repository.OutboxRepository
	producer Producer
	log      *zap.Logger

	Interval          time.Duration
	BatchSize         int
	MaxRetries        int
	RetentionDays     int
	RetentionInterval time.Duration
}

func NewPublisher(repo repository.OutboxRepository, producer Producer, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{
		repo:     repo,
		producer: producer,
		log:      log,

		Interval:          5 * time.Second,
		BatchSize:         100,
		MaxRetries:        5,
		RetentionDays:     30,
		RetentionInterval: 24 * time.Hour,
	}
}

// Run blocks until ctx is cancelled, publishing one batch per tick.
// A broker outage only fails the tick; the loop keeps going.
func (p *Publisher) Run(ctx context.Context) error {
	tick := time.NewTicker(p.Interval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := p.Tick(ctx); err != nil {
				p.log.Error("outbox tick failed", zap.Error(err))
			}
		}
	}
}

// Tick claims one batch and attempts each message exactly once. Successes
// are marked processed; failures get retry_count+1 and stay eligible until
// the ceiling. Returns how many messages were published.
func (p *Publisher) Tick(ctx context.Context) (int, error) {
	published := 0
	err := p.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		batch, err := p.repo.ClaimBatch(ctx, tx, p.BatchSize, p.MaxRetries)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		p.log.Debug("publishing outbox batch", zap.Int("count", len(batch)))

		for _, m := range batch {
			if err := p.publishOne(ctx, tx, m); err == nil {
				published++
			}
		}
		return nil
	})
	return published, err
}

func (p *Publisher) publishOne(ctx context.Context, tx *sqlx.Tx, m model.OutboxMessage) error {
	env := model.Envelope{
		ID:        m.ID,
		EventType: m.EventType,
		TenantID:  tenantFromPayload(m.Payload),
		Payload:   m.Payload,
	}
	body, err := json.Marshal(env)
	if err == nil {
		err = p.producer.Publish(ctx, m.EventType, body)
	}

	if err != nil {
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		p.log.Error("outbox publish failed",
			zap.String("id", m.ID),
			zap.String("event_type", m.EventType),
			zap.Int("retry_count", m.RetryCount+1),
			zap.Error(err))
		if rerr := p.repo.RecordFailure(ctx, tx, m.ID, err.Error()); rerr != nil {
			p.log.Error("outbox record failure", zap.String("id", m.ID), zap.Error(rerr))
		}
		return err
	}

	if err := p.repo.MarkProcessed(ctx, tx, m.ID); err != nil {
		p.log.Error("outbox mark processed", zap.String("id", m.ID), zap.Error(err))
		return err
	}
	metrics.OutboxPublished.WithLabelValues("published").Inc()
	return nil
}

// SweepRetention deletes processed rows older than the retention window.
func (p *Publisher) SweepRetention(ctx context.Context) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -p.RetentionDays)
	n, err := p.repo.DeleteProcessedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Info("outbox retention sweep", zap.Int64("deleted", n))
	}
	return n, nil
}

// RunRetention blocks until ctx is cancelled, sweeping once per interval.
func (p *Publisher) RunRetention(ctx context.Context) error {
	tick := time.NewTicker(p.RetentionInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := p.SweepRetention(ctx); err != nil {
				p.log.Error("outbox retention failed", zap.Error(err))
			}
		}
	}
}

func tenantFromPayload(payload json.RawMessage) string {
	var peek struct {
		TenantID string `json:"tenantId"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.TenantID
}
