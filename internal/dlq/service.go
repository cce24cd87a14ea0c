package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/inbox"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// sweepLimit caps how many stuck rows one sweep inspects per table.
const sweepLimit = 500

const (
	sourceInbox  = "inbox"
	sourceOutbox = "outbox"
)

// InboxRetrier re-runs a stuck inbox message through the idempotency
// boundary; a successful run marks the inbox row processed.
type InboxRetrier interface {
	RetryMessage(ctx context.Context, messageID string) error
}

// RetryResult is returned to the operator instead of an error so a failed
// retry reads as an outcome, not a fault in the API itself.
type RetryResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Service owns the dead letter queue: the sweep that fills it and the
// operator actions that drain it. Nothing here retries automatically; a dead
// letter waits for a human.
type Service struct {
	repo       repository.DLQRepository
	inbox      InboxRetrier
	inboxRepo  repository.InboxRepository
	outboxRepo repository.OutboxRepository
	bus        *bus.Bus
	log        *zap.Logger

	MaxRetries    int
	SweepInterval time.Duration
}

func NewService(
	repo repository.DLQRepository,
	inboxSvc InboxRetrier,
	inboxRepo repository.InboxRepository,
	outboxRepo repository.OutboxRepository,
	b *bus.Bus,
	log *zap.Logger,
) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		inbox:      inboxSvc,
		inboxRepo:  inboxRepo,
		outboxRepo: outboxRepo,
		bus:        b,
		log:        log,

		MaxRetries:    5,
		SweepInterval: time.Hour,
	}
}

// AddToDeadLetter records a permanently failed message. A second failure of
// the same original message while an unresolved row exists only refreshes
// that row, so the queue never shows the same fault twice.
func (s *Service) AddToDeadLetter(
	ctx context.Context,
	originalMessageID, eventType string,
	payload json.RawMessage,
	source, reason string,
	attempts int,
) error {
	inserted, err := s.repo.InsertIfAbsent(ctx, model.DeadLetter{
		ID:                util.New(),
		OriginalMessageID: originalMessageID,
		EventType:         eventType,
		Payload:           payload,
		Source:            source,
		FailureReason:     reason,
		AttemptCount:      attempts,
	})
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if inserted {
		metrics.DeadLetters.Inc()
		s.log.Warn("message moved to dead letter queue",
			zap.String("original_message_id", originalMessageID),
			zap.String("event_type", eventType),
			zap.String("source", source),
			zap.Int("attempts", attempts))
	}
	return nil
}

// SweepStuck escalates messages that exhausted their retry budget: inbox
// rows at or past the ceiling and outbox rows the publisher gave up on.
// Returns how many escalations were recorded.
func (s *Service) SweepStuck(ctx context.Context) (int, error) {
	escalated := 0

	stuck, err := s.inboxRepo.GetStuck(ctx, sweepLimit)
	if err != nil {
		return escalated, fmt.Errorf("list stuck inbox: %w", err)
	}
	for _, m := range stuck {
		if m.RetryCount < s.MaxRetries {
			continue
		}
		reason := "retry budget exhausted"
		if m.Error != nil {
			reason = *m.Error
		}
		if err := s.AddToDeadLetter(ctx, m.MessageID, m.EventType, m.Payload, sourceInbox, reason, m.RetryCount); err != nil {
			s.log.Error("escalate inbox message", zap.String("message_id", m.MessageID), zap.Error(err))
			continue
		}
		escalated++
	}

	exhausted, err := s.outboxRepo.ListExhausted(ctx, s.MaxRetries, sweepLimit)
	if err != nil {
		return escalated, fmt.Errorf("list exhausted outbox: %w", err)
	}
	for _, m := range exhausted {
		reason := "publish retry budget exhausted"
		if m.Error != nil {
			reason = *m.Error
		}
		if err := s.AddToDeadLetter(ctx, m.ID, m.EventType, m.Payload, sourceOutbox, reason, m.RetryCount); err != nil {
			s.log.Error("escalate outbox message", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		escalated++
	}

	if escalated > 0 {
		s.log.Info("dead letter sweep", zap.Int("escalated", escalated))
	}
	return escalated, nil
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Service) Run(ctx context.Context) error {
	tick := time.NewTicker(s.SweepInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if _, err := s.SweepStuck(ctx); err != nil {
				s.log.Error("dead letter sweep failed", zap.Error(err))
			}
		}
	}
}

// RetryMessage re-delivers a dead letter through the path it fell out of.
// A successful retry resolves the row; a failed one leaves it untouched for
// the next attempt.
func (s *Service) RetryMessage(ctx context.Context, id, userID string) RetryResult {
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return RetryResult{Error: err.Error()}
	}
	if d == nil {
		return RetryResult{Error: fmt.Sprintf("dead letter %s not found", id)}
	}
	if d.Resolved {
		return RetryResult{Error: fmt.Sprintf("dead letter %s already resolved", id)}
	}

	if err := s.redeliver(ctx, d); err != nil {
		s.log.Warn("dead letter retry failed",
			zap.String("id", id),
			zap.String("event_type", d.EventType),
			zap.Error(err))
		return RetryResult{Error: err.Error()}
	}

	if _, err := s.repo.MarkResolved(ctx, id, userID, "resolved by successful retry"); err != nil {
		return RetryResult{Error: err.Error()}
	}
	s.log.Info("dead letter retried",
		zap.String("id", id),
		zap.String("event_type", d.EventType),
		zap.String("user_id", userID))
	return RetryResult{Success: true}
}

// redeliver routes an inbox letter back through the inbox, so the dedup row
// ends up processed and the next sweep no longer sees it. An outbox letter
// never reached the broker; it is dispatched locally and its row marked
// processed for the same reason.
func (s *Service) redeliver(ctx context.Context, d *model.DeadLetter) error {
	if d.Source == sourceInbox {
		err := s.inbox.RetryMessage(ctx, d.OriginalMessageID)
		if errors.Is(err, inbox.ErrAlreadyProcessed) {
			// someone else delivered it meanwhile; nothing left to do
			return nil
		}
		return err
	}

	evt := bus.Event{
		ID:      d.OriginalMessageID,
		Type:    d.EventType,
		Payload: d.Payload,
	}
	var peek struct {
		TenantID string `json:"tenantId"`
	}
	_ = json.Unmarshal(d.Payload, &peek)
	evt.TenantID = peek.TenantID

	if err := s.bus.Publish(ctx, evt); err != nil {
		return err
	}
	return s.outboxRepo.MarkProcessed(ctx, nil, d.OriginalMessageID)
}

// MarkAsResolved closes a dead letter without retrying it.
func (s *Service) MarkAsResolved(ctx context.Context, id, userID, notes string) (bool, error) {
	return s.repo.MarkResolved(ctx, id, userID, notes)
}

func (s *Service) FindUnresolved(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	return s.repo.FindUnresolved(ctx, limit)
}

func (s *Service) FindUnresolvedByEventType(ctx context.Context, eventType string) ([]model.DeadLetter, error) {
	return s.repo.FindUnresolvedByEventType(ctx, eventType)
}

func (s *Service) Stats(ctx context.Context) (*model.DLQStats, error) {
	return s.repo.Stats(ctx)
}
