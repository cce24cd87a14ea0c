package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// ErrAlreadyProcessed is returned by RetryMessage when the target message
// went through the pipeline already.
var ErrAlreadyProcessed = errors.New("inbox: message already processed")

// Service is the consuming-side idempotency boundary. Every broker delivery
// goes through ProcessMessage, which guarantees the bus sees a given message
// id at most once no matter how often the broker redelivers it.
type Service struct {
	repo repository.InboxRepository
	bus  *bus.Bus
	log  *zap.Logger

	TTLDays     int
	processedBy string
}

func NewService(repo repository.InboxRepository, b *bus.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return &Service{
		repo:        repo,
		bus:         b,
		log:         log,
		TTLDays:     7,
		processedBy: host,
	}
}

// ProcessMessage records the delivery and, if this is the first time the
// message id is seen, dispatches it on the bus. Returns true when this call
// did the processing, false for a duplicate.
//
// The dedup row is locked FOR UPDATE for the whole handler run, so a
// concurrent redelivery blocks until this transaction ends and then observes
// processed = 1. A handler failure commits retry_count+1 while the error
// still propagates to the caller.
func (s *Service) ProcessMessage(ctx context.Context, env model.Envelope, source string) (bool, error) {
	if env.ID == "" {
		return false, fmt.Errorf("inbox: message without id")
	}

	err := s.repo.InsertIfAbsent(ctx, nil, model.InboxMessage{
		ID:        util.New(),
		MessageID: env.ID,
		EventType: env.EventType,
		Payload:   env.Payload,
		Source:    source,
		ExpiresAt: time.Now().AddDate(0, 0, s.TTLDays),
	})
	if err != nil {
		return false, fmt.Errorf("inbox insert: %w", err)
	}

	var processed bool
	var handlerErr error
	err = s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.repo.GetForUpdate(ctx, tx, env.ID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("inbox row vanished for message %s", env.ID)
		}
		if row.Processed {
			return nil
		}

		if err := s.dispatch(ctx, *row); err != nil {
			handlerErr = err
			// commit the failure record; the error is reported separately
			return s.repo.RecordFailure(ctx, tx, env.ID, err.Error())
		}

		processed, err = s.repo.MarkProcessed(ctx, tx, env.ID, s.processedBy)
		return err
	})
	if err != nil {
		metrics.InboxMessages.WithLabelValues("failed").Inc()
		return false, err
	}
	if handlerErr != nil {
		metrics.InboxMessages.WithLabelValues("failed").Inc()
		s.log.Warn("inbox handler failed",
			zap.String("message_id", env.ID),
			zap.String("event_type", env.EventType),
			zap.Error(handlerErr))
		return false, handlerErr
	}

	if processed {
		metrics.InboxMessages.WithLabelValues("processed").Inc()
	} else {
		metrics.InboxMessages.WithLabelValues("duplicate").Inc()
		s.log.Debug("duplicate message skipped", zap.String("message_id", env.ID))
	}
	return processed, nil
}

// RetryMessage re-runs a stuck unprocessed message on demand, typically from
// the operator API after the underlying fault is fixed.
func (s *Service) RetryMessage(ctx context.Context, messageID string) error {
	var handlerErr error
	err := s.repo.WithTx(ctx, func(tx *sqlx.Tx) error {
		row, err := s.repo.GetForUpdate(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("inbox message %s not found", messageID)
		}
		if row.Processed {
			return fmt.Errorf("inbox message %s: %w", messageID, ErrAlreadyProcessed)
		}

		if err := s.dispatch(ctx, *row); err != nil {
			handlerErr = err
			return s.repo.RecordFailure(ctx, tx, messageID, err.Error())
		}

		_, err = s.repo.MarkProcessed(ctx, tx, messageID, "manual-retry")
		return err
	})
	if err != nil {
		return err
	}
	return handlerErr
}

func (s *Service) dispatch(ctx context.Context, row model.InboxMessage) error {
	return s.bus.Publish(ctx, bus.Event{
		ID:       row.MessageID,
		Type:     row.EventType,
		TenantID: tenantFromPayload(row.Payload),
		Payload:  row.Payload,
	})
}

func tenantFromPayload(payload []byte) string {
	var peek struct {
		TenantID string `json:"tenantId"`
	}
	_ = json.Unmarshal(payload, &peek)
	return peek.TenantID
}

// GetStuck lists unprocessed messages, oldest first.
func (s *Service) GetStuck(ctx context.Context, limit int) ([]model.InboxMessage, error) {
	return s.repo.GetStuck(ctx, limit)
}

// CleanupExpired deletes processed rows past their TTL. Unprocessed rows are
// kept regardless of age; the DLQ sweep owns those.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.log.Info("inbox cleanup", zap.Int64("deleted", n))
	}
	return n, nil
}
