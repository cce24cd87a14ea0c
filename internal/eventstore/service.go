package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// maxAppendRetries bounds the conflict-retry loop when concurrent appenders
// race for the same aggregate version.
const maxAppendRetries = 5

// Reducer folds one event into the aggregate state during rebuild.
type Reducer func(state map[string]any, rec model.EventRecord) map[string]any

// ReplayResult reports how a replay run went.
type ReplayResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Service is the append-only, versioned log of domain events.
type Service struct {
	repo repository.EventStoreRepository
	bus  *bus.Bus
	log  *zap.Logger

	mu       sync.RWMutex
	reducers map[string]Reducer
}

func NewService(repo repository.EventStoreRepository, b *bus.Bus, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		repo:     repo,
		bus:      b,
		log:      log,
		reducers: map[string]Reducer{},
	}
	registerTaskReducers(s)
	return s
}

// RegisterReducer binds a pure per-event-type reducer used by RebuildAggregate.
func (s *Service) RegisterReducer(eventType string, r Reducer) {
	s.mu.Lock()
	s.reducers[eventType] = r
	s.mu.Unlock()
}

// WithTx runs fn inside one transaction, so an append commits together
// with whatever else the caller writes (typically an outbox enqueue).
func (s *Service) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return s.repo.WithTx(ctx, fn)
}

// AppendEvent stores an event at version lastVersion+1 for the aggregate.
// The unique (aggregate_id, aggregate_type, version) key orders concurrent
// appenders: losers see a conflict and retry with a fresh version.
func (s *Service) AppendEvent(
	ctx context.Context,
	aggregateID, aggregateType, eventType string,
	eventData json.RawMessage,
	metadata model.EventMetadata,
) (*model.EventRecord, error) {
	return s.AppendEventTx(ctx, nil, aggregateID, aggregateType, eventType, eventData, metadata)
}

// AppendEventTx is AppendEvent inside the caller's transaction; the record
// exists iff the transaction commits.
func (s *Service) AppendEventTx(
	ctx context.Context,
	tx *sqlx.Tx,
	aggregateID, aggregateType, eventType string,
	eventData json.RawMessage,
	metadata model.EventMetadata,
) (*model.EventRecord, error) {
	for attempt := 0; attempt < maxAppendRetries; attempt++ {
		last, err := s.repo.LastVersion(ctx, tx, aggregateID, aggregateType)
		if err != nil {
			return nil, fmt.Errorf("last version: %w", err)
		}

		rec := model.EventRecord{
			ID:            util.New(),
			AggregateID:   aggregateID,
			AggregateType: aggregateType,
			EventType:     eventType,
			Version:       last + 1,
			EventData:     eventData,
			Metadata:      metadata,
			OccurredAt:    time.Now().UTC(),
		}

		err = s.repo.Insert(ctx, tx, rec)
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		return &rec, nil
	}
	return nil, fmt.Errorf("append event %s for %s/%s: %w",
		eventType, aggregateType, aggregateID, repository.ErrVersionConflict)
}

// GetAggregateEvents returns the aggregate's history in ascending version order.
func (s *Service) GetAggregateEvents(ctx context.Context, aggregateID, aggregateType string) ([]model.EventRecord, error) {
	return s.repo.ListByAggregate(ctx, aggregateID, aggregateType)
}

// RebuildAggregate folds the aggregate's events through the registered
// reducers. Events with no reducer leave the state untouched, so newer event
// types never break older consumers.
func (s *Service) RebuildAggregate(ctx context.Context, aggregateID, aggregateType string) (map[string]any, error) {
	events, err := s.repo.ListByAggregate(ctx, aggregateID, aggregateType)
	if err != nil {
		return nil, err
	}

	state := map[string]any{}
	for _, rec := range events {
		s.mu.RLock()
		reduce, ok := s.reducers[rec.EventType]
		s.mu.RUnlock()
		if !ok {
			continue
		}
		state = reduce(state, rec)
	}
	return state, nil
}

// ReplayEvents re-emits stored events on the bus in occurred-at order.
// Emitted events carry Replay=true plus the original event id, so handlers
// can skip side effects they must not repeat (emails, webhooks).
func (s *Service) ReplayEvents(ctx context.Context, start, end time.Time, eventTypes []string, dryRun bool) (ReplayResult, error) {
	events, err := s.repo.ListByTimeRange(ctx, start, end, eventTypes)
	if err != nil {
		return ReplayResult{}, err
	}

	s.log.Info("replaying events",
		zap.Int("count", len(events)),
		zap.Bool("dry_run", dryRun))

	var res ReplayResult
	for _, rec := range events {
		if dryRun {
			res.Processed++
			continue
		}

		now := time.Now().UTC()
		evt := bus.Event{
			ID:              util.New(),
			Type:            rec.EventType,
			TenantID:        rec.Metadata.TenantID,
			UserID:          rec.Metadata.UserID,
			Payload:         rec.EventData,
			Replay:          true,
			OriginalEventID: rec.ID,
			ReplayedAt:      &now,
		}
		if err := s.bus.Publish(ctx, evt); err != nil {
			res.Errors++
			s.log.Error("replay event failed",
				zap.String("event_id", rec.ID),
				zap.Error(err))
			continue
		}
		res.Processed++
	}

	s.log.Info("replay complete",
		zap.Int("processed", res.Processed),
		zap.Int("errors", res.Errors),
		zap.Bool("dry_run", dryRun))
	return res, nil
}
