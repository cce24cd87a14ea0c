package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// Service writes outbox rows inside business transactions. The row commits
// iff the caller's domain write commits, which is the whole point: no event
// without its state change, no state change without its event.
type Service struct {
	repo repository.OutboxRepository
}

func NewService(repo repository.OutboxRepository) *Service {
	return &Service{repo: repo}
}

// Enqueue records an event for asynchronous publication. tx is the caller's
// business transaction; pass nil only for standalone writes.
func (s *Service) Enqueue(
	ctx context.Context,
	tx *sqlx.Tx,
	aggregateID, aggregateType, eventType string,
	payload json.RawMessage,
) (*model.OutboxMessage, error) {
	m := model.OutboxMessage{
		ID:            util.New(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
	}
	if err := s.repo.Enqueue(ctx, tx, m); err != nil {
		return nil, fmt.Errorf("enqueue outbox: %w", err)
	}
	return &m, nil
}
