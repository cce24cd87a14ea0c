package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/eventstore"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/outbox"
)

// memEventOutbox backs the event store and the outbox with one staged
// write-set per transaction, mirroring how both repositories share the same
// MySQL transaction in production: nothing becomes visible unless the
// enclosing WithTx returns nil.
type memEventOutbox struct {
	mu     sync.Mutex
	events []model.EventRecord
	outbox []model.OutboxMessage

	staged       bool
	stagedEvents []model.EventRecord
	stagedOutbox []model.OutboxMessage

	failEnqueueType string
	failInsertType  string
	failInsertOn    int
	insertCalls     map[string]int
}

func newMemEventOutbox() *memEventOutbox {
	return &memEventOutbox{insertCalls: map[string]int{}}
}

func (m *memEventOutbox) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	m.mu.Lock()
	m.staged = true
	m.stagedEvents = nil
	m.stagedOutbox = nil
	m.mu.Unlock()

	err := fn(nil)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.staged = false
	if err != nil {
		return err
	}
	m.events = append(m.events, m.stagedEvents...)
	m.outbox = append(m.outbox, m.stagedOutbox...)
	return nil
}

func (m *memEventOutbox) Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls[rec.EventType]++
	if rec.EventType == m.failInsertType && m.insertCalls[rec.EventType] == m.failInsertOn {
		return errors.New("event insert failed")
	}
	if m.staged {
		m.stagedEvents = append(m.stagedEvents, rec)
	} else {
		m.events = append(m.events, rec)
	}
	return nil
}

func (m *memEventOutbox) LastVersion(ctx context.Context, tx *sqlx.Tx, aggregateID, aggregateType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	all := append(append([]model.EventRecord(nil), m.events...), m.stagedEvents...)
	for _, r := range all {
		if r.AggregateID == aggregateID && r.AggregateType == aggregateType && r.Version > last {
			last = r.Version
		}
	}
	return last, nil
}

func (m *memEventOutbox) ListByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventRecord
	for _, r := range m.events {
		if r.AggregateID == aggregateID && r.AggregateType == aggregateType {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memEventOutbox) ListByTimeRange(ctx context.Context, start, end time.Time, eventTypes []string) ([]model.EventRecord, error) {
	return nil, nil
}

func (m *memEventOutbox) Enqueue(ctx context.Context, tx *sqlx.Tx, msg model.OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.EventType == m.failEnqueueType {
		return errors.New("outbox insert failed")
	}
	if m.staged {
		m.stagedOutbox = append(m.stagedOutbox, msg)
	} else {
		m.outbox = append(m.outbox, msg)
	}
	return nil
}

func (m *memEventOutbox) ClaimBatch(ctx context.Context, tx *sqlx.Tx, limit, maxRetries int) ([]model.OutboxMessage, error) {
	return nil, nil
}

func (m *memEventOutbox) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string) error { return nil }

func (m *memEventOutbox) RecordFailure(ctx context.Context, tx *sqlx.Tx, id, errMsg string) error {
	return nil
}

func (m *memEventOutbox) ListExhausted(ctx context.Context, maxRetries, limit int) ([]model.OutboxMessage, error) {
	return nil, nil
}

func (m *memEventOutbox) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func newTestEventSteps(store *memEventOutbox) *EventSteps {
	events := eventstore.NewService(store, bus.New(nil), nil)
	return NewEventSteps(events, outbox.NewService(store), nil)
}

func TestEventStepsCommitAppendAndEnqueueTogether(t *testing.T) {
	store := newMemEventOutbox()
	steps := newTestEventSteps(store)
	ctx := context.Background()

	projectID, err := steps.CreateProject(ctx, CreateProjectInput{
		TenantID: "acme", OwnerID: "u-1", Name: "launch",
	})
	require.NoError(t, err)
	require.NotEmpty(t, projectID)

	require.Len(t, store.events, 1)
	assert.Equal(t, model.EventProjectCreated, store.events[0].EventType)
	assert.Equal(t, projectID, store.events[0].AggregateID)
	assert.Equal(t, 1, store.events[0].Version)

	require.Len(t, store.outbox, 1)
	assert.Equal(t, model.EventProjectCreated, store.outbox[0].EventType)
	assert.Equal(t, projectID, store.outbox[0].AggregateID)
}

func TestEventStepsRollBackAppendWhenEnqueueFails(t *testing.T) {
	store := newMemEventOutbox()
	store.failEnqueueType = model.EventProjectCreated
	steps := newTestEventSteps(store)

	_, err := steps.CreateProject(context.Background(), CreateProjectInput{
		TenantID: "acme", OwnerID: "u-1", Name: "launch",
	})
	require.Error(t, err)

	// the append must not survive the failed enqueue
	assert.Empty(t, store.events)
	assert.Empty(t, store.outbox)
}

func TestCreateInitialTasksUndoesPartialWorkOnFailure(t *testing.T) {
	store := newMemEventOutbox()
	store.failInsertType = model.EventTaskCreated
	store.failInsertOn = 2
	steps := newTestEventSteps(store)

	ids, err := steps.CreateInitialTasks(context.Background(), "p-1", []string{"plan", "build"})
	require.Error(t, err)
	assert.Empty(t, ids)

	// the first task was created and then deleted again; the second never
	// made it past its own transaction
	require.Len(t, store.events, 2)
	assert.Equal(t, model.EventTaskCreated, store.events[0].EventType)
	assert.Equal(t, model.EventTaskDeleted, store.events[1].EventType)
	assert.Equal(t, store.events[0].AggregateID, store.events[1].AggregateID)

	require.Len(t, store.outbox, 2)
	assert.Equal(t, model.EventTaskCreated, store.outbox[0].EventType)
	assert.Equal(t, model.EventTaskDeleted, store.outbox[1].EventType)
}
