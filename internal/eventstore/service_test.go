package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
)

// memEventStore simulates the unique (aggregate_id, aggregate_type, version)
// key the MySQL repository relies on.
type memEventStore struct {
	mu   sync.Mutex
	recs []model.EventRecord
}

func (m *memEventStore) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (m *memEventStore) Insert(ctx context.Context, tx *sqlx.Tx, rec model.EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.recs {
		if r.AggregateID == rec.AggregateID && r.AggregateType == rec.AggregateType && r.Version == rec.Version {
			return repository.ErrVersionConflict
		}
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memEventStore) LastVersion(ctx context.Context, tx *sqlx.Tx, aggregateID, aggregateType string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := 0
	for _, r := range m.recs {
		if r.AggregateID == aggregateID && r.AggregateType == aggregateType && r.Version > last {
			last = r.Version
		}
	}
	return last, nil
}

func (m *memEventStore) ListByAggregate(ctx context.Context, aggregateID, aggregateType string) ([]model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventRecord
	for _, r := range m.recs {
		if r.AggregateID == aggregateID && r.AggregateType == aggregateType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *memEventStore) ListByTimeRange(ctx context.Context, start, end time.Time, eventTypes []string) ([]model.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.EventRecord
	for _, r := range m.recs {
		if r.OccurredAt.Before(start) || r.OccurredAt.After(end) {
			continue
		}
		if len(eventTypes) > 0 {
			found := false
			for _, t := range eventTypes {
				if r.EventType == t {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func TestAppendVersionsAreGapless(t *testing.T) {
	store := &memEventStore{}
	svc := NewService(store, bus.New(nil), nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		rec, err := svc.AppendEvent(ctx, "t-1", "task", model.EventTaskUpdated,
			json.RawMessage(`{}`), model.EventMetadata{})
		require.NoError(t, err)
		assert.Equal(t, i+1, rec.Version)
	}

	events, err := svc.GetAggregateEvents(ctx, "t-1", "task")
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, e := range events {
		assert.Equal(t, i+1, e.Version)
	}
}

func TestConcurrentAppendersKeepVersionsUnique(t *testing.T) {
	store := &memEventStore{}
	svc := NewService(store, bus.New(nil), nil)
	ctx := context.Background()

	const k = 5
	var wg sync.WaitGroup
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.AppendEvent(ctx, "t-1", "task", model.EventTaskUpdated,
				json.RawMessage(`{}`), model.EventMetadata{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := svc.GetAggregateEvents(ctx, "t-1", "task")
	require.NoError(t, err)
	require.Len(t, events, k)

	seen := map[int]bool{}
	for _, e := range events {
		seen[e.Version] = true
	}
	for v := 1; v <= k; v++ {
		assert.Truef(t, seen[v], "version %d missing", v)
	}
}

func TestRebuildAggregateAppliesReducers(t *testing.T) {
	store := &memEventStore{}
	svc := NewService(store, bus.New(nil), nil)
	ctx := context.Background()

	_, err := svc.AppendEvent(ctx, "t-9", "task", model.EventTaskCreated,
		json.RawMessage(`{"title":"write release notes","status":"todo"}`), model.EventMetadata{})
	require.NoError(t, err)
	_, err = svc.AppendEvent(ctx, "t-9", "task", model.EventTaskStatusChanged,
		json.RawMessage(`{"newStatus":"in_progress"}`), model.EventMetadata{})
	require.NoError(t, err)
	// unknown event type must leave state unchanged
	_, err = svc.AppendEvent(ctx, "t-9", "task", "task.futurefeature",
		json.RawMessage(`{"whatever":true}`), model.EventMetadata{})
	require.NoError(t, err)

	state, err := svc.RebuildAggregate(ctx, "t-9", "task")
	require.NoError(t, err)
	assert.Equal(t, "write release notes", state["title"])
	assert.Equal(t, "in_progress", state["status"])
	assert.Equal(t, 2, state["version"])
	assert.NotContains(t, state, "whatever")
}

func TestReplayTagsEvents(t *testing.T) {
	store := &memEventStore{}
	b := bus.New(nil)
	svc := NewService(store, b, nil)
	ctx := context.Background()

	rec, err := svc.AppendEvent(ctx, "t-2", "task", model.EventTaskCreated,
		json.RawMessage(`{"title":"x"}`), model.EventMetadata{TenantID: "acme"})
	require.NoError(t, err)

	var got []bus.Event
	b.Subscribe("**", func(ctx context.Context, evt bus.Event) error {
		got = append(got, evt)
		return nil
	})

	start := rec.OccurredAt.Add(-time.Minute)
	end := rec.OccurredAt.Add(time.Minute)

	// dry run emits nothing
	res, err := svc.ReplayEvents(ctx, start, end, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Empty(t, got)

	res, err = svc.ReplayEvents(ctx, start, end, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 0, res.Errors)
	require.Len(t, got, 1)
	assert.True(t, got[0].Replay)
	assert.Equal(t, rec.ID, got[0].OriginalEventID)
	assert.Equal(t, "acme", got[0].TenantID)
	assert.NotNil(t, got[0].ReplayedAt)
}
