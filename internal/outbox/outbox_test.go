package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/model"
)

type memOutboxRepo struct {
	mu   sync.Mutex
	rows map[string]*model.OutboxMessage
	seq  int
}

func newMemOutboxRepo() *memOutboxRepo {
	return &memOutboxRepo{rows: map[string]*model.OutboxMessage{}}
}

func (r *memOutboxRepo) Enqueue(ctx context.Context, tx *sqlx.Tx, m model.OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.CreatedAt = time.Unix(int64(r.seq), 0)
	r.rows[m.ID] = &m
	return nil
}

func (r *memOutboxRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	return fn(nil)
}

func (r *memOutboxRepo) ClaimBatch(ctx context.Context, tx *sqlx.Tx, limit, maxRetries int) ([]model.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboxMessage
	for _, m := range r.rows {
		if !m.Processed && m.RetryCount < maxRetries {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.rows[id]
	now := time.Now()
	m.Processed = true
	m.ProcessedAt = &now
	return nil
}

func (r *memOutboxRepo) RecordFailure(ctx context.Context, tx *sqlx.Tx, id, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.rows[id]
	m.RetryCount++
	m.Error = &errMsg
	return nil
}

func (r *memOutboxRepo) ListExhausted(ctx context.Context, maxRetries, limit int) ([]model.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboxMessage
	for _, m := range r.rows {
		if !m.Processed && m.RetryCount >= maxRetries {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memOutboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, m := range r.rows {
		if m.Processed && m.ProcessedAt != nil && m.ProcessedAt.Before(cutoff) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

type fakeProducer struct {
	mu       sync.Mutex
	failures int // fail this many calls before succeeding
	keys     []string
	values   [][]byte
}

func (p *fakeProducer) Publish(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func TestTickPublishesOldestFirstAndMarksProcessed(t *testing.T) {
	repo := newMemOutboxRepo()
	svc := NewService(repo)
	prod := &fakeProducer{}
	pub := NewPublisher(repo, prod, nil)
	ctx := context.Background()

	first, err := svc.Enqueue(ctx, nil, "task-1", "task", model.EventTaskCreated,
		json.RawMessage(`{"tenantId":"acme","title":"a"}`))
	require.NoError(t, err)
	second, err := svc.Enqueue(ctx, nil, "task-2", "task", model.EventTaskUpdated,
		json.RawMessage(`{"tenantId":"acme","title":"b"}`))
	require.NoError(t, err)

	n, err := pub.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Equal(t, []string{model.EventTaskCreated, model.EventTaskUpdated}, prod.keys)

	var env model.Envelope
	require.NoError(t, json.Unmarshal(prod.values[0], &env))
	assert.Equal(t, first.ID, env.ID)
	assert.Equal(t, model.EventTaskCreated, env.EventType)
	assert.Equal(t, "acme", env.TenantID)

	assert.True(t, repo.rows[first.ID].Processed)
	assert.True(t, repo.rows[second.ID].Processed)

	// nothing left to publish
	n, err = pub.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTickRecordsFailureAndRetriesUntilCeiling(t *testing.T) {
	repo := newMemOutboxRepo()
	svc := NewService(repo)
	prod := &fakeProducer{failures: 1000}
	pub := NewPublisher(repo, prod, nil)
	pub.MaxRetries = 3
	ctx := context.Background()

	m, err := svc.Enqueue(ctx, nil, "task-1", "task", model.EventTaskCreated,
		json.RawMessage(`{"tenantId":"acme"}`))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		n, err := pub.Tick(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		assert.Equal(t, i, repo.rows[m.ID].RetryCount)
	}
	require.NotNil(t, repo.rows[m.ID].Error)
	assert.Equal(t, "broker unavailable", *repo.rows[m.ID].Error)

	// at the ceiling the row is no longer claimed, even once the broker recovers
	prod.failures = 0
	n, err := pub.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, repo.rows[m.ID].RetryCount)
	assert.False(t, repo.rows[m.ID].Processed)

	exhausted, err := repo.ListExhausted(ctx, pub.MaxRetries, 10)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, m.ID, exhausted[0].ID)
}

func TestTickRecoversAfterTransientFailure(t *testing.T) {
	repo := newMemOutboxRepo()
	svc := NewService(repo)
	prod := &fakeProducer{failures: 1}
	pub := NewPublisher(repo, prod, nil)
	ctx := context.Background()

	m, err := svc.Enqueue(ctx, nil, "task-1", "task", model.EventTaskCreated,
		json.RawMessage(`{"tenantId":"acme"}`))
	require.NoError(t, err)

	n, err := pub.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, repo.rows[m.ID].RetryCount)

	n, err = pub.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, repo.rows[m.ID].Processed)
}

func TestSweepRetentionDeletesOldProcessedRows(t *testing.T) {
	repo := newMemOutboxRepo()
	pub := NewPublisher(repo, &fakeProducer{}, nil)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	fresh := time.Now().AddDate(0, 0, -1)
	repo.rows["old"] = &model.OutboxMessage{ID: "old", Processed: true, ProcessedAt: &old}
	repo.rows["fresh"] = &model.OutboxMessage{ID: "fresh", Processed: true, ProcessedAt: &fresh}
	repo.rows["pending"] = &model.OutboxMessage{ID: "pending"}

	n, err := pub.SweepRetention(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotContains(t, repo.rows, "old")
	assert.Contains(t, repo.rows, "fresh")
	assert.Contains(t, repo.rows, "pending")
}
