package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/model"
)

// memInboxRepo emulates the message_id unique key and the FOR UPDATE row
// lock with a single mutex held for the whole WithTx body.
type memInboxRepo struct {
	mu   sync.Mutex
	rows map[string]*model.InboxMessage
}

func newMemInboxRepo() *memInboxRepo {
	return &memInboxRepo{rows: map[string]*model.InboxMessage{}}
}

func (r *memInboxRepo) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(nil)
}

func (r *memInboxRepo) InsertIfAbsent(ctx context.Context, tx *sqlx.Tx, m model.InboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[m.MessageID]; ok {
		return nil
	}
	m.CreatedAt = time.Now()
	r.rows[m.MessageID] = &m
	return nil
}

func (r *memInboxRepo) GetForUpdate(ctx context.Context, tx *sqlx.Tx, messageID string) (*model.InboxMessage, error) {
	m, ok := r.rows[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *memInboxRepo) MarkProcessed(ctx context.Context, tx *sqlx.Tx, messageID, processedBy string) (bool, error) {
	m, ok := r.rows[messageID]
	if !ok || m.Processed {
		return false, nil
	}
	now := time.Now()
	m.Processed = true
	m.ProcessedAt = &now
	m.ProcessedBy = &processedBy
	return true, nil
}

func (r *memInboxRepo) RecordFailure(ctx context.Context, tx *sqlx.Tx, messageID, errMsg string) error {
	m := r.rows[messageID]
	m.RetryCount++
	m.Error = &errMsg
	return nil
}

func (r *memInboxRepo) Get(ctx context.Context, messageID string) (*model.InboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (r *memInboxRepo) GetStuck(ctx context.Context, limit int) ([]model.InboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.InboxMessage
	for _, m := range r.rows {
		if !m.Processed {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memInboxRepo) DeleteExpired(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	var n int64
	for id, m := range r.rows {
		if m.Processed && m.ExpiresAt.Before(now) {
			delete(r.rows, id)
			n++
		}
	}
	return n, nil
}

func TestProcessMessageRunsHandlerExactlyOnce(t *testing.T) {
	repo := newMemInboxRepo()
	b := bus.New(nil)
	svc := NewService(repo, b, nil)
	ctx := context.Background()

	var calls int32
	b.Subscribe(model.EventTaskCreated, func(ctx context.Context, evt bus.Event) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "acme", evt.TenantID)
		return nil
	})

	env := model.Envelope{
		ID:        "msg-1",
		EventType: model.EventTaskCreated,
		Payload:   json.RawMessage(`{"tenantId":"acme","title":"x"}`),
	}

	processed, err := svc.ProcessMessage(ctx, env, "kafka")
	require.NoError(t, err)
	assert.True(t, processed)

	// redelivery is a committed no-op
	processed, err = svc.ProcessMessage(ctx, env, "kafka")
	require.NoError(t, err)
	assert.False(t, processed)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	row, err := repo.Get(ctx, "msg-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.True(t, row.Processed)
	require.NotNil(t, row.ProcessedBy)
}

func TestProcessMessageRecordsHandlerFailure(t *testing.T) {
	repo := newMemInboxRepo()
	b := bus.New(nil)
	svc := NewService(repo, b, nil)
	ctx := context.Background()

	fail := errors.New("downstream broken")
	b.Subscribe("task.created", func(ctx context.Context, evt bus.Event) error {
		return fail
	})

	env := model.Envelope{ID: "msg-2", EventType: "task.created", Payload: json.RawMessage(`{}`)}

	processed, err := svc.ProcessMessage(ctx, env, "kafka")
	require.Error(t, err)
	assert.False(t, processed)

	// the failure record committed even though the call errored
	row, err := repo.Get(ctx, "msg-2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.False(t, row.Processed)
	assert.Equal(t, 1, row.RetryCount)
	require.NotNil(t, row.Error)
	assert.Contains(t, *row.Error, "downstream broken")
}

func TestRetryMessage(t *testing.T) {
	repo := newMemInboxRepo()
	b := bus.New(nil)
	svc := NewService(repo, b, nil)
	ctx := context.Background()

	broken := true
	var calls int
	b.Subscribe("task.created", func(ctx context.Context, evt bus.Event) error {
		calls++
		if broken {
			return errors.New("boom")
		}
		return nil
	})

	env := model.Envelope{ID: "msg-3", EventType: "task.created", Payload: json.RawMessage(`{}`)}
	_, err := svc.ProcessMessage(ctx, env, "kafka")
	require.Error(t, err)

	broken = false
	require.NoError(t, svc.RetryMessage(ctx, "msg-3"))
	assert.Equal(t, 2, calls)

	row, err := repo.Get(ctx, "msg-3")
	require.NoError(t, err)
	assert.True(t, row.Processed)
	require.NotNil(t, row.ProcessedBy)
	assert.Equal(t, "manual-retry", *row.ProcessedBy)

	// retrying a processed message is refused
	err = svc.RetryMessage(ctx, "msg-3")
	require.ErrorIs(t, err, ErrAlreadyProcessed)
	assert.Equal(t, 2, calls)
}

func TestCleanupExpiredKeepsUnprocessedRows(t *testing.T) {
	repo := newMemInboxRepo()
	svc := NewService(repo, bus.New(nil), nil)
	ctx := context.Background()

	past := time.Now().AddDate(0, 0, -8)
	done := true
	repo.rows["old-done"] = &model.InboxMessage{MessageID: "old-done", Processed: done, ExpiresAt: past}
	repo.rows["old-stuck"] = &model.InboxMessage{MessageID: "old-stuck", ExpiresAt: past}

	n, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NotContains(t, repo.rows, "old-done")
	assert.Contains(t, repo.rows, "old-stuck")
}
