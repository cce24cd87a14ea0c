package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/taskflow/taskflow/internal/model"
)

// WebhookRepository persists tenant webhook registrations and their
// append-only delivery audit trail.
type WebhookRepository interface {
	Create(ctx context.Context, w model.Webhook) error
	Update(ctx context.Context, w model.Webhook) (bool, error)
	Delete(ctx context.Context, id, tenantID string) error
	Get(ctx context.Context, id string) (*model.Webhook, error)
	ListByTenant(ctx context.Context, tenantID string) ([]model.Webhook, error)
	ListActiveByTenant(ctx context.Context, tenantID string) ([]model.Webhook, error)

	// RecordSuccess resets failure_count; RecordFailure increments it.
	RecordSuccess(ctx context.Context, id string) error
	RecordFailure(ctx context.Context, id string) error

	InsertDelivery(ctx context.Context, d model.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d model.WebhookDelivery) error
	GetDelivery(ctx context.Context, id, tenantID string) (*model.WebhookDelivery, error)
	ListDeliveries(ctx context.Context, webhookID, tenantID string, limit int) ([]model.WebhookDelivery, error)
	IncrementDeliveryRetry(ctx context.Context, id string) error
}

type WebhookRepositoryImpl struct {
	db *sqlx.DB
}

func NewWebhookRepository(db *sqlx.DB) *WebhookRepositoryImpl {
	return &WebhookRepositoryImpl{db: db}
}

type webhookRow struct {
	ID            string     `db:"id"`
	TenantID      string     `db:"tenant_id"`
	URL           string     `db:"url"`
	Events        []byte     `db:"events"`
	Secret        string     `db:"secret"`
	IsActive      bool       `db:"is_active"`
	FailureCount  int        `db:"failure_count"`
	LastSuccessAt *time.Time `db:"last_success_at"`
	LastFailureAt *time.Time `db:"last_failure_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (row webhookRow) toModel() (model.Webhook, error) {
	w := model.Webhook{
		ID:            row.ID,
		TenantID:      row.TenantID,
		URL:           row.URL,
		Secret:        row.Secret,
		IsActive:      row.IsActive,
		FailureCount:  row.FailureCount,
		LastSuccessAt: row.LastSuccessAt,
		LastFailureAt: row.LastFailureAt,
		CreatedAt:     row.CreatedAt,
	}
	if len(row.Events) > 0 {
		if err := json.Unmarshal(row.Events, &w.Events); err != nil {
			return w, err
		}
	}
	return w, nil
}

const webhookColumns = `id, tenant_id, url, events, secret, is_active, failure_count, last_success_at, last_failure_at, created_at`

func (r *WebhookRepositoryImpl) Create(ctx context.Context, w model.Webhook) error {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO webhooks
		    (id, tenant_id, url, events, secret, is_active, failure_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NOW())
	`
	_, err = r.db.ExecContext(ctx, q, w.ID, w.TenantID, w.URL, events, w.Secret, w.IsActive)
	return err
}

func (r *WebhookRepositoryImpl) Update(ctx context.Context, w model.Webhook) (bool, error) {
	events, err := json.Marshal(w.Events)
	if err != nil {
		return false, err
	}
	const q = `
		UPDATE webhooks
		SET url = ?, events = ?, is_active = ?
		WHERE id = ? AND tenant_id = ?
	`
	res, err := r.db.ExecContext(ctx, q, w.URL, events, w.IsActive, w.ID, w.TenantID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *WebhookRepositoryImpl) Delete(ctx context.Context, id, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM webhooks WHERE id = ? AND tenant_id = ?`, id, tenantID)
	return err
}

func (r *WebhookRepositoryImpl) Get(ctx context.Context, id string) (*model.Webhook, error) {
	var row webhookRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+webhookColumns+` FROM webhooks WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (r *WebhookRepositoryImpl) ListByTenant(ctx context.Context, tenantID string) ([]model.Webhook, error) {
	return r.list(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = ? ORDER BY created_at DESC`, tenantID)
}

func (r *WebhookRepositoryImpl) ListActiveByTenant(ctx context.Context, tenantID string) ([]model.Webhook, error) {
	return r.list(ctx,
		`SELECT `+webhookColumns+` FROM webhooks WHERE tenant_id = ? AND is_active = 1`, tenantID)
}

func (r *WebhookRepositoryImpl) list(ctx context.Context, q string, args ...any) ([]model.Webhook, error) {
	var rows []webhookRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.Webhook, 0, len(rows))
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

func (r *WebhookRepositoryImpl) RecordSuccess(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = 0, last_success_at = NOW() WHERE id = ?`, id)
	return err
}

func (r *WebhookRepositoryImpl) RecordFailure(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhooks SET failure_count = failure_count + 1, last_failure_at = NOW() WHERE id = ?`, id)
	return err
}

const deliveryColumns = "id, webhook_id, tenant_id, event_type, payload, status_code, response, `error`, success, duration_ms, retry_count, created_at"

func (r *WebhookRepositoryImpl) InsertDelivery(ctx context.Context, d model.WebhookDelivery) error {
	const q = `
		INSERT INTO webhook_deliveries
		    (id, webhook_id, tenant_id, event_type, payload, status_code, response, ` + "`error`" + `, success, duration_ms, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NOW())
	`
	_, err := r.db.ExecContext(ctx, q,
		d.ID, d.WebhookID, d.TenantID, d.EventType, []byte(d.Payload),
		d.StatusCode, d.Response, d.Error, d.Success, d.DurationMs, d.RetryCount)
	return err
}

func (r *WebhookRepositoryImpl) UpdateDelivery(ctx context.Context, d model.WebhookDelivery) error {
	const q = `
		UPDATE webhook_deliveries
		SET status_code = ?, response = ?, ` + "`error`" + ` = ?, success = ?, duration_ms = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, q,
		d.StatusCode, d.Response, d.Error, d.Success, d.DurationMs, d.ID)
	return err
}

func (r *WebhookRepositoryImpl) GetDelivery(ctx context.Context, id, tenantID string) (*model.WebhookDelivery, error) {
	var d model.WebhookDelivery
	err := r.db.GetContext(ctx, &d,
		`SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *WebhookRepositoryImpl) ListDeliveries(ctx context.Context, webhookID, tenantID string, limit int) ([]model.WebhookDelivery, error) {
	const q = `
		SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE webhook_id = ? AND tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	var out []model.WebhookDelivery
	if err := r.db.SelectContext(ctx, &out, q, webhookID, tenantID, limit); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *WebhookRepositoryImpl) IncrementDeliveryRetry(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET retry_count = retry_count + 1 WHERE id = ?`, id)
	return err
}
