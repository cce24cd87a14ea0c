package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/bus"
	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

const (
	userAgent       = "TaskFlow-Webhook/1.0"
	maxResponseSize = 4 << 10
)

// Dispatcher fans events out to tenant-registered webhook endpoints. Every
// attempt, success or not, lands in the delivery audit trail; there is no
// automatic redelivery, only the operator retry.
type Dispatcher struct {
	repo   repository.WebhookRepository
	log    *zap.Logger
	client *http.Client
}

func NewDispatcher(repo repository.WebhookRepository, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		repo:   repo,
		log:    log,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SetTimeout overrides the per-delivery HTTP timeout.
func (d *Dispatcher) SetTimeout(t time.Duration) {
	if t > 0 {
		d.client.Timeout = t
	}
}

// Register subscribes the dispatcher to every event on the bus.
func (d *Dispatcher) Register(b *bus.Bus) {
	b.Subscribe("**", d.HandleEvent)
}

// HandleEvent delivers evt to every matching active webhook of the event's
// tenant. Deliveries run concurrently and the outcome never propagates: a
// dead endpoint is the tenant's problem, not the pipeline's.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt bus.Event) error {
	if evt.TenantID == "" || evt.Replay {
		return nil
	}

	hooks, err := d.repo.ListActiveByTenant(ctx, evt.TenantID)
	if err != nil {
		d.log.Error("list webhooks", zap.String("tenant_id", evt.TenantID), zap.Error(err))
		return nil
	}

	var wg sync.WaitGroup
	for _, w := range hooks {
		if !Matches(w.Events, evt.Type) {
			continue
		}
		wg.Add(1)
		go func(w model.Webhook) {
			defer wg.Done()
			d.deliver(ctx, w, evt)
		}(w)
	}
	wg.Wait()
	return nil
}

// Matches reports whether any subscribed pattern covers the event type.
// "*" subscribes to everything; other patterns use segment wildcards.
func Matches(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if p == "*" || p == eventType || bus.Match(p, eventType) {
			return true
		}
	}
	return false
}

type deliveryBody struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	TenantID  string          `json:"tenantId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

func (d *Dispatcher) deliver(ctx context.Context, w model.Webhook, evt bus.Event) {
	body, err := json.Marshal(deliveryBody{
		ID:        evt.ID,
		EventType: evt.Type,
		TenantID:  evt.TenantID,
		Payload:   evt.Payload,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		d.log.Error("marshal webhook body", zap.String("webhook_id", w.ID), zap.Error(err))
		return
	}

	delivery := model.WebhookDelivery{
		ID:        util.New(),
		WebhookID: w.ID,
		TenantID:  w.TenantID,
		EventType: evt.Type,
		Payload:   body,
	}
	d.attempt(ctx, w, &delivery, body)

	if err := d.repo.InsertDelivery(ctx, delivery); err != nil {
		d.log.Error("record webhook delivery", zap.String("webhook_id", w.ID), zap.Error(err))
	}
	d.recordOutcome(ctx, w.ID, delivery)
}

// attempt performs one HTTP POST and fills the delivery row in place.
func (d *Dispatcher) attempt(ctx context.Context, w model.Webhook, delivery *model.WebhookDelivery, body []byte) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		msg := err.Error()
		delivery.Error = &msg
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-TaskFlow-Event", delivery.EventType)
	req.Header.Set("X-TaskFlow-Delivery", delivery.ID)
	req.Header.Set("X-TaskFlow-Signature", Signature(w.Secret, body))

	resp, err := d.client.Do(req)
	delivery.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		msg := err.Error()
		delivery.Error = &msg
		return
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	respStr := string(respBody)
	delivery.StatusCode = &resp.StatusCode
	delivery.Response = &respStr
	delivery.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !delivery.Success {
		msg := fmt.Sprintf("endpoint returned %d", resp.StatusCode)
		delivery.Error = &msg
	}
}

func (d *Dispatcher) recordOutcome(ctx context.Context, webhookID string, delivery model.WebhookDelivery) {
	if delivery.Success {
		metrics.WebhookDeliveries.WithLabelValues("success").Inc()
		if err := d.repo.RecordSuccess(ctx, webhookID); err != nil {
			d.log.Error("record webhook success", zap.String("webhook_id", webhookID), zap.Error(err))
		}
		return
	}
	metrics.WebhookDeliveries.WithLabelValues("failure").Inc()
	d.log.Warn("webhook delivery failed",
		zap.String("webhook_id", webhookID),
		zap.String("delivery_id", delivery.ID),
		zap.String("event_type", delivery.EventType),
		zap.Int64("duration_ms", delivery.DurationMs))
	if err := d.repo.RecordFailure(ctx, webhookID); err != nil {
		d.log.Error("record webhook failure", zap.String("webhook_id", webhookID), zap.Error(err))
	}
}

// RetryDelivery re-sends a recorded delivery to its endpoint. The original
// row is updated in place with the new outcome and a bumped retry count.
func (d *Dispatcher) RetryDelivery(ctx context.Context, deliveryID, tenantID string) (*model.WebhookDelivery, error) {
	delivery, err := d.repo.GetDelivery(ctx, deliveryID, tenantID)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, fmt.Errorf("delivery %s not found", deliveryID)
	}

	w, err := d.repo.Get(ctx, delivery.WebhookID)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, fmt.Errorf("webhook %s no longer exists", delivery.WebhookID)
	}

	if err := d.repo.IncrementDeliveryRetry(ctx, deliveryID); err != nil {
		return nil, err
	}
	delivery.RetryCount++

	delivery.Success = false
	delivery.StatusCode = nil
	delivery.Response = nil
	delivery.Error = nil
	d.attempt(ctx, *w, delivery, delivery.Payload)

	if err := d.repo.UpdateDelivery(ctx, *delivery); err != nil {
		return nil, err
	}
	d.recordOutcome(ctx, w.ID, *delivery)
	return delivery, nil
}
