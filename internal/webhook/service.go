package webhook

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// Service manages tenant webhook registrations. The secret is generated
// server-side at creation and never rotated through Update.
type Service struct {
	repo repository.WebhookRepository
	log  *zap.Logger
}

func NewService(repo repository.WebhookRepository, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, log: log}
}

func validateRegistration(rawURL string, events []string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook url must be an absolute http(s) URL")
	}
	if len(events) == 0 {
		return fmt.Errorf("webhook needs at least one event pattern")
	}
	for _, e := range events {
		if strings.TrimSpace(e) == "" {
			return fmt.Errorf("empty event pattern")
		}
	}
	return nil
}

func (s *Service) CreateWebhook(ctx context.Context, tenantID, rawURL string, events []string) (*model.Webhook, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if err := validateRegistration(rawURL, events); err != nil {
		return nil, err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	w := model.Webhook{
		ID:       util.New(),
		TenantID: tenantID,
		URL:      rawURL,
		Events:   events,
		Secret:   secret,
		IsActive: true,
	}
	if err := s.repo.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	s.log.Info("webhook registered",
		zap.String("webhook_id", w.ID),
		zap.String("tenant_id", tenantID),
		zap.Strings("events", events))
	return &w, nil
}

func (s *Service) UpdateWebhook(ctx context.Context, id, tenantID, rawURL string, events []string, isActive bool) (*model.Webhook, error) {
	if err := validateRegistration(rawURL, events); err != nil {
		return nil, err
	}
	w := model.Webhook{ID: id, TenantID: tenantID, URL: rawURL, Events: events, IsActive: isActive}
	ok, err := s.repo.Update(ctx, w)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("webhook %s not found", id)
	}
	return s.repo.Get(ctx, id)
}

func (s *Service) DeleteWebhook(ctx context.Context, id, tenantID string) error {
	return s.repo.Delete(ctx, id, tenantID)
}

func (s *Service) GetWebhook(ctx context.Context, id string) (*model.Webhook, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) ListWebhooks(ctx context.Context, tenantID string) ([]model.Webhook, error) {
	return s.repo.ListByTenant(ctx, tenantID)
}

func (s *Service) ListDeliveries(ctx context.Context, webhookID, tenantID string, limit int) ([]model.WebhookDelivery, error) {
	return s.repo.ListDeliveries(ctx, webhookID, tenantID, limit)
}
