package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/taskflow/taskflow/internal/model"
)

func (s *Server) registerWebhookRoutes(g *echo.Group) {
	g.POST("/webhooks", s.createWebhook)
	g.GET("/webhooks", s.listWebhooks)
	g.PUT("/webhooks/:id", s.updateWebhook)
	g.DELETE("/webhooks/:id", s.deleteWebhook)
	g.GET("/webhooks/:id/deliveries", s.listWebhookDeliveries)
	g.POST("/webhooks/deliveries/:id/retry", s.retryWebhookDelivery)
}

type webhookView struct {
	ID           string   `json:"id"`
	TenantID     string   `json:"tenantId"`
	URL          string   `json:"url"`
	Events       []string `json:"events"`
	Secret       string   `json:"secret,omitempty"`
	IsActive     bool     `json:"isActive"`
	FailureCount int      `json:"failureCount"`
}

func toWebhookView(w model.Webhook, includeSecret bool) webhookView {
	v := webhookView{
		ID:           w.ID,
		TenantID:     w.TenantID,
		URL:          w.URL,
		Events:       w.Events,
		IsActive:     w.IsActive,
		FailureCount: w.FailureCount,
	}
	if includeSecret {
		v.Secret = w.Secret
	}
	return v
}

type webhookRequest struct {
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"isActive,omitempty"`
}

func (s *Server) createWebhook(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}

	w, err := s.deps.Webhooks.CreateWebhook(c.Request().Context(), tenant, req.URL, req.Events)
	if err != nil {
		return badRequest(c, err.Error())
	}
	// the secret is shown exactly once, at creation
	return c.JSON(http.StatusCreated, toWebhookView(*w, true))
}

func (s *Server) listWebhooks(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	hooks, err := s.deps.Webhooks.ListWebhooks(c.Request().Context(), tenant)
	if err != nil {
		return err
	}
	views := make([]webhookView, 0, len(hooks))
	for _, w := range hooks {
		views = append(views, toWebhookView(w, false))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) updateWebhook(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	var req webhookRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	w, err := s.deps.Webhooks.UpdateWebhook(c.Request().Context(),
		c.Param("id"), tenant, req.URL, req.Events, active)
	if err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, toWebhookView(*w, false))
}

func (s *Server) deleteWebhook(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	if err := s.deps.Webhooks.DeleteWebhook(c.Request().Context(), c.Param("id"), tenant); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listWebhookDeliveries(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	out, err := s.deps.Webhooks.ListDeliveries(c.Request().Context(), c.Param("id"), tenant, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) retryWebhookDelivery(c echo.Context) error {
	tenant := tenantID(c)
	if tenant == "" {
		return badRequest(c, "X-Tenant-ID header is required")
	}
	d, err := s.deps.Dispatcher.RetryDelivery(c.Request().Context(), c.Param("id"), tenant)
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, d)
}
