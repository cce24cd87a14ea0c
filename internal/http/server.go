package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/dlq"
	"github.com/taskflow/taskflow/internal/eventstore"
	"github.com/taskflow/taskflow/internal/inbox"
	"github.com/taskflow/taskflow/internal/saga"
	"github.com/taskflow/taskflow/internal/webhook"
)

// Deps collects everything the operator API exposes.
type Deps struct {
	DLQ        *dlq.Service
	Inbox      *inbox.Service
	Sagas      *saga.Orchestrator
	Events     *eventstore.Service
	Webhooks   *webhook.Service
	Dispatcher *webhook.Dispatcher
	Log        *zap.Logger
}

// Server is the operator-facing HTTP API: DLQ triage, saga inspection,
// event replay, webhook management. It is not the tenant product API.
type Server struct {
	e    *echo.Echo
	deps Deps
	addr string
	log  *zap.Logger
}

func NewServer(addr string, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	s := &Server{e: e, deps: deps, addr: addr, log: log}

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")
	s.registerDLQRoutes(api)
	s.registerSagaRoutes(api)
	s.registerEventRoutes(api)
	s.registerWebhookRoutes(api)

	return s
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("path", c.Request().URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
			return err
		}
	}
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	err := s.e.Start(s.addr)
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

// tenantID reads the tenant scoping header set by the gateway.
func tenantID(c echo.Context) string {
	return c.Request().Header.Get("X-Tenant-ID")
}

// userID identifies the operator performing a mutation.
func userID(c echo.Context) string {
	if id := c.Request().Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "unknown"
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": msg})
}
