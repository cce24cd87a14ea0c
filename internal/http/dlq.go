package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerDLQRoutes(g *echo.Group) {
	g.GET("/dlq", s.listDeadLetters)
	g.GET("/dlq/stats", s.dlqStats)
	g.POST("/dlq/:id/retry", s.retryDeadLetter)
	g.POST("/dlq/:id/resolve", s.resolveDeadLetter)

	g.GET("/inbox/stuck", s.listStuckMessages)
	g.POST("/inbox/:messageId/retry", s.retryInboxMessage)
}

func (s *Server) listDeadLetters(c echo.Context) error {
	ctx := c.Request().Context()
	if et := c.QueryParam("event_type"); et != "" {
		out, err := s.deps.DLQ.FindUnresolvedByEventType(ctx, et)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, out)
	}

	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	out, err := s.deps.DLQ.FindUnresolved(ctx, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) dlqStats(c echo.Context) error {
	stats, err := s.deps.DLQ.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) retryDeadLetter(c echo.Context) error {
	res := s.deps.DLQ.RetryMessage(c.Request().Context(), c.Param("id"), userID(c))
	status := http.StatusOK
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	return c.JSON(status, res)
}

func (s *Server) resolveDeadLetter(c echo.Context) error {
	var body struct {
		Notes string `json:"notes"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid body")
	}
	ok, err := s.deps.DLQ.MarkAsResolved(c.Request().Context(), c.Param("id"), userID(c), body.Notes)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(c, "dead letter not found or already resolved")
	}
	return c.JSON(http.StatusOK, map[string]bool{"resolved": true})
}

func (s *Server) listStuckMessages(c echo.Context) error {
	limit := 100
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	out, err := s.deps.Inbox.GetStuck(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) retryInboxMessage(c echo.Context) error {
	if err := s.deps.Inbox.RetryMessage(c.Request().Context(), c.Param("messageId")); err != nil {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]bool{"processed": true})
}
