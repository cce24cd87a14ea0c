package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

func (s *Server) registerEventRoutes(g *echo.Group) {
	g.GET("/events/:aggregateType/:aggregateId", s.listAggregateEvents)
	g.GET("/events/:aggregateType/:aggregateId/state", s.rebuildAggregate)
	g.POST("/events/replay", s.replayEvents)
}

func (s *Server) listAggregateEvents(c echo.Context) error {
	events, err := s.deps.Events.GetAggregateEvents(c.Request().Context(),
		c.Param("aggregateId"), c.Param("aggregateType"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) rebuildAggregate(c echo.Context) error {
	state, err := s.deps.Events.RebuildAggregate(c.Request().Context(),
		c.Param("aggregateId"), c.Param("aggregateType"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, state)
}

type replayRequest struct {
	StartTime  time.Time `json:"startTime"`
	EndTime    time.Time `json:"endTime"`
	EventTypes []string  `json:"eventTypes,omitempty"`
	DryRun     bool      `json:"dryRun"`
}

func (s *Server) replayEvents(c echo.Context) error {
	var req replayRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.StartTime.IsZero() || req.EndTime.IsZero() {
		return badRequest(c, "startTime and endTime are required")
	}
	if !req.EndTime.After(req.StartTime) {
		return badRequest(c, "endTime must be after startTime")
	}

	res, err := s.deps.Events.ReplayEvents(c.Request().Context(),
		req.StartTime, req.EndTime, req.EventTypes, req.DryRun)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
