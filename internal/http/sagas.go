package http

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/taskflow/taskflow/internal/model"
)

func (s *Server) registerSagaRoutes(g *echo.Group) {
	g.GET("/sagas", s.listSagaDefinitions)
	g.POST("/sagas/:name/execute", s.executeSaga)
	g.GET("/sagas/executions/:id", s.getSagaExecution)
	g.GET("/sagas/history", s.sagaHistory)
	g.GET("/sagas/stats", s.sagaStats)
}

func (s *Server) listSagaDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string][]string{"sagas": s.deps.Sagas.Definitions()})
}

type sagaExecutionView struct {
	ID             string                     `json:"id"`
	SagaName       string                     `json:"sagaName"`
	Status         string                     `json:"status"`
	CurrentStep    int                        `json:"currentStep"`
	CompletedSteps []string                   `json:"completedSteps"`
	FailedStep     *string                    `json:"failedStep,omitempty"`
	Error          *string                    `json:"error,omitempty"`
	Context        map[string]json.RawMessage `json:"context,omitempty"`
}

func sagaView(ex *model.SagaExecution) sagaExecutionView {
	return sagaExecutionView{
		ID:             ex.ID,
		SagaName:       ex.SagaName,
		Status:         ex.Status.String(),
		CurrentStep:    ex.CurrentStep,
		CompletedSteps: ex.CompletedSteps,
		FailedStep:     ex.FailedStep,
		Error:          ex.Error,
		Context:        ex.Context,
	}
}

func (s *Server) executeSaga(c echo.Context) error {
	input, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "unreadable body")
	}
	if len(input) > 0 && !json.Valid(input) {
		return badRequest(c, "body must be valid JSON")
	}

	ex, err := s.deps.Sagas.Execute(c.Request().Context(), c.Param("name"), input)
	if ex == nil {
		if err != nil {
			return badRequest(c, err.Error())
		}
		return notFound(c, "saga not found")
	}
	// a compensated run is reported, not surfaced as a transport error
	return c.JSON(http.StatusOK, sagaView(ex))
}

func (s *Server) getSagaExecution(c echo.Context) error {
	ex, err := s.deps.Sagas.GetExecution(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if ex == nil {
		return notFound(c, "execution not found")
	}
	return c.JSON(http.StatusOK, sagaView(ex))
}

func (s *Server) sagaHistory(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return badRequest(c, "limit must be a positive integer")
		}
		limit = n
	}
	history, err := s.deps.Sagas.History(c.Request().Context(), c.QueryParam("name"), limit)
	if err != nil {
		return err
	}
	views := make([]sagaExecutionView, 0, len(history))
	for i := range history {
		views = append(views, sagaView(&history[i]))
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) sagaStats(c echo.Context) error {
	stats, err := s.deps.Sagas.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, stats)
}
