package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/metrics"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/repository"
	"github.com/taskflow/taskflow/internal/util"
)

// Orchestrator runs registered sagas step by step, persisting the execution
// ledger after every transition. A step failure triggers best-effort reverse
// compensation of everything that completed; compensation errors are logged
// and skipped so one broken undo never blocks the rest.
type Orchestrator struct {
	repo     repository.SagaRepository
	registry *Registry
	log      *zap.Logger
}

func NewOrchestrator(repo repository.SagaRepository, registry *Registry, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{repo: repo, registry: registry, log: log}
}

// Execute runs the named saga with the given input. On step failure the
// returned execution is COMPENSATED and err is the step's original error.
func (o *Orchestrator) Execute(ctx context.Context, sagaName string, input json.RawMessage) (*model.SagaExecution, error) {
	def, ok := o.registry.Get(sagaName)
	if !ok {
		return nil, fmt.Errorf("saga %s not registered", sagaName)
	}

	sc := NewContext(input)
	ex := &model.SagaExecution{
		ID:        util.New(),
		SagaName:  sagaName,
		Status:    model.SagaRunning,
		StartedAt: time.Now().UTC(),
		Context:   sc.Values(),
	}
	if err := o.repo.Create(ctx, ex); err != nil {
		return nil, fmt.Errorf("create saga execution: %w", err)
	}

	o.log.Info("saga started",
		zap.String("saga", sagaName),
		zap.String("execution_id", ex.ID),
		zap.Int("steps", len(def.Steps)))

	for i, step := range def.Steps {
		// persist the step index before running it, so a crash mid-step
		// leaves the ledger pointing at the step that was in flight
		ex.CurrentStep = i
		if uerr := o.repo.Update(ctx, ex); uerr != nil {
			o.log.Error("persist saga progress",
				zap.String("execution_id", ex.ID), zap.Error(uerr))
		}

		result, err := step.Execute(ctx, sc)
		if err != nil {
			o.log.Error("saga step failed",
				zap.String("saga", sagaName),
				zap.String("execution_id", ex.ID),
				zap.String("step", step.Name),
				zap.Error(err))
			o.compensate(ctx, def, ex, sc, step.Name, err)
			metrics.SagaExecutions.WithLabelValues(sagaName, ex.Status.String()).Inc()
			return ex, err
		}

		if len(result) > 0 {
			sc.values[step.Name] = result
		}
		ex.CompletedSteps = append(ex.CompletedSteps, step.Name)
		ex.Context = sc.Values()
		if uerr := o.repo.Update(ctx, ex); uerr != nil {
			o.log.Error("persist saga progress",
				zap.String("execution_id", ex.ID), zap.Error(uerr))
		}
	}

	now := time.Now().UTC()
	ex.Status = model.SagaCompleted
	ex.CompletedAt = &now
	if err := o.repo.Update(ctx, ex); err != nil {
		return ex, fmt.Errorf("complete saga execution: %w", err)
	}
	metrics.SagaExecutions.WithLabelValues(sagaName, ex.Status.String()).Inc()
	o.log.Info("saga completed",
		zap.String("saga", sagaName),
		zap.String("execution_id", ex.ID))
	return ex, nil
}

func (o *Orchestrator) compensate(ctx context.Context, def Definition, ex *model.SagaExecution, sc *Context, failedStep string, cause error) {
	msg := cause.Error()
	ex.Status = model.SagaCompensating
	ex.FailedStep = &failedStep
	ex.Error = &msg
	if err := o.repo.Update(ctx, ex); err != nil {
		o.log.Error("persist compensating status",
			zap.String("execution_id", ex.ID), zap.Error(err))
	}

	byName := map[string]Step{}
	for _, s := range def.Steps {
		byName[s.Name] = s
	}

	for i := len(ex.CompletedSteps) - 1; i >= 0; i-- {
		name := ex.CompletedSteps[i]
		step, ok := byName[name]
		if !ok || step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, sc); err != nil {
			// keep unwinding; a stuck undo must not strand the rest
			o.log.Error("saga compensation failed",
				zap.String("saga", def.Name),
				zap.String("execution_id", ex.ID),
				zap.String("step", name),
				zap.Error(err))
			continue
		}
		o.log.Info("saga step compensated",
			zap.String("saga", def.Name),
			zap.String("execution_id", ex.ID),
			zap.String("step", name))
	}

	now := time.Now().UTC()
	ex.Status = model.SagaCompensated
	ex.CompletedAt = &now
	ex.Context = sc.Values()
	if err := o.repo.Update(ctx, ex); err != nil {
		o.log.Error("persist compensated status",
			zap.String("execution_id", ex.ID), zap.Error(err))
	}
}

// GetExecution returns one execution by id, or nil when absent.
func (o *Orchestrator) GetExecution(ctx context.Context, id string) (*model.SagaExecution, error) {
	return o.repo.Get(ctx, id)
}

// History lists recent executions, optionally filtered by saga name.
func (o *Orchestrator) History(ctx context.Context, sagaName string, limit int) ([]model.SagaExecution, error) {
	return o.repo.History(ctx, sagaName, limit)
}

// Stats returns per-saga, per-status execution counts.
func (o *Orchestrator) Stats(ctx context.Context) ([]model.SagaStat, error) {
	return o.repo.Stats(ctx)
}

// Definitions lists the registered saga names.
func (o *Orchestrator) Definitions() []string {
	return o.registry.Names()
}
