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

// SagaRepository persists the per-execution ledger the orchestrator writes
// after every step and compensation.
type SagaRepository interface {
	Create(ctx context.Context, ex *model.SagaExecution) error
	Update(ctx context.Context, ex *model.SagaExecution) error
	Get(ctx context.Context, id string) (*model.SagaExecution, error)
	History(ctx context.Context, sagaName string, limit int) ([]model.SagaExecution, error)
	Stats(ctx context.Context) ([]model.SagaStat, error)
}

type SagaRepositoryImpl struct {
	db *sqlx.DB
}

func NewSagaRepository(db *sqlx.DB) *SagaRepositoryImpl {
	return &SagaRepositoryImpl{db: db}
}

type sagaRow struct {
	ID             string     `db:"id"`
	SagaName       string     `db:"saga_name"`
	Status         string     `db:"status"`
	CurrentStep    int        `db:"current_step"`
	CompletedSteps []byte     `db:"completed_steps"`
	FailedStep     *string    `db:"failed_step"`
	Error          *string    `db:"error"`
	StartedAt      time.Time  `db:"started_at"`
	CompletedAt    *time.Time `db:"completed_at"`
	Context        []byte     `db:"context"`
}

func (row sagaRow) toModel() (model.SagaExecution, error) {
	ex := model.SagaExecution{
		ID:          row.ID,
		SagaName:    row.SagaName,
		Status:      model.SagaStatus(row.Status),
		CurrentStep: row.CurrentStep,
		FailedStep:  row.FailedStep,
		Error:       row.Error,
		StartedAt:   row.StartedAt,
		CompletedAt: row.CompletedAt,
	}
	if len(row.CompletedSteps) > 0 {
		if err := json.Unmarshal(row.CompletedSteps, &ex.CompletedSteps); err != nil {
			return ex, err
		}
	}
	if len(row.Context) > 0 {
		if err := json.Unmarshal(row.Context, &ex.Context); err != nil {
			return ex, err
		}
	}
	return ex, nil
}

func marshalSaga(ex *model.SagaExecution) (steps, sagaCtx []byte, err error) {
	completed := ex.CompletedSteps
	if completed == nil {
		completed = []string{}
	}
	steps, err = json.Marshal(completed)
	if err != nil {
		return nil, nil, err
	}
	c := ex.Context
	if c == nil {
		c = map[string]json.RawMessage{}
	}
	sagaCtx, err = json.Marshal(c)
	if err != nil {
		return nil, nil, err
	}
	return steps, sagaCtx, nil
}

const sagaColumns = "id, saga_name, status, current_step, completed_steps, failed_step, `error`, started_at, completed_at, context"

func (r *SagaRepositoryImpl) Create(ctx context.Context, ex *model.SagaExecution) error {
	steps, sagaCtx, err := marshalSaga(ex)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO saga_executions
		    (id, saga_name, status, current_step, completed_steps, failed_step, ` + "`error`" + `, started_at, completed_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, q,
		ex.ID, ex.SagaName, ex.Status.String(), ex.CurrentStep, steps,
		ex.FailedStep, ex.Error, ex.StartedAt, ex.CompletedAt, sagaCtx)
	return err
}

func (r *SagaRepositoryImpl) Update(ctx context.Context, ex *model.SagaExecution) error {
	steps, sagaCtx, err := marshalSaga(ex)
	if err != nil {
		return err
	}
	const q = `
		UPDATE saga_executions
		SET status = ?, current_step = ?, completed_steps = ?, failed_step = ?,
		    ` + "`error`" + ` = ?, completed_at = ?, context = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, q,
		ex.Status.String(), ex.CurrentStep, steps, ex.FailedStep,
		ex.Error, ex.CompletedAt, sagaCtx, ex.ID)
	return err
}

func (r *SagaRepositoryImpl) Get(ctx context.Context, id string) (*model.SagaExecution, error) {
	var row sagaRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+sagaColumns+` FROM saga_executions WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ex, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &ex, nil
}

func (r *SagaRepositoryImpl) History(ctx context.Context, sagaName string, limit int) ([]model.SagaExecution, error) {
	q := `SELECT ` + sagaColumns + ` FROM saga_executions`
	args := []any{}
	if sagaName != "" {
		q += ` WHERE saga_name = ?`
		args = append(args, sagaName)
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	var rows []sagaRow
	if err := r.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]model.SagaExecution, 0, len(rows))
	for _, row := range rows {
		ex, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, nil
}

func (r *SagaRepositoryImpl) Stats(ctx context.Context) ([]model.SagaStat, error) {
	const q = `
		SELECT saga_name, status, COUNT(*) AS count
		FROM saga_executions
		GROUP BY saga_name, status
	`
	var out []model.SagaStat
	if err := r.db.SelectContext(ctx, &out, q); err != nil {
		return nil, err
	}
	return out, nil
}
