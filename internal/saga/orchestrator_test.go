package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskflow/taskflow/internal/model"
)

type memSagaRepo struct {
	mu   sync.Mutex
	rows map[string]model.SagaExecution
	// statuses records every persisted status transition in order
	statuses []model.SagaStatus
	// writes keeps every persisted snapshot in order
	writes []model.SagaExecution
}

func newMemSagaRepo() *memSagaRepo {
	return &memSagaRepo{rows: map[string]model.SagaExecution{}}
}

func (r *memSagaRepo) snapshot(ex *model.SagaExecution) model.SagaExecution {
	cp := *ex
	cp.CompletedSteps = append([]string(nil), ex.CompletedSteps...)
	cp.Context = map[string]json.RawMessage{}
	for k, v := range ex.Context {
		cp.Context[k] = v
	}
	return cp
}

func (r *memSagaRepo) Create(ctx context.Context, ex *model.SagaExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot(ex)
	r.rows[ex.ID] = snap
	r.statuses = append(r.statuses, ex.Status)
	r.writes = append(r.writes, snap)
	return nil
}

func (r *memSagaRepo) Update(ctx context.Context, ex *model.SagaExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := r.snapshot(ex)
	r.rows[ex.ID] = snap
	r.statuses = append(r.statuses, ex.Status)
	r.writes = append(r.writes, snap)
	return nil
}

func (r *memSagaRepo) Get(ctx context.Context, id string) (*model.SagaExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ex, ok := r.rows[id]
	if !ok {
		return nil, nil
	}
	return &ex, nil
}

func (r *memSagaRepo) History(ctx context.Context, sagaName string, limit int) ([]model.SagaExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.SagaExecution
	for _, ex := range r.rows {
		if sagaName == "" || ex.SagaName == sagaName {
			out = append(out, ex)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSagaRepo) Stats(ctx context.Context) ([]model.SagaStat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int64{}
	for _, ex := range r.rows {
		counts[ex.SagaName+"|"+ex.Status.String()]++
	}
	var out []model.SagaStat
	for k, n := range counts {
		out = append(out, model.SagaStat{SagaName: k, Count: n})
	}
	return out, nil
}

func step(name string, execErr error, log *[]string, compErr error) Step {
	return Step{
		Name: name,
		Execute: func(ctx context.Context, sc *Context) (json.RawMessage, error) {
			if execErr != nil {
				return nil, execErr
			}
			*log = append(*log, "exec:"+name)
			return json.Marshal(map[string]string{"step": name})
		},
		Compensate: func(ctx context.Context, sc *Context) error {
			*log = append(*log, "comp:"+name)
			return compErr
		},
	}
}

func TestExecuteHappyPath(t *testing.T) {
	repo := newMemSagaRepo()
	reg := NewRegistry()
	var log []string
	reg.Register(Definition{Name: "demo", Steps: []Step{
		step("a", nil, &log, nil),
		step("b", nil, &log, nil),
	}})
	o := NewOrchestrator(repo, reg, nil)

	ex, err := o.Execute(context.Background(), "demo", json.RawMessage(`{"k":"v"}`))
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, ex.Status)
	assert.Equal(t, []string{"a", "b"}, ex.CompletedSteps)
	assert.Equal(t, []string{"exec:a", "exec:b"}, log)
	require.NotNil(t, ex.CompletedAt)
	assert.Nil(t, ex.FailedStep)

	// each step result landed in the persisted context
	saved, err := repo.Get(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Contains(t, saved.Context, "input")
	assert.Contains(t, saved.Context, "a")
	assert.Contains(t, saved.Context, "b")
}

func TestExecuteUnknownSaga(t *testing.T) {
	o := NewOrchestrator(newMemSagaRepo(), NewRegistry(), nil)
	_, err := o.Execute(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestFailureCompensatesAllCompletedStepsInReverse(t *testing.T) {
	repo := newMemSagaRepo()
	reg := NewRegistry()
	var log []string
	boom := errors.New("step c exploded")
	// a's compensation itself fails; b must still be compensated first and
	// the run must still finish COMPENSATED
	reg.Register(Definition{Name: "demo", Steps: []Step{
		step("a", nil, &log, errors.New("undo a broken")),
		step("b", nil, &log, nil),
		step("c", boom, &log, nil),
	}})
	o := NewOrchestrator(repo, reg, nil)

	ex, err := o.Execute(context.Background(), "demo", nil)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, model.SagaCompensated, ex.Status)
	require.NotNil(t, ex.FailedStep)
	assert.Equal(t, "c", *ex.FailedStep)
	require.NotNil(t, ex.Error)
	assert.Contains(t, *ex.Error, "step c exploded")

	assert.Equal(t, []string{"exec:a", "exec:b", "comp:b", "comp:a"}, log)

	// COMPENSATING was persisted before the undos ran
	assert.Contains(t, repo.statuses, model.SagaCompensating)
	assert.Equal(t, model.SagaCompensated, repo.statuses[len(repo.statuses)-1])
}

func TestStepIndexPersistedBeforeStepRuns(t *testing.T) {
	repo := newMemSagaRepo()
	reg := NewRegistry()
	var log []string
	reg.Register(Definition{Name: "demo", Steps: []Step{
		step("a", nil, &log, nil),
		step("b", errors.New("b exploded"), &log, nil),
	}})
	o := NewOrchestrator(repo, reg, nil)

	_, err := o.Execute(context.Background(), "demo", nil)
	require.Error(t, err)

	// the ledger must have pointed at b while b was in flight: a RUNNING
	// snapshot with current_step 1 persisted before any compensation write
	idx := -1
	for i, w := range repo.writes {
		if w.Status == model.SagaRunning && w.CurrentStep == 1 {
			idx = i
			break
		}
	}
	require.GreaterOrEqual(t, idx, 0, "no RUNNING snapshot for the failing step")
	for _, w := range repo.writes[:idx] {
		assert.NotEqual(t, model.SagaCompensating, w.Status)
	}
	assert.Equal(t, []string{"a"}, repo.writes[idx].CompletedSteps)
}

func TestFirstStepFailureCompensatesNothing(t *testing.T) {
	repo := newMemSagaRepo()
	reg := NewRegistry()
	var log []string
	reg.Register(Definition{Name: "demo", Steps: []Step{
		step("a", errors.New("dead on arrival"), &log, nil),
	}})
	o := NewOrchestrator(repo, reg, nil)

	ex, err := o.Execute(context.Background(), "demo", nil)
	require.Error(t, err)
	assert.Equal(t, model.SagaCompensated, ex.Status)
	assert.Empty(t, ex.CompletedSteps)
	assert.Empty(t, log)
}

// fakeProjectSteps scripts the create-project dependencies.
type fakeProjectSteps struct {
	failTasks bool

	projects   map[string]bool
	tasks      map[string]bool
	activities map[string]bool
	emails     int
}

func newFakeProjectSteps() *fakeProjectSteps {
	return &fakeProjectSteps{
		projects:   map[string]bool{},
		tasks:      map[string]bool{},
		activities: map[string]bool{},
	}
}

func (f *fakeProjectSteps) CreateProject(ctx context.Context, in CreateProjectInput) (string, error) {
	f.projects["p-1"] = true
	return "p-1", nil
}

func (f *fakeProjectSteps) DeleteProject(ctx context.Context, projectID string) error {
	delete(f.projects, projectID)
	return nil
}

func (f *fakeProjectSteps) CreateInitialTasks(ctx context.Context, projectID string, titles []string) ([]string, error) {
	if f.failTasks {
		return nil, errors.New("task quota exceeded")
	}
	var ids []string
	for i := range titles {
		id := fmt.Sprintf("t-%d", i+1)
		f.tasks[id] = true
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeProjectSteps) DeleteTasks(ctx context.Context, taskIDs []string) error {
	for _, id := range taskIDs {
		delete(f.tasks, id)
	}
	return nil
}

func (f *fakeProjectSteps) SendWelcomeEmail(ctx context.Context, ownerID, projectID string) error {
	f.emails++
	return nil
}

func (f *fakeProjectSteps) RecordActivity(ctx context.Context, tenantID, projectID, action string) (string, error) {
	f.activities["act-1"] = true
	return "act-1", nil
}

func (f *fakeProjectSteps) DeleteActivity(ctx context.Context, activityID string) error {
	delete(f.activities, activityID)
	return nil
}

func TestCreateProjectSagaCompletes(t *testing.T) {
	deps := newFakeProjectSteps()
	reg := NewRegistry()
	reg.Register(NewCreateProjectDefinition(deps))
	o := NewOrchestrator(newMemSagaRepo(), reg, nil)

	input, _ := json.Marshal(CreateProjectInput{
		TenantID:     "acme",
		OwnerID:      "u-1",
		Name:         "launch",
		InitialTasks: []string{"plan", "build"},
	})
	ex, err := o.Execute(context.Background(), CreateProjectSaga, input)
	require.NoError(t, err)
	assert.Equal(t, model.SagaCompleted, ex.Status)
	assert.Len(t, deps.projects, 1)
	assert.Len(t, deps.tasks, 2)
	assert.Len(t, deps.activities, 1)
	assert.Equal(t, 1, deps.emails)
}

func TestCreateProjectSagaUndoesProjectWhenTasksFail(t *testing.T) {
	deps := newFakeProjectSteps()
	deps.failTasks = true
	reg := NewRegistry()
	reg.Register(NewCreateProjectDefinition(deps))
	o := NewOrchestrator(newMemSagaRepo(), reg, nil)

	input, _ := json.Marshal(CreateProjectInput{
		TenantID: "acme", OwnerID: "u-1", Name: "launch", InitialTasks: []string{"plan"},
	})
	ex, err := o.Execute(context.Background(), CreateProjectSaga, input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "task quota exceeded")
	assert.Equal(t, model.SagaCompensated, ex.Status)
	require.NotNil(t, ex.FailedStep)
	assert.Equal(t, "createInitialTasks", *ex.FailedStep)

	assert.Empty(t, deps.projects)
	assert.Empty(t, deps.tasks)
	assert.Equal(t, 0, deps.emails)
}
