package saga

import (
	"context"
	"encoding/json"
	"fmt"
)

// CreateProjectSaga is the registered name of the project-setup saga.
const CreateProjectSaga = "create-project"

// CreateProjectInput is the saga input payload.
type CreateProjectInput struct {
	TenantID     string   `json:"tenantId"`
	OwnerID      string   `json:"ownerId"`
	Name         string   `json:"name"`
	InitialTasks []string `json:"initialTasks,omitempty"`
}

// ProjectSteps is what the create-project saga needs from the surrounding
// system. Implementations write through the outbox like any other domain
// code; the saga only sequences and undoes them.
type ProjectSteps interface {
	CreateProject(ctx context.Context, in CreateProjectInput) (projectID string, err error)
	DeleteProject(ctx context.Context, projectID string) error

	CreateInitialTasks(ctx context.Context, projectID string, titles []string) (taskIDs []string, err error)
	DeleteTasks(ctx context.Context, taskIDs []string) error

	SendWelcomeEmail(ctx context.Context, ownerID, projectID string) error

	RecordActivity(ctx context.Context, tenantID, projectID, action string) (activityID string, err error)
	DeleteActivity(ctx context.Context, activityID string) error
}

// NewCreateProjectDefinition builds the project-setup saga: create the
// project, seed its initial tasks, greet the owner, record the activity.
// The welcome email has no compensation; an email cannot be unsent.
func NewCreateProjectDefinition(deps ProjectSteps) Definition {
	return Definition{
		Name: CreateProjectSaga,
		Steps: []Step{
			{
				Name: "createProject",
				Execute: func(ctx context.Context, sc *Context) (json.RawMessage, error) {
					var in CreateProjectInput
					if err := sc.Get("input", &in); err != nil {
						return nil, err
					}
					if in.TenantID == "" || in.Name == "" {
						return nil, fmt.Errorf("create-project: tenantId and name are required")
					}
					id, err := deps.CreateProject(ctx, in)
					if err != nil {
						return nil, err
					}
					return json.Marshal(map[string]string{"projectId": id})
				},
				Compensate: func(ctx context.Context, sc *Context) error {
					id, err := projectID(sc)
					if err != nil {
						return err
					}
					return deps.DeleteProject(ctx, id)
				},
			},
			{
				Name: "createInitialTasks",
				Execute: func(ctx context.Context, sc *Context) (json.RawMessage, error) {
					var in CreateProjectInput
					if err := sc.Get("input", &in); err != nil {
						return nil, err
					}
					id, err := projectID(sc)
					if err != nil {
						return nil, err
					}
					taskIDs, err := deps.CreateInitialTasks(ctx, id, in.InitialTasks)
					if err != nil {
						return nil, err
					}
					return json.Marshal(map[string][]string{"taskIds": taskIDs})
				},
				Compensate: func(ctx context.Context, sc *Context) error {
					var res struct {
						TaskIDs []string `json:"taskIds"`
					}
					if err := sc.Get("createInitialTasks", &res); err != nil {
						return err
					}
					if len(res.TaskIDs) == 0 {
						return nil
					}
					return deps.DeleteTasks(ctx, res.TaskIDs)
				},
			},
			{
				Name: "sendWelcomeEmail",
				Execute: func(ctx context.Context, sc *Context) (json.RawMessage, error) {
					var in CreateProjectInput
					if err := sc.Get("input", &in); err != nil {
						return nil, err
					}
					id, err := projectID(sc)
					if err != nil {
						return nil, err
					}
					if err := deps.SendWelcomeEmail(ctx, in.OwnerID, id); err != nil {
						return nil, err
					}
					return json.Marshal(map[string]bool{"sent": true})
				},
			},
			{
				Name: "createActivityLog",
				Execute: func(ctx context.Context, sc *Context) (json.RawMessage, error) {
					var in CreateProjectInput
					if err := sc.Get("input", &in); err != nil {
						return nil, err
					}
					id, err := projectID(sc)
					if err != nil {
						return nil, err
					}
					activityID, err := deps.RecordActivity(ctx, in.TenantID, id, "project.created")
					if err != nil {
						return nil, err
					}
					return json.Marshal(map[string]string{"activityId": activityID})
				},
				Compensate: func(ctx context.Context, sc *Context) error {
					var res struct {
						ActivityID string `json:"activityId"`
					}
					if err := sc.Get("createActivityLog", &res); err != nil {
						return err
					}
					return deps.DeleteActivity(ctx, res.ActivityID)
				},
			},
		},
	}
}

func projectID(sc *Context) (string, error) {
	var res struct {
		ProjectID string `json:"projectId"`
	}
	if err := sc.Get("createProject", &res); err != nil {
		return "", err
	}
	return res.ProjectID, nil
}
