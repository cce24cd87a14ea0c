package saga

import (
	"context"
	"encoding/json"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/taskflow/taskflow/internal/eventstore"
	"github.com/taskflow/taskflow/internal/model"
	"github.com/taskflow/taskflow/internal/outbox"
	"github.com/taskflow/taskflow/internal/util"
)

// EventSteps implements ProjectSteps on the event store and the outbox:
// every forward action appends a domain event and enqueues it for
// publication, every undo appends the corresponding delete event. Downstream
// consumers see compensations as ordinary events.
type EventSteps struct {
	events *eventstore.Service
	outbox *outbox.Service
	log    *zap.Logger
}

func NewEventSteps(events *eventstore.Service, ob *outbox.Service, log *zap.Logger) *EventSteps {
	if log == nil {
		log = zap.NewNop()
	}
	return &EventSteps{events: events, outbox: ob, log: log}
}

// record appends the event and enqueues it for publication in one
// transaction: neither write is visible unless both commit.
func (s *EventSteps) record(ctx context.Context, aggregateID, aggregateType, eventType string, payload any, meta model.EventMetadata) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.events.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := s.events.AppendEventTx(ctx, tx, aggregateID, aggregateType, eventType, raw, meta); err != nil {
			return err
		}
		_, err := s.outbox.Enqueue(ctx, tx, aggregateID, aggregateType, eventType, raw)
		return err
	})
}

func (s *EventSteps) CreateProject(ctx context.Context, in CreateProjectInput) (string, error) {
	projectID := util.New()
	err := s.record(ctx, projectID, "project", model.EventProjectCreated,
		map[string]string{
			"projectId": projectID,
			"tenantId":  in.TenantID,
			"ownerId":   in.OwnerID,
			"name":      in.Name,
		},
		model.EventMetadata{TenantID: in.TenantID, UserID: in.OwnerID})
	if err != nil {
		return "", err
	}
	return projectID, nil
}

func (s *EventSteps) DeleteProject(ctx context.Context, projectID string) error {
	return s.record(ctx, projectID, "project", model.EventProjectDeleted,
		map[string]string{"projectId": projectID}, model.EventMetadata{})
}

func (s *EventSteps) CreateInitialTasks(ctx context.Context, projectID string, titles []string) ([]string, error) {
	ids := make([]string, 0, len(titles))
	for _, title := range titles {
		taskID := util.New()
		err := s.record(ctx, taskID, "task", model.EventTaskCreated,
			map[string]string{
				"taskId":    taskID,
				"projectId": projectID,
				"title":     title,
				"status":    "todo",
			},
			model.EventMetadata{})
		if err != nil {
			// the orchestrator only compensates completed steps, so undo
			// the tasks this step already created before reporting failure
			if derr := s.DeleteTasks(ctx, ids); derr != nil {
				s.log.Error("undo partially created tasks",
					zap.String("project_id", projectID), zap.Error(derr))
			}
			return nil, err
		}
		ids = append(ids, taskID)
	}
	return ids, nil
}

func (s *EventSteps) DeleteTasks(ctx context.Context, taskIDs []string) error {
	for _, id := range taskIDs {
		err := s.record(ctx, id, "task", model.EventTaskDeleted,
			map[string]string{"taskId": id}, model.EventMetadata{})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *EventSteps) SendWelcomeEmail(ctx context.Context, ownerID, projectID string) error {
	payload, err := json.Marshal(map[string]string{
		"template":  "project-welcome",
		"userId":    ownerID,
		"projectId": projectID,
	})
	if err != nil {
		return err
	}
	_, err = s.outbox.Enqueue(ctx, nil, ownerID, "user", model.EventEmailSend, payload)
	return err
}

func (s *EventSteps) RecordActivity(ctx context.Context, tenantID, projectID, action string) (string, error) {
	activityID := util.New()
	err := s.record(ctx, activityID, "activity", model.EventActivityRecorded,
		map[string]string{
			"activityId": activityID,
			"tenantId":   tenantID,
			"projectId":  projectID,
			"action":     action,
		},
		model.EventMetadata{TenantID: tenantID})
	if err != nil {
		return "", err
	}
	return activityID, nil
}

func (s *EventSteps) DeleteActivity(ctx context.Context, activityID string) error {
	return s.record(ctx, activityID, "activity", model.EventActivityDeleted,
		map[string]string{"activityId": activityID}, model.EventMetadata{})
}
