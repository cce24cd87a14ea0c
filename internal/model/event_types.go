package model

// Domain event types. The dot-delimited form is also the broker routing key
// and what webhook subscriptions / bus patterns match against.
const (
	EventTaskCreated       = "task.created"
	EventTaskUpdated       = "task.updated"
	EventTaskStatusChanged = "task.status.changed"
	EventTaskAssigned      = "task.assigned"
	EventTaskDeleted       = "task.deleted"
	EventTaskOverdue       = "task.overdue"

	EventUserCreated  = "user.created"
	EventUserUpdated  = "user.updated"
	EventUserLoggedIn = "user.logged_in"

	EventProjectCreated     = "project.created"
	EventProjectDeleted     = "project.deleted"
	EventProjectMemberAdded = "project.member.added"

	EventActivityRecorded = "activity.recorded"
	EventActivityDeleted  = "activity.deleted"

	EventNotificationSend = "notification.send"
	EventEmailSend        = "email.send"
	EventWebhookTrigger   = "webhook.trigger"
)
