package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_outbox_messages_total",
			Help: "Outbox publisher outcomes per tick",
		},
		[]string{"result"}, // published|failed
	)

	InboxMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_inbox_messages_total",
			Help: "Inbox processing outcomes",
		},
		[]string{"result"}, // processed|duplicate|failed
	)

	DeadLetters = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskflow_dead_letters_total",
			Help: "Messages escalated to the dead letter queue",
		},
	)

	SagaExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_saga_executions_total",
			Help: "Saga executions by terminal status",
		},
		[]string{"saga", "status"},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskflow_webhook_deliveries_total",
			Help: "Webhook delivery attempts by outcome",
		},
		[]string{"result"}, // success|failure
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		OutboxPublished,
		InboxMessages,
		DeadLetters,
		SagaExecutions,
		WebhookDeliveries,
	)
}
