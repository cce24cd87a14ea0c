package model

import (
	"encoding/json"
	"time"
)

type SagaStatus string

const (
	SagaRunning      SagaStatus = "RUNNING"
	SagaCompleted    SagaStatus = "COMPLETED"
	SagaFailed       SagaStatus = "FAILED"
	SagaCompensating SagaStatus = "COMPENSATING"
	SagaCompensated  SagaStatus = "COMPENSATED"
)

func (s SagaStatus) String() string { return string(s) }

// Terminal reports whether no further transition is possible.
func (s SagaStatus) Terminal() bool {
	return s == SagaCompleted || s == SagaCompensated
}

// SagaExecution is the persisted ledger of one saga run. completedSteps keeps
// execution order; Context maps step name -> step result (raw JSON).
type SagaExecution struct {
	ID             string
	SagaName       string
	Status         SagaStatus
	CurrentStep    int
	CompletedSteps []string
	FailedStep     *string
	Error          *string
	StartedAt      time.Time
	CompletedAt    *time.Time
	Context        map[string]json.RawMessage
}

// SagaStat is one grouped (name, status) count for the stats endpoint.
type SagaStat struct {
	SagaName string `db:"saga_name" json:"sagaName"`
	Status   string `db:"status" json:"status"`
	Count    int64  `db:"count" json:"count"`
}
