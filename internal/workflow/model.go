package workflow

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a workflow instance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further steps will run for this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the checkpointed state of one step.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// Instance is one durable execution of a Definition, keyed by a business id.
type Instance struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      Status          `json:"status"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// StepRecord is the checkpoint for (instance id, step name).
type StepRecord struct {
	InstanceID string          `json:"instanceId"`
	Name       string          `json:"name"`
	Status     StepStatus      `json:"status"`
	Attempts   int             `json:"attempts"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}
