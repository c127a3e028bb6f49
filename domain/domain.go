// Package domain holds the value objects persisted by the orchestrator:
// saga instances, step state, resource identifiers and the quarantine /
// compensation-failure records. None of these types carry behavior —
// step execute/compensate functions live in the process-local registry,
// never in persisted data (see the root package's StepRegistry).
package domain

import (
	"encoding/json"
	"time"
)

// StepStatus is the lifecycle state of a single step within a saga instance.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
)

// Priority classifies a QuarantineRecord for operator triage.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// ResourceIdentifier names a logical resource a saga touches. The Lock
// Manager derives a lock key from Type, ID and the optional Action
// discriminator (tx_lock:<type>_<id>[_<action>]).
type ResourceIdentifier struct {
	Type   string `json:"type"`
	ID     string `json:"id"`
	Action string `json:"action,omitempty"`
}

// LockKey renders the resource identifier into its Lock Manager key.
func (r ResourceIdentifier) LockKey() string {
	if r.Action != "" {
		return "tx_lock:" + r.Type + "_" + r.ID + "_" + r.Action
	}
	return "tx_lock:" + r.Type + "_" + r.ID
}

// StepState is the persisted record of one step's progress within a
// saga instance. Result is opaque to the orchestrator: only the step's
// own compensate function knows how to interpret it.
type StepState struct {
	Name   string          `json:"name"`
	Index  int             `json:"index"`
	Status StepStatus      `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// SagaJob is the durable payload of one saga instance, mutated only by
// the worker that currently owns the resource lock covering it.
type SagaJob struct {
	JobID               string               `json:"jobId"`
	UserID              string               `json:"userId"`
	Steps               []StepState          `json:"steps"`
	CurrentStepIndex    int                  `json:"currentStepIndex"`
	CreatedAt           time.Time            `json:"createdAt"`
	IdempotencyKey      string               `json:"idempotencyKey,omitempty"`
	ResourceIdentifiers []ResourceIdentifier `json:"resourceIdentifiers"`
}

// AllCompleted reports whether CurrentStepIndex has advanced past the
// end of Steps, which the worker does only after the last step
// completes. Step statuses themselves are not inspected.
func (j *SagaJob) AllCompleted() bool {
	return j.CurrentStepIndex >= len(j.Steps)
}

// QuarantineRecord is a dead-lettered saga instance awaiting operator
// action. It is never re-enqueued automatically (invariant 5).
type QuarantineRecord struct {
	ID              string            `json:"id"`
	OriginalJobID   string            `json:"originalJobId"`
	JobSnapshot     SagaJob           `json:"jobSnapshot"`
	FailureReason   string            `json:"failureReason"`
	FailureStack    string            `json:"failureStack,omitempty"`
	FailedAt        time.Time         `json:"failedAt"`
	CompletedSteps  []string          `json:"completedSteps"`
	FailedStep      string            `json:"failedStep"`
	Priority        Priority          `json:"priority"`
	CanRetry        bool              `json:"canRetry"`
	BusinessContext map[string]string `json:"businessContext,omitempty"`
	Handled         bool              `json:"handled"`
	ProcessedAt     *time.Time        `json:"processedAt,omitempty"`
	ProcessorNote   string            `json:"processorNote,omitempty"`
}

// CompensationFailureRecord is created when a compensate action itself
// raises. It does not change the saga's terminal outcome (still FAILED)
// but is retained separately so an operator can retry the compensation.
type CompensationFailureRecord struct {
	JobID      string          `json:"jobId"`
	StepName   string          `json:"stepName"`
	StepResult json.RawMessage `json:"stepResult,omitempty"`
	ErrorMsg   string          `json:"errorMessage"`
	Stack      string          `json:"stack,omitempty"`
	Retryable  bool            `json:"retryable"`
	FailedAt   time.Time       `json:"failedAt"`
}

// Key renders the Redis key this record is stored under.
func (c CompensationFailureRecord) Key() string {
	return "compensation_failure:" + c.JobID + ":" + c.StepName
}

// IdempotencyBinding maps a client-supplied idempotency key to the job
// id it produced, for the bounded window in which resubmission returns
// the original job instead of enqueueing a new one.
type IdempotencyBinding struct {
	Key   string `json:"key"`
	JobID string `json:"jobId"`
}
