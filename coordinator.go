package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/idempotency"
	"github.com/txsaga/orchestrator/storage/queue"
)

// StepInput names one step of a saga a caller wants executed, in order.
// The Registry resolves the name to its executable pair at run time;
// Coordinator.Execute only ever persists the name.
type StepInput struct {
	Name string
}

// ExecuteRequest is the Saga Coordinator's public entry point payload
// (§4.6): the caller-facing shape of a new saga instance.
type ExecuteRequest struct {
	UserID              string
	Steps               []StepInput
	ResourceIdentifiers []domain.ResourceIdentifier
	IdempotencyKey      string
}

// JobStatus is the Coordinator's public status view (§4.6 getStatus).
type JobStatus struct {
	ID           string
	QueueState   queue.State
	Progress     int
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
	Data         *domain.SagaJob
}

// Coordinator is the Saga Coordinator of §4.6: the external API that
// enforces idempotency, constructs the job payload, and enqueues it.
type Coordinator struct {
	store       queue.Store
	idempotency *idempotency.Store
	// JobAttempts governs the Job Store's own redelivery count
	// (Open Question decision 2 in DESIGN.md): kept as a separate
	// configuration surface from quarantine's canRetry flag. Defaults
	// to 1 (sagas are not blindly retried by the queue).
	JobAttempts int
	// IdempotencyTTL bounds how long an idempotencyKey -> jobId binding
	// survives. Defaults to idempotency.DefaultTTL (1 hour) when zero.
	IdempotencyTTL time.Duration
}

// NewCoordinator wires the Coordinator to its Job Store and Idempotency
// Binding store, with the documented defaults of §4.6.
func NewCoordinator(store queue.Store, idem *idempotency.Store) *Coordinator {
	return &Coordinator{store: store, idempotency: idem, JobAttempts: 1}
}

// Execute is §4.6's execute operation.
func (c *Coordinator) Execute(ctx context.Context, req ExecuteRequest) (string, error) {
	resources := req.ResourceIdentifiers
	if len(resources) == 0 {
		resources = []domain.ResourceIdentifier{{Type: "user", ID: req.UserID}}
	}

	if req.IdempotencyKey != "" {
		if jobID, found, err := c.idempotency.Lookup(ctx, req.IdempotencyKey); err != nil {
			return "", errors.Wrap(err, "Coordinator.Execute: idempotency lookup")
		} else if found {
			return jobID, nil
		}
	}

	job := &domain.SagaJob{
		JobID:               uuid.NewString(),
		UserID:              req.UserID,
		Steps:               make([]domain.StepState, len(req.Steps)),
		CurrentStepIndex:    0,
		CreatedAt:           time.Now().UTC(),
		IdempotencyKey:      req.IdempotencyKey,
		ResourceIdentifiers: resources,
	}
	for i, step := range req.Steps {
		job.Steps[i] = domain.StepState{Name: step.Name, Index: i, Status: domain.StepPending}
	}

	attempts := c.JobAttempts
	if attempts <= 0 {
		attempts = 1
	}

	jobID, err := c.store.Enqueue(ctx, job, queue.EnqueueOptions{
		MaxAttempts:       attempts,
		IdempotencyAnchor: req.IdempotencyKey,
	})
	if err != nil {
		return "", errors.Wrap(err, "Coordinator.Execute: enqueue")
	}

	if req.IdempotencyKey != "" {
		if err := c.idempotency.Bind(ctx, req.IdempotencyKey, jobID, c.IdempotencyTTL); err != nil {
			return "", errors.Wrap(err, "Coordinator.Execute: bind idempotency key")
		}
	}

	return jobID, nil
}

// GetStatus is §4.6's getStatus operation.
func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	job, err := c.store.Fetch(ctx, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "Coordinator.GetStatus: %s", jobID)
	}
	if job == nil {
		return nil, nil
	}
	return &JobStatus{
		ID:           job.ID,
		QueueState:   job.State,
		Progress:     job.Progress,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
		FailedReason: job.FailedReason,
		Data:         job.Payload,
	}, nil
}
