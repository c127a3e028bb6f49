// Package queue defines the Job Store Adapter contract of spec §4.3: a
// thin interface over a durable FIFO-like queue that the rest of the
// core (Coordinator, Worker) depends on without knowing which durable
// primitive backs it. storage/queue/pg provides a concrete
// implementation over the "existing durable job-queue primitive" the
// spec treats as an external collaborator.
package queue

import (
	"context"
	"time"

	"github.com/txsaga/orchestrator/domain"
)

// State mirrors the queue-level lifecycle exposed by Coordinator.getStatus.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// QueuedJob is a saga instance as seen by the queue: its business
// payload (domain.SagaJob) plus the queue's own bookkeeping.
type QueuedJob struct {
	ID           string
	Payload      *domain.SagaJob
	Attempts     int
	MaxAttempts  int
	State        State
	Progress     int
	ProcessedOn  *time.Time
	FinishedOn   *time.Time
	FailedReason string
}

// EnqueueOptions configures how a job is admitted to the queue.
type EnqueueOptions struct {
	// MaxAttempts bounds queue-level redelivery. Spec §4.6 step 4 sets
	// this to 1 by default: sagas are not blindly retried by the queue,
	// operator-driven requeue from quarantine is the retry path instead.
	MaxAttempts int
	// IdempotencyAnchor, if set, is enforced as a store-level unique
	// constraint as defense-in-depth alongside the Redis idempotency
	// binding (SPEC_FULL.md supplemented feature).
	IdempotencyAnchor string
	// VisibilityTimeout is a per-job visibility window. storage/queue/pg
	// does not read it: its Dequeue reserves every job for
	// pg.DefaultVisibilityTimeout.
	VisibilityTimeout time.Duration
}

// Store is the Job Store Adapter contract.
type Store interface {
	// Enqueue admits a new job. If opts.IdempotencyAnchor collides with
	// an existing job, Enqueue returns that job's id instead of erroring
	// (mirrors the teacher's unique-violation handling in
	// taskPgRepository.Create).
	Enqueue(ctx context.Context, job *domain.SagaJob, opts EnqueueOptions) (jobID string, err error)

	// Fetch returns the current state of a job by id.
	Fetch(ctx context.Context, jobID string) (*QueuedJob, error)

	// UpdatePayload replaces a job's persisted payload in place. Required
	// for resumability: the worker writes step-by-step progress here.
	UpdatePayload(ctx context.Context, jobID string, job *domain.SagaJob) error

	// UpdateProgress records an observational 0..100 progress value and
	// invokes the onProgress hook, if registered.
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// Dequeue claims up to limit waiting (or expired-reservation) jobs,
	// making them invisible to other callers until the store's visibility
	// timeout elapses or the job reaches a terminal state.
	Dequeue(ctx context.Context, limit int) ([]*QueuedJob, error)

	// MarkCompleted transitions a job to StateCompleted and invokes the
	// onCompleted hook, if registered.
	MarkCompleted(ctx context.Context, jobID string) error

	// MarkFailed transitions a job to StateFailed with reason and
	// invokes the onFailed hook, if registered. Idempotent: repeated
	// calls for the same jobID do not fire the hook twice (§4.7 step 5).
	MarkFailed(ctx context.Context, jobID string, reason string) error
}

// EventHooks are the eventing hooks of §4.3.
type EventHooks struct {
	OnCompleted func(ctx context.Context, jobID string)
	OnFailed    func(ctx context.Context, jobID string, reason string)
	OnProgress  func(ctx context.Context, jobID string, progress int)
}
