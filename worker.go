package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/lock"
	"github.com/txsaga/orchestrator/storage/quarantine"
	"github.com/txsaga/orchestrator/storage/queue"
)

// EventPublisher is the optional eventing-hook transport of the
// Saga Worker: a nil Publisher disables cross-process lifecycle
// fan-out entirely (SPEC_FULL.md DOMAIN STACK — events/kafka provides
// a concrete implementation over the teacher's Sarama writer).
type EventPublisher interface {
	Publish(ctx context.Context, jobID string, state string, progress int) error
}

// Worker is the Saga Worker of §4.7: the state machine that dequeues
// jobs and drives them from ENTERING through COMPLETED, FAILED, or
// QUARANTINED, delegating to the Lock Manager, Step Registry, and
// Compensation Engine.
type Worker struct {
	store        queue.Store
	locks        *lock.Manager
	registry     *StepRegistry
	compensation *CompensationEngine
	quarantine   *quarantine.Store

	// LockTTL overrides lock.DefaultTTL when positive.
	LockTTL time.Duration
	// Publisher, when non-nil, is notified after every state transition.
	Publisher EventPublisher
}

// NewWorker wires a Worker to its collaborators.
func NewWorker(store queue.Store, locks *lock.Manager, registry *StepRegistry, compensation *CompensationEngine, quarantineStore *quarantine.Store) *Worker {
	return &Worker{store: store, locks: locks, registry: registry, compensation: compensation, quarantine: quarantineStore}
}

// maxDequeueBackoff bounds the growing wait Run applies after repeated
// Dequeue errors, mirroring the teacher's dataBaseTaskReader/
// dataBaseDLQTaskReader goroutines (database.go): waitTime doubles on
// every error and resets once a poll succeeds.
const maxDequeueBackoff = 30 * time.Second

// Run polls the Job Store at the given interval until ctx is done,
// processing up to batchSize jobs per poll. Errors from individual
// jobs are logged, not propagated: one saga's failure must never stop
// the poll loop from draining the rest of the queue. A failing Dequeue
// call instead grows the wait before the next attempt, capped at
// maxDequeueBackoff, so a down Postgres doesn't get hammered at the
// configured poll rate.
func (w *Worker) Run(ctx context.Context, pollInterval time.Duration, batchSize int) {
	timer := time.NewTimer(pollInterval)
	defer timer.Stop()
	wait := pollInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			jobs, err := w.store.Dequeue(ctx, batchSize)
			if err != nil {
				wait *= 2
				if wait > maxDequeueBackoff {
					wait = maxDequeueBackoff
				}
				slog.Error("Worker.Run: dequeue failed", "error", err.Error(), "retry_in", wait.String())
				timer.Reset(wait)
				continue
			}
			wait = pollInterval

			for _, j := range jobs {
				if err := w.ProcessJob(ctx, j.ID); err != nil {
					slog.Info("Worker.Run: job finished with error", "job_id", j.ID, "error", err.Error())
				}
			}
			timer.Reset(wait)
		}
	}
}

// ProcessJob is one per-invocation run of the §4.7 algorithm for a
// single job id. The returned error is the original failure that
// triggered quarantine/compensation, for callers that want it (tests,
// synchronous callers); Run itself only logs it.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) error {
	queued, err := w.store.Fetch(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "Worker.ProcessJob: fetch %s", jobID)
	}
	if queued == nil {
		return fmt.Errorf("Worker.ProcessJob: job %s not found", jobID)
	}
	job := queued.Payload

	// ENTERING
	resources := job.ResourceIdentifiers
	if len(resources) == 0 {
		resources = []domain.ResourceIdentifier{{Type: "user", ID: job.UserID}}
	}
	keys := make([]string, len(resources))
	for i, r := range resources {
		keys[i] = r.LockKey()
	}

	ttl := w.LockTTL
	if ttl <= 0 {
		ttl = lock.DefaultTTL
	}

	acquired, err := w.locks.Acquire(ctx, keys, job.JobID, ttl)
	if err != nil {
		return errors.Wrapf(err, "Worker.ProcessJob: lock acquire %s", job.JobID)
	}
	if !acquired {
		busyErr := &ResourceBusy{Resources: strings.Join(keys, ", ")}
		w.fail(ctx, job, busyErr)
		return busyErr
	}
	// Owner-verified release makes this safe regardless of how
	// EXECUTING below terminates (invariant I6).
	defer func() {
		if _, err := w.locks.Release(ctx, keys, job.JobID); err != nil {
			slog.Error("Worker.ProcessJob: lock release failed", "job_id", job.JobID, "error", err.Error())
		}
	}()

	// LOCK_ACQUIRED
	trail := w.rebuildTrail(job)

	// EXECUTING(i)
	for i := job.CurrentStepIndex; i < len(job.Steps); i++ {
		progress := i * 100 / len(job.Steps)
		w.publishProgress(ctx, job.JobID, progress)

		job.Steps[i].Status = domain.StepInProgress
		if job.CurrentStepIndex < i {
			job.CurrentStepIndex = i
		}
		if err := w.store.UpdatePayload(ctx, job.JobID, job); err != nil {
			return errors.Wrapf(err, "Worker.ProcessJob: persist in_progress %s", job.JobID)
		}

		def, ok := w.registry.Get(job.Steps[i].Name)
		if !ok {
			notFound := &StepFunctionNotFound{Name: job.Steps[i].Name}
			w.failStep(ctx, job, i, trail, notFound)
			return notFound
		}

		result, err := def.Execute(ctx)
		if err != nil {
			execErr := &StepExecutionError{StepName: job.Steps[i].Name, Cause: err}
			w.failStep(ctx, job, i, trail, execErr)
			return execErr
		}

		job.Steps[i].Status = domain.StepCompleted
		job.Steps[i].Result = result
		job.CurrentStepIndex = i + 1
		if err := w.store.UpdatePayload(ctx, job.JobID, job); err != nil {
			return errors.Wrapf(err, "Worker.ProcessJob: persist completed %s", job.JobID)
		}
		trail = append(trail, SuccessTrailEntry{StepName: job.Steps[i].Name, Result: result, Definition: def})
	}

	// COMPLETED
	w.publishProgress(ctx, job.JobID, 100)
	if err := w.store.MarkCompleted(ctx, job.JobID); err != nil {
		return errors.Wrapf(err, "Worker.ProcessJob: mark completed %s", job.JobID)
	}
	w.publishState(ctx, job.JobID, "completed", 100)
	slog.Info("Worker.ProcessJob: completed", "job_id", job.JobID, "steps", len(job.Steps))
	return nil
}

// failStep persists the failing step's terminal status, runs
// compensation over the trail accumulated so far, and hands off to the
// shared quarantine/mark-failed path. cause is returned unchanged to
// the caller of ProcessJob, matching §4.7 step 3e's re-raise semantics.
func (w *Worker) failStep(ctx context.Context, job *domain.SagaJob, stepIndex int, trail []SuccessTrailEntry, cause error) {
	job.Steps[stepIndex].Status = domain.StepFailed
	if err := w.store.UpdatePayload(ctx, job.JobID, job); err != nil {
		slog.Error("Worker.failStep: persist failed step", "job_id", job.JobID, "error", err.Error())
	}

	if failed := w.compensation.Execute(ctx, job.JobID, trail); len(failed) > 0 {
		slog.Warn("Worker.failStep: some compensations failed", "job_id", job.JobID, "count", len(failed))
	}

	w.fail(ctx, job, cause)
}

// rebuildTrail reconstructs the success trail for steps already
// completed in a prior attempt (§4.7 step 2). A step whose definition
// is no longer registered on this node is skipped silently: its
// compensation is unreachable here and must be handled by a retry on
// a node that still has it (Open Question decision 3, resume path).
func (w *Worker) rebuildTrail(job *domain.SagaJob) []SuccessTrailEntry {
	var trail []SuccessTrailEntry
	for i := 0; i < job.CurrentStepIndex && i < len(job.Steps); i++ {
		step := job.Steps[i]
		if step.Status != domain.StepCompleted {
			continue
		}
		def, ok := w.registry.Get(step.Name)
		if !ok {
			slog.Warn("Worker.rebuildTrail: step unregistered on this node, skipping from trail",
				"job_id", job.JobID, "step", step.Name)
			continue
		}
		trail = append(trail, SuccessTrailEntry{StepName: step.Name, Result: step.Result, Definition: def})
	}
	return trail
}

// fail is the shared FAILED-path tail of §4.7 step 5: build and persist
// a quarantine record, then mark the job failed in the queue. Guarded
// against duplicate quarantine entries for the same job by checking
// the queue's own failed state first, since MarkFailed is itself
// idempotent but Add is not.
func (w *Worker) fail(ctx context.Context, job *domain.SagaJob, cause error) {
	if existing, err := w.store.Fetch(ctx, job.JobID); err == nil && existing != nil && existing.State == queue.StateFailed {
		return
	}

	var completed []string
	var failedStep string
	for _, s := range job.Steps {
		switch s.Status {
		case domain.StepCompleted:
			completed = append(completed, s.Name)
		case domain.StepFailed:
			failedStep = s.Name
		}
	}

	retryable := classifyQuarantine(cause.Error())
	priority := domain.PriorityNormal
	if retryable {
		priority = domain.PriorityHigh
	}

	rec := domain.QuarantineRecord{
		OriginalJobID:  job.JobID,
		JobSnapshot:    *job,
		FailureReason:  cause.Error(),
		FailureStack:   fmt.Sprintf("%+v", errors.WithStack(cause)),
		FailedAt:       time.Now().UTC(),
		CompletedSteps: completed,
		FailedStep:     failedStep,
		Priority:       priority,
		CanRetry:       retryable,
	}
	if _, err := w.quarantine.Add(ctx, rec); err != nil {
		qErr := &QuarantineWriteError{JobID: job.JobID, Cause: err}
		slog.Error("Worker.fail: quarantine write failed", "job_id", job.JobID, "error", qErr.Error())
	}

	if err := w.store.MarkFailed(ctx, job.JobID, cause.Error()); err != nil {
		slog.Error("Worker.fail: mark failed", "job_id", job.JobID, "error", err.Error())
	}
	w.publishState(ctx, job.JobID, "failed", jobProgress(job))
}

func jobProgress(job *domain.SagaJob) int {
	if len(job.Steps) == 0 {
		return 0
	}
	return job.CurrentStepIndex * 100 / len(job.Steps)
}

func (w *Worker) publishProgress(ctx context.Context, jobID string, progress int) {
	if err := w.store.UpdateProgress(ctx, jobID, progress); err != nil {
		slog.Error("Worker: update progress failed", "job_id", jobID, "error", err.Error())
	}
	if w.Publisher != nil {
		if err := w.Publisher.Publish(ctx, jobID, "in_progress", progress); err != nil {
			slog.Error("Worker: publish progress failed", "job_id", jobID, "error", err.Error())
		}
	}
}

func (w *Worker) publishState(ctx context.Context, jobID string, state string, progress int) {
	if w.Publisher == nil {
		return
	}
	if err := w.Publisher.Publish(ctx, jobID, state, progress); err != nil {
		slog.Error("Worker: publish state failed", "job_id", jobID, "state", state, "error", err.Error())
	}
}
