package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/txsaga/orchestrator/domain"
	"github.com/txsaga/orchestrator/storage/failure"
)

// SuccessTrailEntry is one link of the success trail the Worker rebuilds
// in LOCK_ACQUIRED and appends to during EXECUTING: the step's name, the
// payload its execute action returned, and the definition resolved from
// the Registry (so Compensate is available without a second lookup).
type SuccessTrailEntry struct {
	StepName   string
	Result     json.RawMessage
	Definition StepDefinition
}

// CompensationEngine runs the reverse-order rollback of §4.4: every
// compensation is attempted best-effort, a failure never aborts
// compensation of earlier steps, and failures are recorded rather than
// propagated so the saga's terminal outcome is decided solely by the
// original failure that triggered compensation.
type CompensationEngine struct {
	failures *failure.Store
	registry *StepRegistry
}

// NewCompensationEngine wires the engine to its failure-record store and
// the registry it consults for operator-driven retry.
func NewCompensationEngine(failures *failure.Store, registry *StepRegistry) *CompensationEngine {
	return &CompensationEngine{failures: failures, registry: registry}
}

// Execute walks trail in reverse, invoking each step's Compensate with
// its own persisted result. Steps registered with a nil Compensate are
// skipped: there is nothing to undo. Every error encountered is
// recorded via the Compensation Engine's own classification and
// returned for logging, never re-raised.
func (e *CompensationEngine) Execute(ctx context.Context, jobID string, trail []SuccessTrailEntry) []*CompensationError {
	var failed []*CompensationError
	for i := len(trail) - 1; i >= 0; i-- {
		entry := trail[i]
		if entry.Definition.Compensate == nil {
			continue
		}

		if err := entry.Definition.Compensate(ctx, entry.Result); err != nil {
			compErr := &CompensationError{StepName: entry.StepName, Cause: err}
			failed = append(failed, compErr)

			retryable := CompensationClassification.classify(err.Error())
			rec := domain.CompensationFailureRecord{
				JobID:      jobID,
				StepName:   entry.StepName,
				StepResult: entry.Result,
				ErrorMsg:   err.Error(),
				Stack:      fmt.Sprintf("%+v", errors.WithStack(err)),
				Retryable:  retryable,
				FailedAt:   time.Now().UTC(),
			}
			if recErr := e.failures.Record(ctx, rec); recErr != nil {
				slog.Error("CompensationEngine.Execute: failed to persist failure record",
					"job_id", jobID, "step", entry.StepName, "error", recErr.Error())
			}
			slog.Warn("CompensationEngine.Execute: compensation failed",
				"job_id", jobID, "step", entry.StepName, "retryable", retryable, "error", err.Error())
			continue
		}

		slog.Info("CompensationEngine.Execute: compensated", "job_id", jobID, "step", entry.StepName)
	}
	return failed
}

// RetryCompensationFailure is the operator-driven retry path of §4.4:
// it loads the persisted failure record by key, resolves the step by
// name against the registry, and re-invokes Compensate with the
// original result. On success the record is removed. If the registry
// no longer has the step, it fails loudly with
// ErrStepUnavailableForCompensation rather than silently skipping,
// per the stricter-implementation note in §9.
func (e *CompensationEngine) RetryCompensationFailure(ctx context.Context, key string) error {
	rec, ok, err := e.failures.Get(ctx, key)
	if err != nil {
		return errors.Wrapf(err, "RetryCompensationFailure: load %s", key)
	}
	if !ok {
		return nil
	}

	def, ok := e.registry.Get(rec.StepName)
	if !ok {
		return &ErrStepUnavailableForCompensation{StepName: rec.StepName}
	}
	if def.Compensate == nil {
		return e.failures.Remove(ctx, key)
	}

	if err := def.Compensate(ctx, rec.StepResult); err != nil {
		retryable := CompensationClassification.classify(err.Error())
		rec.ErrorMsg = err.Error()
		rec.Stack = fmt.Sprintf("%+v", errors.WithStack(err))
		rec.Retryable = retryable
		rec.FailedAt = time.Now().UTC()
		if recErr := e.failures.Record(ctx, rec); recErr != nil {
			slog.Error("RetryCompensationFailure: failed to re-persist failure record",
				"job_id", rec.JobID, "step", rec.StepName, "error", recErr.Error())
		}
		return &CompensationError{StepName: rec.StepName, Cause: err}
	}

	return e.failures.Remove(ctx, key)
}
