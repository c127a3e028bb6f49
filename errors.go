package orchestrator

import "fmt"

// ResourceBusy is raised in the ENTERING phase when the Lock Manager
// could not acquire every key in a saga's resource set. It is not
// recovered inside the core: it propagates to the queue so attempt
// counting reflects reality, and is classified retryable at quarantine
// time via the "other transaction in progress" substring (§9 open
// question — the source treats it as retryable, so do we).
type ResourceBusy struct {
	Resources string
}

func (e *ResourceBusy) Error() string {
	return fmt.Sprintf("other transaction in progress on %s", e.Resources)
}

// StepFunctionNotFound is raised when EXECUTING(i) resolves a step name
// against the Registry and finds nothing. Classified retryable at
// quarantine time: a rolling deploy may re-add the step name.
type StepFunctionNotFound struct {
	Name string
}

func (e *StepFunctionNotFound) Error() string {
	return fmt.Sprintf("step function not found: %s", e.Name)
}

// StepExecutionError wraps any error a step's execute action returns.
// It triggers reverse compensation of the success trail before being
// re-raised.
type StepExecutionError struct {
	StepName string
	Cause    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s execution failed: %v", e.StepName, e.Cause)
}

func (e *StepExecutionError) Unwrap() error { return e.Cause }

// CompensationError records that a compensate action itself failed. It
// never changes the saga's terminal outcome and is recorded, not
// propagated, by the Compensation Engine.
type CompensationError struct {
	StepName string
	Cause    error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %s failed: %v", e.StepName, e.Cause)
}

func (e *CompensationError) Unwrap() error { return e.Cause }

// QuarantineWriteError means the quarantine record itself failed to
// persist. Logged at the call site; the original saga failure still
// propagates because recovery here is operational, not automatic.
type QuarantineWriteError struct {
	JobID string
	Cause error
}

func (e *QuarantineWriteError) Error() string {
	return fmt.Sprintf("failed to quarantine job %s: %v", e.JobID, e.Cause)
}

func (e *QuarantineWriteError) Unwrap() error { return e.Cause }

// ErrStepUnavailableForCompensation is returned by the Compensation
// Engine's operator-driven retry path when the Registry no longer has
// the step named by a persisted CompensationFailureRecord. Unlike the
// silent skip performed during trail reconstruction on resume (§4.7
// step 2 — a bookkeeping path), an explicit retry request fails loudly
// per the stricter-implementation note in §9.
type ErrStepUnavailableForCompensation struct {
	StepName string
}

func (e *ErrStepUnavailableForCompensation) Error() string {
	return fmt.Sprintf("step %s is not registered on this node, cannot compensate", e.StepName)
}
