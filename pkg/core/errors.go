package core

import "fmt"

// ValidationError corresponds to §7's ValidationFailure kind: a missing
// required field or a template target of the wrong kind.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// BackendUnavailableError corresponds to §7's BackendUnavailable kind.
type BackendUnavailableError struct {
	Backend string
	Reason  string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %q unavailable: %s", e.Backend, e.Reason)
}

// BackendExecutionError corresponds to §7's BackendExecution kind: the
// remote returned non-2xx or an error body.
type BackendExecutionError struct {
	Task string
	Err  error
}

func (e *BackendExecutionError) Error() string {
	return fmt.Sprintf("backend execution failed for task %q: %v", e.Task, e.Err)
}

func (e *BackendExecutionError) Unwrap() error { return e.Err }

// StepFailureError corresponds to §7's StepFailure kind: a non-optional
// step exhausted retries. Aborts the pipeline.
type StepFailureError struct {
	StepID string
	Task   string
	Err    error
}

func (e *StepFailureError) Error() string {
	return fmt.Sprintf("step %q (%s) failed: %v", e.StepID, e.Task, e.Err)
}

func (e *StepFailureError) Unwrap() error { return e.Err }

// DeadlockError corresponds to §7's Deadlock kind: the dependsOn graph has
// no runnable step and none running.
type DeadlockError struct {
	Pending []string
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("pipeline deadlocked: steps never became runnable: %v", e.Pending)
}

// EffectError wraps a single effect handler failure. Always logged and
// swallowed by the dispatcher (§7 EffectFailure) — it is exported so tests
// and logging call sites can inspect which effect failed, not so callers
// propagate it.
type EffectError struct {
	Event string
	Err   error
}

func (e *EffectError) Error() string {
	return fmt.Sprintf("effect %q failed: %v", e.Event, e.Err)
}

func (e *EffectError) Unwrap() error { return e.Err }

// OptionalStepSkipped is not really an error condition (§7: "not an
// error"); it exists so the step runner can report *why* a step was
// skipped without overloading StepStatus.Error for the non-error case of
// an optional step's final failed attempt.
type OptionalStepSkipped struct {
	StepID string
	Reason string
}

func (e *OptionalStepSkipped) Error() string {
	return fmt.Sprintf("step %q skipped: %s", e.StepID, e.Reason)
}

// ErrJobNotOwned is returned by a Storage implementation when a worker
// tries to Complete/Fail a job it no longer holds the lock on.
var ErrJobNotOwned = fmt.Errorf("job not owned by this worker")

// ErrNotSupported is returned by optional Backend methods (GetResources,
// Cancel) that an adapter chooses not to implement.
var ErrNotSupported = fmt.Errorf("operation not supported by this backend")

// ErrJobNotFound is returned by Storage.GetJob for an unknown id.
var ErrJobNotFound = fmt.Errorf("job not found")

// ErrAlreadyTerminal is returned by CancelJob when the job has already
// completed or failed.
var ErrAlreadyTerminal = fmt.Errorf("job already in a terminal state")
