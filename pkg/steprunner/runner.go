// Package steprunner implements the Step Runner (spec §4.5): execute one
// step, including its optional forEach fan-out, backend selection, and
// retry wrapping, and classify the outcome as completed/skipped/failed.
package steprunner

import (
	"sync"
	"time"

	"context"

	"github.com/jdziat/declarative-pipeline/pkg/backend"
	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/metrics"
	"github.com/jdziat/declarative-pipeline/pkg/retry"
	"github.com/jdziat/declarative-pipeline/pkg/template"
)

// Deps are the collaborators a step runner needs; threaded in rather than
// held as package state so pkg/dag and pkg/sequential can share one
// instance per job (§5: per-job mutable state is owned by the scheduling
// coroutine, not global).
type Deps struct {
	Backends *backend.Registry
	Emit     func(core.Event)
}

func (d Deps) emit(e core.Event) {
	if d.Emit != nil {
		d.Emit(e)
	}
}

// Inherited carries the job-level defaults a step falls back to when it
// does not declare its own backend/retry/resources (§3 Step).
type Inherited struct {
	Backend   string
	Retry     *core.RetryPolicy
	Resources *core.ResourceHint
}

// Run executes one step end to end and returns its result, its final
// StepStatus snapshot, and an error that is non-nil only for a
// non-optional failure (the scheduler treats that as terminal; an
// optional failure is returned as a nil error with Status == StepSkipped,
// per §4.5 step 5: "do not throw").
func Run(ctx context.Context, jobID string, step core.Step, ctxMap map[string]any, inh Inherited, deps Deps) (any, core.StepStatus, error) {
	status := core.StepStatus{ID: step.ID, Task: step.Task, Status: core.StepRunning}
	started := time.Now()
	status.StartedAt = &started
	deps.emit(core.StepStarted{JobID: jobID, StepID: step.ID, Task: step.Task, Timestamp: started})

	if step.RunWhen != "" {
		runnable, err := template.ResolveBool(step.RunWhen, ctxMap)
		if err != nil {
			return finishFailed(jobID, step, status, started, err, deps)
		}
		if !runnable {
			return finishConditionSkipped(jobID, step, status, started, deps)
		}
	}

	var result any
	var err error
	if step.ForEach != "" {
		result, err = runForEach(ctx, step, ctxMap, inh, deps)
	} else {
		result, err = runSingle(ctx, step, ctxMap, inh, deps)
	}

	backendHint := step.Backend
	if backendHint == "" {
		backendHint = inh.Backend
	}
	if backendHint == "" {
		backendHint = "auto"
	}

	if err != nil {
		if step.Optional {
			metrics.StepsExecutedTotal.WithLabelValues(backendHint, "skipped").Inc()
			return finishSkipped(jobID, step, status, started, err, deps)
		}
		metrics.StepsExecutedTotal.WithLabelValues(backendHint, "error").Inc()
		return finishFailed(jobID, step, status, started, err, deps)
	}
	metrics.StepsExecutedTotal.WithLabelValues(backendHint, "success").Inc()
	metrics.StepDurationSeconds.WithLabelValues(backendHint, step.Task).Observe(time.Since(started).Seconds())
	return finishCompleted(jobID, step, status, started, result, deps)
}

func finishCompleted(jobID string, step core.Step, status core.StepStatus, started time.Time, result any, deps Deps) (any, core.StepStatus, error) {
	completed := time.Now()
	status.Status = core.StepCompleted
	status.CompletedAt = &completed
	status.Duration = completed.Sub(started)
	status.Result = result
	deps.emit(core.StepCompletedEvent{JobID: jobID, StepID: step.ID, Task: step.Task, Duration: status.Duration, Result: result})
	return result, status, nil
}

func finishSkipped(jobID string, step core.Step, status core.StepStatus, started time.Time, cause error, deps Deps) (any, core.StepStatus, error) {
	completed := time.Now()
	status.Status = core.StepSkipped
	status.CompletedAt = &completed
	status.Duration = completed.Sub(started)
	status.Error = cause.Error()
	result := map[string]any{"skipped": true, "error": cause.Error()}
	status.Result = result
	deps.emit(core.StepFailedEvent{JobID: jobID, StepID: step.ID, Task: step.Task, Err: cause, Optional: true})
	return result, status, nil
}

func finishConditionSkipped(jobID string, step core.Step, status core.StepStatus, started time.Time, deps Deps) (any, core.StepStatus, error) {
	completed := time.Now()
	status.Status = core.StepSkipped
	status.CompletedAt = &completed
	status.Duration = completed.Sub(started)
	status.Error = "condition-false"
	result := map[string]any{"skipped": true, "reason": "condition-false"}
	status.Result = result
	return result, status, nil
}

func finishFailed(jobID string, step core.Step, status core.StepStatus, started time.Time, cause error, deps Deps) (any, core.StepStatus, error) {
	completed := time.Now()
	status.Status = core.StepFailed
	status.CompletedAt = &completed
	status.Duration = completed.Sub(started)
	status.Error = cause.Error()
	deps.emit(core.StepFailedEvent{JobID: jobID, StepID: step.ID, Task: step.Task, Err: cause, Optional: false})
	return nil, status, &core.StepFailureError{StepID: step.ID, Task: step.Task, Err: cause}
}

// runSingle resolves input once, executes one task under retry, and
// returns its raw result (§4.5 step 3).
func runSingle(ctx context.Context, step core.Step, ctxMap map[string]any, inh Inherited, deps Deps) (any, error) {
	input, err := template.ResolveInput(step.Input, ctxMap)
	if err != nil {
		return nil, err
	}

	policy := step.Retry
	if policy == nil {
		policy = inh.Retry
	}
	backendHint := step.Backend
	if backendHint == "" {
		backendHint = inh.Backend
	}

	timeout := step.Timeout
	if timeout == 0 {
		resources := step.Resources
		if resources == nil {
			resources = inh.Resources
		}
		if resources != nil && resources.TimeoutSeconds > 0 {
			timeout = time.Duration(resources.TimeoutSeconds) * time.Second
		}
	}

	execCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	return retry.Do(execCtx, policy, func(c context.Context) (any, error) {
		b, err := deps.Backends.Select(c, backendHint)
		if err != nil {
			return nil, err
		}
		return b.Execute(c, core.TaskRequest{Task: step.Task, Payload: input})
	})
}

// runForEach implements §4.5 step 2: resolve the forEach sequence, run
// one task per element with bounded concurrency, and collect results in
// declaration order (§8 "forEach arity").
func runForEach(ctx context.Context, step core.Step, ctxMap map[string]any, inh Inherited, deps Deps) ([]any, error) {
	items, err := template.ResolveSequence(step.ForEach, ctxMap)
	if err != nil {
		return nil, err
	}
	n := len(items)
	results := make([]any, n)
	errs := make([]error, n)

	concurrency := step.ForEachConcurrency
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}
	if n == 0 {
		return results, nil
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, item := range items {
		itemCtx := make(map[string]any, len(ctxMap)+2)
		for k, v := range ctxMap {
			itemCtx[k] = v
		}
		itemCtx["item"] = item
		itemCtx["index"] = i

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, itemCtx map[string]any) {
			defer wg.Done()
			defer func() { <-sem }()
			result, err := runSingle(ctx, step, itemCtx, inh, deps)
			results[i] = result
			errs[i] = err
		}(i, itemCtx)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return results, e
		}
	}
	return results, nil
}
