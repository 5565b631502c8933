// Package dag implements the DAG Scheduler (spec §4.6): given steps with
// id/dependsOn, repeatedly launch all runnable steps in parallel until
// every step is terminal, detecting deadlocks and recording parallel
// groups for observability.
package dag

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"context"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/steprunner"
)

// Validate checks the §3 invariants: unique ids (synthesizing "step_<i>"
// for any missing one), every dependsOn target exists, and the graph is
// acyclic. It mutates a copy of steps to fill in synthesized ids and
// returns it. A static pre-flight check, per §9's "RECOMMENDED" note.
func Validate(steps []core.Step) ([]core.Step, error) {
	out := make([]core.Step, len(steps))
	copy(out, steps)

	seen := map[string]bool{}
	for i := range out {
		if out[i].ID == "" {
			out[i].ID = fmt.Sprintf("step_%d", i)
		}
		if seen[out[i].ID] {
			return nil, &core.ValidationError{Field: "steps", Msg: fmt.Sprintf("duplicate step id %q", out[i].ID)}
		}
		seen[out[i].ID] = true
	}
	for _, s := range out {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, &core.ValidationError{Field: "steps", Msg: fmt.Sprintf("step %q depends on unknown id %q", s.ID, dep)}
			}
		}
	}
	if cycle := findCycle(out); cycle != nil {
		return nil, &core.DeadlockError{Pending: cycle}
	}
	return out, nil
}

func findCycle(steps []core.Step) []string {
	deps := map[string][]string{}
	for _, s := range steps {
		deps[s.ID] = s.DependsOn
	}
	const white, gray, black = 0, 1, 2
	color := map[string]int{}
	var stack []string
	var cyclic []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				for i, s := range stack {
					if s == dep {
						cyclic = append([]string{}, stack[i:]...)
						break
					}
				}
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}
	for _, s := range steps {
		if color[s.ID] == white {
			if visit(s.ID) {
				return cyclic
			}
		}
	}
	return nil
}

type stepState struct {
	step   core.Step
	status core.StepState
}

// Run executes the pipeline in DAG mode (§4.6) and returns a PipelineResult
// on success, or the first non-optional step's error on failure, or a
// DeadlockError if the graph stalls at runtime.
func Run(ctx context.Context, jobID string, steps []core.Step, payload map[string]any, inh steprunner.Inherited, deps steprunner.Deps, progress func(int)) (*core.PipelineResult, error) {
	steps, err := Validate(steps)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	states := make(map[string]*stepState, len(steps))
	order := make([]string, len(steps))
	for i, s := range steps {
		states[s.ID] = &stepState{step: s, status: core.StepPending}
		order[i] = s.ID
	}

	stepResults := map[string]any{}
	stepStatus := map[string]core.StepStatus{}
	var parallelGroups [][]string
	var mu sync.Mutex // guards stepResults/stepStatus/parallelGroups between groups

	done := make(chan struct{}, len(steps))
	total := len(steps)

	terminal := func(st core.StepState) bool {
		return st == core.StepCompleted || st == core.StepFailed || st == core.StepSkipped
	}
	resolved := func(st core.StepState) bool {
		return st == core.StepCompleted || st == core.StepSkipped
	}

	for {
		mu.Lock()
		var runnable []string
		runningCount := 0
		completedCount := 0
		for _, id := range order {
			s := states[id]
			switch s.status {
			case core.StepRunning:
				runningCount++
			case core.StepCompleted, core.StepFailed, core.StepSkipped:
				completedCount++
			}
			if s.status != core.StepPending {
				continue
			}
			ready := true
			for _, dep := range s.step.DependsOn {
				if !resolved(states[dep].status) {
					ready = false
					break
				}
			}
			if ready {
				runnable = append(runnable, id)
			}
		}
		mu.Unlock()

		if len(runnable) == 0 && runningCount == 0 {
			var pending []string
			for _, id := range order {
				if !terminal(states[id].status) {
					pending = append(pending, id)
				}
			}
			if len(pending) == 0 {
				break // every step terminal; fall through to completion below
			}
			return nil, &core.DeadlockError{Pending: pending}
		}

		if len(runnable) == 0 {
			select {
			case <-done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		sort.Strings(runnable) // deterministic group ordering for parallelGroups
		if len(runnable) > 1 && deps.Emit != nil {
			deps.Emit(core.ParallelGroupScheduled{JobID: jobID, StepIDs: append([]string{}, runnable...)})
		}
		mu.Lock()
		for _, id := range runnable {
			states[id].status = core.StepRunning
		}
		mu.Unlock()

		var wg sync.WaitGroup
		var groupErr error
		var groupErrOnce sync.Once
		for _, id := range runnable {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer func() { done <- struct{}{} }()

				mu.Lock()
				ctxMap := core.JobContext{Payload: payload, Steps: snapshot(stepResults)}.ToMap()
				step := states[id].step
				mu.Unlock()

				result, status, err := steprunner.Run(ctx, jobID, step, ctxMap, inh, deps)

				mu.Lock()
				stepResults[id] = result
				stepStatus[id] = status
				states[id].status = status.Status
				mu.Unlock()

				if err != nil {
					groupErrOnce.Do(func() { groupErr = err })
				}
			}(id)
		}
		wg.Wait()

		mu.Lock()
		if len(runnable) > 1 {
			parallelGroups = append(parallelGroups, runnable)
		}
		doneCount := 0
		for _, id := range order {
			if terminal(states[id].status) {
				doneCount++
			}
		}
		mu.Unlock()
		if progress != nil {
			progress(int(float64(doneCount) / float64(total) * 100))
		}

		if groupErr != nil {
			return nil, groupErr
		}
	}

	rawSteps := make([]any, len(order))
	statusList := make([]core.StepStatus, len(order))
	for i, id := range order {
		rawSteps[i] = stepResults[id]
		statusList[i] = stepStatus[id]
	}
	var finalResult any
	if len(order) > 0 {
		finalResult = stepResults[order[len(order)-1]]
	}

	return &core.PipelineResult{
		Steps:          rawSteps,
		StepResults:    stepResults,
		StepStatus:     statusList,
		FinalResult:    finalResult,
		TotalDuration:  time.Since(start),
		ParallelGroups: parallelGroups,
	}, nil
}

func snapshot(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
