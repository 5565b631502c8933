// Package sequential implements the Sequential Executor (spec §4.7): the
// legacy path used when no step declares an id or dependsOn. Steps run
// strictly in declaration order.
package sequential

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/steprunner"
)

// Run executes steps in array order, exposing each result in the context
// both by numeric index ("steps.0.field") and by a synthesized
// "step_<i>" key (§4.7's forward-compatibility note), both as keys of the
// map passed as JobContext.Steps; PipelineResult.Steps holds the []any.
func Run(ctx context.Context, jobID string, steps []core.Step, payload map[string]any, inh steprunner.Inherited, deps steprunner.Deps, progress func(int)) (*core.PipelineResult, error) {
	start := time.Now()
	n := len(steps)

	rawSteps := make([]any, n)
	byIndex := map[string]any{}
	statusList := make([]core.StepStatus, n)
	stepResults := map[string]any{}

	for i, step := range steps {
		if progress != nil {
			progress(int(float64(i) / float64(max(n, 1)) * 100))
		}

		ctxMap := core.JobContext{
			Payload: payload,
			// Steps is a map keyed by both stringified index ("0", "1", ...)
			// and synthesized id ("step_0", ...) so dotted template paths like
			// "steps.0.field" resolve via ordinary map lookup (§4.1 forbids
			// indexing into a literal sequence, so the sequential-mode
			// "ordered sequence" described in §3 is represented this way
			// internally; PipelineResult.Steps below is the literal []any).
			Steps: snapshot(byIndex),
		}.ToMap()

		id := step.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i)
		}

		result, status, err := steprunner.Run(ctx, jobID, step, ctxMap, inh, deps)
		statusList[i] = status
		if err != nil {
			return nil, err
		}

		rawSteps[i] = result
		byIndex[fmt.Sprintf("%d", i)] = result
		byIndex[id] = result
		stepResults[id] = result
	}

	var finalResult any
	if n > 0 {
		finalResult = rawSteps[n-1]
	}

	return &core.PipelineResult{
		Steps:         rawSteps,
		StepResults:   stepResults,
		StepStatus:    statusList,
		FinalResult:   finalResult,
		TotalDuration: time.Since(start),
	}, nil
}

func snapshot(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
