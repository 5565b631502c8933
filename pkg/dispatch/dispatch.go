// Package dispatch implements the Dispatcher Entry Point (spec §4.8):
// given a Job, decide single-task vs. sequential-pipeline vs. DAG-pipeline
// and run it.
package dispatch

import (
	"context"

	"github.com/jdziat/declarative-pipeline/pkg/backend"
	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/dag"
	"github.com/jdziat/declarative-pipeline/pkg/sequential"
	"github.com/jdziat/declarative-pipeline/pkg/steprunner"
)

// ChunkHook is the pluggable media-chunking hook §4.8 describes as
// "delegated and outside the core": given a single-task job's payload, it
// MAY split it into chunks to execute independently and a function to
// merge their results back into one. A nil hook (the default) disables
// chunking entirely and the core never depends on a concrete chunking
// implementation.
type ChunkHook func(ctx context.Context, payload map[string]any) (chunks []map[string]any, merge func([]any) any, err error)

// Dispatcher is the C8 entry point.
type Dispatcher struct {
	Backends  *backend.Registry
	Emit      func(core.Event)
	ChunkHook ChunkHook
}

// New builds a Dispatcher against the given backend registry.
func New(backends *backend.Registry) *Dispatcher {
	return &Dispatcher{Backends: backends}
}

// Run executes job to completion and returns its result: a raw value for
// a single-task job, or a *core.PipelineResult for a sequential/DAG
// pipeline (§3 PipelineResult). progress, if non-nil, is invoked with a
// 0-100 percentage as the pipeline (or chunk set) advances.
func (d *Dispatcher) Run(ctx context.Context, job *core.Job, progress func(int)) (any, error) {
	if job.Payload == nil {
		return nil, &core.ValidationError{Field: "payload", Msg: "required"}
	}

	inh := steprunner.Inherited{Backend: job.Backend, Retry: job.Retry, Resources: job.Resources}
	deps := steprunner.Deps{Backends: d.Backends, Emit: d.Emit}

	if len(job.Steps) == 0 {
		return d.runSingleTask(ctx, job, inh, deps, progress)
	}
	if isDAGMode(job.Steps) {
		return dag.Run(ctx, job.ID, job.Steps, job.Payload, inh, deps, progress)
	}
	return sequential.Run(ctx, job.ID, job.Steps, job.Payload, inh, deps, progress)
}

// isDAGMode implements §3's rule: any step with an id or a dependsOn puts
// the whole pipeline in DAG mode.
func isDAGMode(steps []core.Step) bool {
	for _, s := range steps {
		if s.ID != "" || len(s.DependsOn) > 0 {
			return true
		}
	}
	return false
}

func (d *Dispatcher) runSingleTask(ctx context.Context, job *core.Job, inh steprunner.Inherited, deps steprunner.Deps, progress func(int)) (any, error) {
	if d.ChunkHook != nil {
		chunks, merge, err := d.ChunkHook(ctx, job.Payload)
		if err == nil && chunks != nil {
			results := make([]any, len(chunks))
			for i, chunk := range chunks {
				step := core.Step{Task: job.Type, Input: chunk, Backend: job.Backend, Retry: job.Retry, Resources: job.Resources}
				ctxMap := core.JobContext{Payload: chunk}.ToMap()
				result, _, err := steprunner.Run(ctx, job.ID, step, ctxMap, inh, deps)
				if err != nil {
					return nil, err
				}
				results[i] = result
				if progress != nil {
					progress(int(float64(i+1) / float64(len(chunks)) * 100))
				}
			}
			return merge(results), nil
		}
	}

	step := core.Step{Task: job.Type, Input: job.Payload, Backend: job.Backend, Retry: job.Retry, Resources: job.Resources}
	ctxMap := core.JobContext{Payload: job.Payload}.ToMap()
	result, _, err := steprunner.Run(ctx, job.ID, step, ctxMap, inh, deps)
	if progress != nil {
		progress(100)
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
