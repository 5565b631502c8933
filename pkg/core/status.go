package core

import "time"

// StepState is a step's runtime status (§3 StepStatus).
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
)

// StepStatus is the runtime record for one step (§3 StepStatus).
type StepStatus struct {
	ID          string        `json:"id"`
	Task        string        `json:"task"`
	Status      StepState     `json:"status"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
	Result      any           `json:"result,omitempty"`
}

// PipelineResult is returned on successful pipeline completion (§3).
type PipelineResult struct {
	Steps          []any            `json:"steps"`
	StepResults    map[string]any   `json:"stepResults"`
	StepStatus     []StepStatus     `json:"stepStatus"`
	FinalResult    any              `json:"finalResult"`
	TotalDuration  time.Duration    `json:"totalDuration"`
	ParallelGroups [][]string       `json:"parallelGroups"`
}

// JobContext is the value passed to the template resolver (§3 JobContext).
// DAG mode exposes Steps as map[string]any (id -> result); sequential mode
// exposes it as a map[string]any keyed both by stringified index ("0",
// "1", ...) and by a synthesized "step_<i>" key. Only one shape is active
// per job (DESIGN.md Open Question decision #1).
type JobContext struct {
	Payload map[string]any
	Steps   any
	Item    any
	Index   int
	HasItem bool
}

// ToMap flattens the context into the map[string]any shape the template
// resolver walks dotted paths against.
func (c JobContext) ToMap() map[string]any {
	m := map[string]any{
		"payload": c.Payload,
		"steps":   c.Steps,
	}
	if c.HasItem {
		m["item"] = c.Item
		m["index"] = c.Index
	}
	return m
}
