package core

import "time"

// JobStatus is the lifecycle state of a job as seen by the queue (§4.9).
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Backoff selects the wait strategy between retry attempts.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// RetryPolicy controls how many times, and how far apart, an operation is
// retried. Used both as a job's outer (whole-pipeline) policy and a step's
// inner policy; a step with no policy of its own inherits the job's.
type RetryPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  Backoff       `json:"backoff"`
	Delay    time.Duration `json:"delay"`
}

// WaitFor returns the wait before attempt k (1-indexed).
func (p *RetryPolicy) WaitFor(attempt int) time.Duration {
	if p == nil || attempt <= 1 {
		return 0
	}
	switch p.Backoff {
	case BackoffExponential:
		return p.Delay * time.Duration(1<<uint(attempt-2))
	default:
		return p.Delay
	}
}

// MaxAttempts returns the configured attempt count, defaulting to 1 (no retry).
func (p *RetryPolicy) MaxAttempts() int {
	if p == nil || p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

// ResourceHint is advisory-only metadata about what a task needs to run.
// The core never enforces it; a Backend MAY consult it via GetResources.
type ResourceHint struct {
	GPU            string `json:"gpu,omitempty"`
	VRAMMB         int    `json:"vramMb,omitempty"`
	RAMMB          int    `json:"ramMb,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// Effect is a tagged record: discriminant "$event" plus per-kind fields.
// Modeled as a plain map (rather than a struct per kind) because its shape
// is genuinely heterogeneous and caller-extensible — see DESIGN.md.
type Effect map[string]any

// Event returns the effect's "$event" discriminant.
func (e Effect) Event() string {
	v, _ := e["$event"].(string)
	return v
}

// String reads a string field, defaulting to "".
func (e Effect) String(key string) string {
	v, _ := e[key].(string)
	return v
}

// Map reads a nested mapping field.
func (e Effect) Map(key string) map[string]any {
	v, _ := e[key].(map[string]any)
	return v
}

// StringMap reads a mapping field whose values are themselves strings
// (used for effect "headers").
func (e Effect) StringMap(key string) map[string]string {
	out := map[string]string{}
	for k, v := range e.Map(key) {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// Step is one node of a pipeline (§3 Step).
type Step struct {
	ID                 string         `json:"id,omitempty"`
	Task               string         `json:"task"`
	DependsOn          []string       `json:"dependsOn,omitempty"`
	Input              map[string]any `json:"input,omitempty"`
	ForEach            string         `json:"forEach,omitempty"`
	ForEachConcurrency int            `json:"forEachConcurrency,omitempty"`
	Optional           bool           `json:"optional,omitempty"`
	Retry              *RetryPolicy   `json:"retry,omitempty"`
	Resources          *ResourceHint  `json:"resources,omitempty"`
	Backend            string         `json:"backend,omitempty"`

	// RunWhen and Timeout are the §9 "documented but not mandated" fields;
	// DESIGN.md's Open Question decision implements both.
	RunWhen string        `json:"runWhen,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Job is the unit submitted to the queue (§3 Job).
type Job struct {
	ID       string         `json:"id" gorm:"primaryKey;size:36"`
	Type     string         `json:"type" gorm:"index;size:255;not null"`
	Payload  map[string]any `json:"payload" gorm:"-"`
	Backend  string         `json:"backend,omitempty" gorm:"size:255"`
	Queue    string         `json:"queue" gorm:"index;size:64;not null;default:default"`
	Priority int            `json:"priority" gorm:"index"`
	Delay    time.Duration  `json:"delay,omitempty" gorm:"-"`
	Cron     string         `json:"cron,omitempty" gorm:"size:255"`
	Retry    *RetryPolicy   `json:"retry,omitempty" gorm:"-"`
	Resources *ResourceHint `json:"resources,omitempty" gorm:"-"`
	Steps    []Step         `json:"steps,omitempty" gorm:"-"`

	OnPending  []Effect `json:"onPending,omitempty" gorm:"-"`
	OnProgress []Effect `json:"onProgress,omitempty" gorm:"-"`
	OnSuccess  []Effect `json:"onSuccess,omitempty" gorm:"-"`
	OnError    []Effect `json:"onError,omitempty" gorm:"-"`

	// PayloadJSON/StepsJSON/EffectsJSON are the columns GormStorage persists;
	// the typed fields above are what the rest of the engine uses. Kept
	// alongside rather than replacing them so non-SQL storages (Redis) can
	// serialize the struct directly.
	PayloadJSON []byte `json:"-" gorm:"column:payload;type:bytes"`
	StepsJSON   []byte `json:"-" gorm:"column:steps;type:bytes"`
	EffectsJSON []byte `json:"-" gorm:"column:effects;type:bytes"`

	// Runtime / broker bookkeeping (§4.9, §6.5).
	Status       JobStatus  `json:"status" gorm:"index;size:32;not null;default:queued"`
	Attempt      int        `json:"attempt" gorm:"default:0"`
	Progress     int        `json:"progress" gorm:"default:0"`
	Result       any        `json:"result,omitempty" gorm:"-"`
	ResultJSON   []byte     `json:"-" gorm:"column:result;type:bytes"`
	Error        string     `json:"error,omitempty" gorm:"size:4096"`
	CancelRequested bool    `json:"-" gorm:"default:false"`
	RunAt        *time.Time `json:"-" gorm:"index"`
	LockedBy     string     `json:"-" gorm:"size:64"`
	LockedUntil  *time.Time `json:"-" gorm:"index"`
	CreatedAt    time.Time  `json:"createdAt" gorm:"autoCreateTime"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// TableName pins the gorm table name regardless of struct name changes.
func (Job) TableName() string { return "jobs" }
