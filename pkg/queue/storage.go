package queue

import (
	"context"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// StatusRecord is the public shape returned by a status lookup (§4.9):
// `{id, status, result?, error?, progress?, startedAt?, completedAt?, type?, queue?}`.
type StatusRecord struct {
	ID          string         `json:"id"`
	Status      core.JobStatus `json:"status"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Progress    int            `json:"progress,omitempty"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Type        string         `json:"type,omitempty"`
	Queue       string         `json:"queue,omitempty"`
}

// Storage is the durable queue broker contract (§6.5): enqueue with
// options, job lookup by id, atomic state transitions, a progress field
// per job, getJob/getJobs by state, and graceful close. Implementations:
// pkg/storage.RedisStorage (primary) and pkg/storage.GormStorage.
type Storage interface {
	// Enqueue persists a new job in the "queued" state, ready to be picked
	// up once its RunAt (if any) has elapsed.
	Enqueue(ctx context.Context, job *core.Job) error

	// Dequeue atomically claims the next ready job on lane for workerID,
	// locking it until lockFor elapses. Returns nil, nil if none is ready.
	Dequeue(ctx context.Context, lane, workerID string, lockFor time.Duration) (*core.Job, error)

	// Heartbeat extends a claimed job's lock by lockFor.
	Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error

	// SetProgress updates a running job's progress (0-100).
	SetProgress(ctx context.Context, jobID string, progress int) error

	// Complete marks a job completed with its final result.
	Complete(ctx context.Context, jobID, workerID string, result any) error

	// Fail records a failed attempt. job carries the already-incremented
	// Attempt and Error; Fail consults job.Retry to decide between
	// scheduling another outer attempt (§4.9's outer retry tier) and
	// terminal failure.
	Fail(ctx context.Context, jobID, workerID string, job *core.Job) error

	// RequestCancel sets the best-effort cancel flag (§5 Cancellation).
	RequestCancel(ctx context.Context, jobID string) error

	// GetJob retrieves a job by id, or nil if unknown.
	GetJob(ctx context.Context, jobID string) (*core.Job, error)

	// GetJobs lists jobs on lane, optionally filtered by status.
	GetJobs(ctx context.Context, lane string, status core.JobStatus, limit int) ([]*core.Job, error)

	// Migrate promotes delayed/cron/retry-scheduled jobs whose time has
	// come into lane's ready queue, returning how many were promoted.
	Migrate(ctx context.Context, lane string, limit int) (int, error)

	// PauseLane/ResumeLane/LaneState implement §4.9's per-lane pause.
	PauseLane(ctx context.Context, lane string, mode core.PauseMode) error
	ResumeLane(ctx context.Context, lane string) error
	LaneState(ctx context.Context, lane string) (*core.QueueState, error)

	// Close releases the broker connection.
	Close() error
}
