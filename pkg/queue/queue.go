// Package queue implements the Queue half of the Queue & Worker Pool
// (spec §4.9): enqueue, status lookup, cancellation, and per-lane pause,
// over three durable named lanes (default/cpu/gpu) backed by a Storage
// broker. Grounded on the teacher's pkg/queue/queue.go split between
// queue-owned bookkeeping and worker-owned execution.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/effects"
	"github.com/jdziat/declarative-pipeline/pkg/metrics"
	"github.com/jdziat/declarative-pipeline/pkg/security"
)

// Lane names (§4.9): "default" and "cpu" share a general worker count,
// "gpu" is configured separately (typically smaller).
const (
	LaneDefault = "default"
	LaneCPU     = "cpu"
	LaneGPU     = "gpu"
)

// DefaultLockDuration is how long a worker's lock on a claimed job lasts
// between heartbeats. A job whose lock lapses is not re-queued or handed
// to another worker.
const DefaultLockDuration = 5 * time.Minute

// Queue owns enqueue/status/cancel/pause and onPending effect firing.
// Execution itself lives in Worker.
type Queue struct {
	storage Storage
	effects *effects.Dispatcher
	logger  *slog.Logger
	lockFor time.Duration

	runningJobs   map[string]context.CancelFunc
	runningJobsMu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithEffects wires an effect dispatcher so onPending fires at enqueue
// time and Worker can fire onProgress/onSuccess/onError.
func WithEffects(d *effects.Dispatcher) Option { return func(q *Queue) { q.effects = d } }

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

// WithLockDuration overrides DefaultLockDuration.
func WithLockDuration(d time.Duration) Option { return func(q *Queue) { q.lockFor = d } }

// New builds a Queue over the given broker.
func New(storage Storage, opts ...Option) *Queue {
	q := &Queue{
		storage:     storage,
		logger:      slog.Default(),
		lockFor:     DefaultLockDuration,
		runningJobs: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Storage returns the underlying broker, for Worker construction.
func (q *Queue) Storage() Storage { return q.storage }

// LockFor returns the configured lock duration, for Worker construction.
func (q *Queue) LockFor() time.Duration { return q.lockFor }

// Enqueue derives job options from the Job itself (§4.9: priority, outer
// retry/backoff, delay, cron), persists it, and fires onPending effects.
func (q *Queue) Enqueue(ctx context.Context, job *core.Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Queue == "" {
		job.Queue = LaneDefault
	}
	if err := security.ValidateTaskName(job.Type); err != nil {
		return "", err
	}
	if err := security.ValidateQueueName(job.Queue); err != nil {
		return "", err
	}
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if job.Delay > 0 && job.RunAt == nil {
		runAt := time.Now().Add(job.Delay)
		job.RunAt = &runAt
	}

	if err := q.storage.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	metrics.JobsEnqueuedTotal.WithLabelValues(job.Queue).Inc()
	q.fireEffects(ctx, job.OnPending, effects.EffectContext{JobID: job.ID, Task: job.Type})
	return job.ID, nil
}

// Status returns the §4.9 public status record for jobID.
func (q *Queue) Status(ctx context.Context, jobID string) (*StatusRecord, error) {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("queue: status: %w", err)
	}
	if job == nil {
		return nil, core.ErrJobNotFound
	}
	return &StatusRecord{
		ID:          job.ID,
		Status:      job.Status,
		Result:      job.Result,
		Error:       job.Error,
		Progress:    job.Progress,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Type:        job.Type,
		Queue:       job.Queue,
	}, nil
}

// List returns jobs on lane, optionally filtered by status ("" = any).
func (q *Queue) List(ctx context.Context, lane string, status core.JobStatus, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	return q.storage.GetJobs(ctx, lane, status, limit)
}

// CancelJob requests best-effort cancellation (§5): it always sets the
// broker's cancel flag, and additionally cancels the job's live context
// if a worker is currently running it and has registered a cancel func.
func (q *Queue) CancelJob(ctx context.Context, jobID string) error {
	job, err := q.storage.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	if job.Status == core.JobCompleted || job.Status == core.JobFailed {
		return core.ErrAlreadyTerminal
	}

	if err := q.storage.RequestCancel(ctx, jobID); err != nil {
		return fmt.Errorf("queue: cancel: %w", err)
	}

	q.runningJobsMu.Lock()
	cancel, ok := q.runningJobs[jobID]
	q.runningJobsMu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

// registerRunning and unregisterRunning let Worker record the live
// context of a job it is executing, adapted from the teacher's
// RegisterRunningJob/UnregisterRunningJob pair.
func (q *Queue) registerRunning(jobID string, cancel context.CancelFunc) {
	q.runningJobsMu.Lock()
	q.runningJobs[jobID] = cancel
	q.runningJobsMu.Unlock()
}

func (q *Queue) unregisterRunning(jobID string) {
	q.runningJobsMu.Lock()
	delete(q.runningJobs, jobID)
	q.runningJobsMu.Unlock()
}

// PauseLane, ResumeLane, and LaneState implement §4.9's per-lane pause.
func (q *Queue) PauseLane(ctx context.Context, lane string, mode core.PauseMode) error {
	return q.storage.PauseLane(ctx, lane, mode)
}

func (q *Queue) ResumeLane(ctx context.Context, lane string) error {
	return q.storage.ResumeLane(ctx, lane)
}

func (q *Queue) LaneState(ctx context.Context, lane string) (*core.QueueState, error) {
	return q.storage.LaneState(ctx, lane)
}

// Close shuts down the broker connection (§4.9 Shutdown).
func (q *Queue) Close() error { return q.storage.Close() }

func (q *Queue) fireEffects(ctx context.Context, list []core.Effect, ectx effects.EffectContext) {
	if q.effects == nil || len(list) == 0 {
		return
	}
	q.effects.Dispatch(ctx, list, ectx)
}
