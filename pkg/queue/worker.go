package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/dispatch"
	"github.com/jdziat/declarative-pipeline/pkg/effects"
	"github.com/jdziat/declarative-pipeline/pkg/metrics"
)

// DefaultPollInterval is how often an idle worker polls its lane for a
// ready job.
const DefaultPollInterval = 200 * time.Millisecond

// DefaultLanes mirrors §4.9's "general worker count" default
// for the default/cpu lanes; gpu is configured separately and smaller.
var DefaultLanes = map[string]int{
	LaneDefault: 5,
	LaneCPU:     5,
	LaneGPU:     2,
}

// Worker runs the §4.9 "Worker processor" loop: one goroutine per lane
// slot, dequeuing, dispatching through C8, and recording the outcome.
// Grounded on the teacher's pkg/worker/worker.go processLoop/processJob
// split, generalized from a Go-handler registry to pkg/dispatch.
type Worker struct {
	queue      *Queue
	dispatcher *dispatch.Dispatcher
	lanes      map[string]int
	poll       time.Duration
	logger     *slog.Logger
	id         string
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLanes overrides the per-lane concurrency map.
func WithLanes(lanes map[string]int) WorkerOption { return func(w *Worker) { w.lanes = lanes } }

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) WorkerOption { return func(w *Worker) { w.poll = d } }

// WithWorkerLogger overrides the default slog logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption { return func(w *Worker) { w.logger = l } }

// WithWorkerID pins a stable id instead of a random one (useful for tests
// and for resuming ownership of locks after a restart).
func WithWorkerID(id string) WorkerOption { return func(w *Worker) { w.id = id } }

// NewWorker builds a Worker over q, dispatching picked-up jobs through d.
func NewWorker(q *Queue, d *dispatch.Dispatcher, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:      q,
		dispatcher: d,
		lanes:      DefaultLanes,
		poll:       DefaultPollInterval,
		logger:     slog.Default(),
		id:         uuid.New().String(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs every lane's worker pool plus the delayed/cron/retry
// migration sweep. Blocks until ctx is cancelled (§4.9 Shutdown: workers
// stop picking up new jobs but rely on the broker's atomic transitions
// to avoid losing in-flight state).
func (w *Worker) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for lane, n := range w.lanes {
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(lane string) {
				defer wg.Done()
				w.runLane(ctx, lane)
			}(lane)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runMigration(ctx)
	}()
	wg.Wait()
	return ctx.Err()
}

func (w *Worker) runLane(ctx context.Context, lane string) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.queue.storage.Dequeue(ctx, lane, w.id, w.queue.lockFor)
			if err != nil {
				w.logger.Error("dequeue failed", "lane", lane, "error", err)
				continue
			}
			if job == nil {
				continue
			}
			w.processJob(ctx, job)
		}
	}
}

// runMigration periodically promotes delayed/cron/retry-scheduled jobs
// into their lane's ready queue once due.
func (w *Worker) runMigration(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for lane := range w.lanes {
				if _, err := w.queue.storage.Migrate(ctx, lane, 100); err != nil {
					w.logger.Error("migrate failed", "lane", lane, "error", err)
				}
			}
		}
	}
}

// processJob implements the §4.9 "Worker processor" steps 1-4.
func (w *Worker) processJob(ctx context.Context, job *core.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	w.queue.registerRunning(job.ID, cancel)
	defer func() {
		cancel()
		w.queue.unregisterRunning(job.ID)
	}()

	heartbeatCtx, stopHeartbeat := context.WithCancel(jobCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, job.ID)

	metrics.RunningJobs.WithLabelValues(job.Queue).Inc()
	defer metrics.RunningJobs.WithLabelValues(job.Queue).Dec()
	start := time.Now()

	if err := w.queue.storage.SetProgress(ctx, job.ID, 0); err != nil {
		w.logger.Warn("set initial progress failed", "job", job.ID, "error", err)
	}

	progress := func(p int) {
		if err := w.queue.storage.SetProgress(ctx, job.ID, p); err != nil {
			w.logger.Warn("progress update failed", "job", job.ID, "error", err)
		}
		w.queue.fireEffects(ctx, job.OnProgress, effects.EffectContext{JobID: job.ID, Task: job.Type, Progress: p})
	}

	result, err := w.dispatcher.Run(jobCtx, job, progress)
	metrics.JobDurationSeconds.WithLabelValues(job.Queue, job.Type).Observe(time.Since(start).Seconds())
	if err != nil {
		w.handleFailure(ctx, job, err)
		return
	}
	w.handleSuccess(ctx, job, result)
}

func (w *Worker) handleSuccess(ctx context.Context, job *core.Job, result any) {
	if err := w.queue.storage.Complete(ctx, job.ID, w.id, result); err != nil {
		w.logger.Error("complete failed", "job", job.ID, "error", err)
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(job.Queue, string(core.JobCompleted)).Inc()
	w.queue.fireEffects(ctx, job.OnSuccess, effects.EffectContext{JobID: job.ID, Task: job.Type, Result: result, Progress: 100})

	if job.Cron != "" {
		w.rescheduleCron(ctx, job)
	}
}

// handleFailure is the sole incrementer of job.Attempt (§4.9's outer
// attempt granularity); Dequeue must not also increment it, or the
// outer-retry tier fires at half the configured attempt count.
func (w *Worker) handleFailure(ctx context.Context, job *core.Job, jobErr error) {
	job.Attempt++
	job.Error = jobErr.Error()
	w.queue.fireEffects(ctx, job.OnError, effects.EffectContext{JobID: job.ID, Task: job.Type, Err: jobErr})

	if err := w.queue.storage.Fail(ctx, job.ID, w.id, job); err != nil {
		w.logger.Error("fail failed", "job", job.ID, "error", err)
		return
	}
	if job.Retry == nil || job.Attempt >= job.Retry.MaxAttempts() {
		metrics.JobsCompletedTotal.WithLabelValues(job.Queue, string(core.JobFailed)).Inc()
		if job.Cron != "" {
			w.rescheduleCron(ctx, job)
		}
	}
}

// rescheduleCron implements repeat scheduling in the BullMQ style: after
// a cron job's terminal attempt, compute the next fire time and enqueue
// a fresh clone rather than keeping a named-schedule registry.
func (w *Worker) rescheduleCron(ctx context.Context, job *core.Job) {
	sched, err := cron.ParseStandard(job.Cron)
	if err != nil {
		w.logger.Error("invalid cron expression", "job", job.ID, "cron", job.Cron, "error", err)
		return
	}
	next := sched.Next(time.Now())

	clone := *job
	clone.ID = ""
	clone.Status = ""
	clone.Attempt = 0
	clone.Progress = 0
	clone.Result = nil
	clone.ResultJSON = nil
	clone.Error = ""
	clone.CancelRequested = false
	clone.LockedBy = ""
	clone.LockedUntil = nil
	clone.StartedAt = nil
	clone.CompletedAt = nil
	clone.RunAt = &next

	if _, err := w.queue.Enqueue(ctx, &clone); err != nil {
		w.logger.Error("failed to reschedule cron job", "job", job.ID, "error", err)
	}
}

func (w *Worker) runHeartbeat(ctx context.Context, jobID string) {
	interval := w.queue.lockFor / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.storage.Heartbeat(ctx, jobID, w.id, w.queue.lockFor); err != nil {
				w.logger.Warn("heartbeat failed", "job", jobID, "error", err)
			}
		}
	}
}
