// Package storage provides Storage implementations for pkg/queue's
// broker contract (§6.5): RedisStorage (primary, grounded on
// akash3tsm7's internal/redis ZAdd/ZPopMax priority-lane pattern) and
// GormStorage (a SQL alternative adapted from the teacher's
// transactional dequeue).
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/security"
)

// RedisStorage implements pkg/queue.Storage over a shared redis.Client.
// Three durable named lanes are plain keys derived from the lane name;
// there is no separate "connect" step beyond handing it a *redis.Client
// (grounded on kubegems's pkg/utils/redis.NewClient wrapper, which this
// package's caller is expected to use to build that client).
type RedisStorage struct {
	rdb *redis.Client
}

// NewRedisStorage wraps an already-connected client.
func NewRedisStorage(rdb *redis.Client) *RedisStorage {
	return &RedisStorage{rdb: rdb}
}

func jobKey(id string) string           { return "job:" + id }
func queueKey(lane string) string       { return "queue:" + lane }
func scheduledKey(lane string) string   { return "scheduled:" + lane }
func lockKey(id string) string          { return "lock:" + id }
func pauseKey(lane string) string       { return "pause:" + lane }
func pauseModeKey(lane string) string   { return "pause:" + lane + ":mode" }
func statusSetKey(lane string, status core.JobStatus) string {
	return fmt.Sprintf("status:%s:%s", lane, status)
}

// wireJob mirrors core.Job with every field exported to JSON (the public
// Job struct tags several broker-only fields json:"-" so they never leak
// into the HTTP façade's responses; Redis needs the full round trip, the
// same reason GormStorage keeps separate PayloadJSON/StepsJSON/
// EffectsJSON columns alongside the typed fields).
type wireJob struct {
	ID              string             `json:"id"`
	Type            string             `json:"type"`
	Payload         map[string]any     `json:"payload"`
	Backend         string             `json:"backend,omitempty"`
	Queue           string             `json:"queue"`
	Priority        int                `json:"priority"`
	Delay           time.Duration      `json:"delay,omitempty"`
	Cron            string             `json:"cron,omitempty"`
	Retry           *core.RetryPolicy  `json:"retry,omitempty"`
	Resources       *core.ResourceHint `json:"resources,omitempty"`
	Steps           []core.Step        `json:"steps,omitempty"`
	OnPending       []core.Effect      `json:"onPending,omitempty"`
	OnProgress      []core.Effect      `json:"onProgress,omitempty"`
	OnSuccess       []core.Effect      `json:"onSuccess,omitempty"`
	OnError         []core.Effect      `json:"onError,omitempty"`
	Status          core.JobStatus     `json:"status"`
	Attempt         int                `json:"attempt"`
	Progress        int                `json:"progress"`
	Result          any                `json:"result,omitempty"`
	Error           string             `json:"error,omitempty"`
	CancelRequested bool               `json:"cancelRequested"`
	RunAt           *time.Time         `json:"runAt,omitempty"`
	LockedBy        string             `json:"lockedBy,omitempty"`
	LockedUntil     *time.Time         `json:"lockedUntil,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	StartedAt       *time.Time         `json:"startedAt,omitempty"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

func toWire(j *core.Job) wireJob {
	return wireJob{
		ID: j.ID, Type: j.Type, Payload: j.Payload, Backend: j.Backend,
		Queue: j.Queue, Priority: j.Priority, Delay: j.Delay, Cron: j.Cron,
		Retry: j.Retry, Resources: j.Resources, Steps: j.Steps,
		OnPending: j.OnPending, OnProgress: j.OnProgress, OnSuccess: j.OnSuccess, OnError: j.OnError,
		Status: j.Status, Attempt: j.Attempt, Progress: j.Progress, Result: j.Result, Error: j.Error,
		CancelRequested: j.CancelRequested, RunAt: j.RunAt, LockedBy: j.LockedBy, LockedUntil: j.LockedUntil,
		CreatedAt: j.CreatedAt, StartedAt: j.StartedAt, CompletedAt: j.CompletedAt,
	}
}

func fromWire(w wireJob) *core.Job {
	return &core.Job{
		ID: w.ID, Type: w.Type, Payload: w.Payload, Backend: w.Backend,
		Queue: w.Queue, Priority: w.Priority, Delay: w.Delay, Cron: w.Cron,
		Retry: w.Retry, Resources: w.Resources, Steps: w.Steps,
		OnPending: w.OnPending, OnProgress: w.OnProgress, OnSuccess: w.OnSuccess, OnError: w.OnError,
		Status: w.Status, Attempt: w.Attempt, Progress: w.Progress, Result: w.Result, Error: w.Error,
		CancelRequested: w.CancelRequested, RunAt: w.RunAt, LockedBy: w.LockedBy, LockedUntil: w.LockedUntil,
		CreatedAt: w.CreatedAt, StartedAt: w.StartedAt, CompletedAt: w.CompletedAt,
	}
}

func (s *RedisStorage) saveJob(ctx context.Context, job *core.Job) error {
	data, err := json.Marshal(toWire(job))
	if err != nil {
		return fmt.Errorf("storage: marshal job: %w", err)
	}
	return s.rdb.Set(ctx, jobKey(job.ID), data, 0).Err()
}

func (s *RedisStorage) loadJob(ctx context.Context, id string) (*core.Job, error) {
	raw, err := s.rdb.Get(ctx, jobKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: load job: %w", err)
	}
	var w wireJob
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("storage: unmarshal job: %w", err)
	}
	return fromWire(w), nil
}

func (s *RedisStorage) setStatusIndex(ctx context.Context, job *core.Job, old core.JobStatus) error {
	pipe := s.rdb.TxPipeline()
	if old != "" && old != job.Status {
		pipe.SRem(ctx, statusSetKey(job.Queue, old), job.ID)
	}
	pipe.SAdd(ctx, statusSetKey(job.Queue, job.Status), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Enqueue implements queue.Storage.
func (s *RedisStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	if err := s.rdb.SAdd(ctx, statusSetKey(job.Queue, job.Status), job.ID).Err(); err != nil {
		return fmt.Errorf("storage: index job: %w", err)
	}
	if job.RunAt != nil && job.RunAt.After(time.Now()) {
		return s.rdb.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{Score: float64(job.RunAt.Unix()), Member: job.ID}).Err()
	}
	return s.rdb.ZAdd(ctx, queueKey(job.Queue), redis.Z{Score: float64(job.Priority), Member: job.ID}).Err()
}

// Dequeue implements queue.Storage: ZPopMax claims the highest-priority
// ready job, then a SETNX-with-TTL lock establishes ownership. The lock
// expires if the worker dies; the job has already left the lane's ready
// set and stays in running status, and nothing here puts it back.
func (s *RedisStorage) Dequeue(ctx context.Context, lane, workerID string, lockFor time.Duration) (*core.Job, error) {
	paused, err := s.rdb.Exists(ctx, pauseKey(lane)).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: check pause: %w", err)
	}
	if paused > 0 {
		return nil, nil
	}

	zres, err := s.rdb.ZPopMax(ctx, queueKey(lane), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: pop queue: %w", err)
	}
	if len(zres) == 0 {
		return nil, nil
	}
	id, _ := zres[0].Member.(string)

	locked, err := s.rdb.SetNX(ctx, lockKey(id), workerID, lockFor).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: acquire lock: %w", err)
	}
	if !locked {
		s.rdb.ZAdd(ctx, queueKey(lane), redis.Z{Score: zres[0].Score, Member: id})
		return nil, nil
	}

	job, err := s.loadJob(ctx, id)
	if err != nil || job == nil {
		return nil, err
	}

	old := job.Status
	now := time.Now()
	until := now.Add(lockFor)
	job.Status = core.JobRunning
	job.LockedBy = workerID
	job.LockedUntil = &until
	job.StartedAt = &now

	if err := s.saveJob(ctx, job); err != nil {
		return nil, err
	}
	if err := s.setStatusIndex(ctx, job, old); err != nil {
		return nil, err
	}
	return job, nil
}

// Heartbeat implements queue.Storage by extending the lock key's TTL.
func (s *RedisStorage) Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	owner, err := s.rdb.Get(ctx, lockKey(jobID)).Result()
	if err == redis.Nil || owner != workerID {
		return core.ErrJobNotOwned
	}
	if err != nil {
		return fmt.Errorf("storage: heartbeat: %w", err)
	}
	return s.rdb.Expire(ctx, lockKey(jobID), lockFor).Err()
}

// SetProgress implements queue.Storage.
func (s *RedisStorage) SetProgress(ctx context.Context, jobID string, progress int) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	job.Progress = progress
	return s.saveJob(ctx, job)
}

func (s *RedisStorage) checkOwner(ctx context.Context, jobID, workerID string) error {
	owner, err := s.rdb.Get(ctx, lockKey(jobID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("storage: check owner: %w", err)
	}
	if owner != workerID {
		return core.ErrJobNotOwned
	}
	return nil
}

// Complete implements queue.Storage.
func (s *RedisStorage) Complete(ctx context.Context, jobID, workerID string, result any) error {
	if err := s.checkOwner(ctx, jobID, workerID); err != nil {
		return err
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}

	old := job.Status
	now := time.Now()
	job.Status = core.JobCompleted
	job.Result = result
	job.Progress = 100
	job.CompletedAt = &now
	job.LockedBy = ""
	job.LockedUntil = nil

	if err := s.saveJob(ctx, job); err != nil {
		return err
	}
	if err := s.setStatusIndex(ctx, job, old); err != nil {
		return err
	}
	return s.rdb.Del(ctx, lockKey(jobID)).Err()
}

// Fail implements queue.Storage: consults job.Retry (the caller's
// already-Attempt-incremented copy) to decide between another outer
// attempt and terminal failure, grounded directly on akash3tsm7's
// HandleJobFailure retry-vs-DLQ branch.
func (s *RedisStorage) Fail(ctx context.Context, jobID, workerID string, incoming *core.Job) error {
	if err := s.checkOwner(ctx, jobID, workerID); err != nil {
		return err
	}
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}

	old := job.Status
	job.Attempt = incoming.Attempt
	job.Error = security.SanitizeErrorMessage(incoming.Error)
	job.LockedBy = ""
	job.LockedUntil = nil

	if incoming.Retry != nil && job.Attempt < incoming.Retry.MaxAttempts() {
		runAt := time.Now().Add(incoming.Retry.WaitFor(job.Attempt + 1))
		job.RunAt = &runAt
		job.Status = core.JobQueued
		if err := s.saveJob(ctx, job); err != nil {
			return err
		}
		if err := s.setStatusIndex(ctx, job, old); err != nil {
			return err
		}
		if err := s.rdb.ZAdd(ctx, scheduledKey(job.Queue), redis.Z{Score: float64(runAt.Unix()), Member: job.ID}).Err(); err != nil {
			return fmt.Errorf("storage: schedule retry: %w", err)
		}
	} else {
		now := time.Now()
		job.Status = core.JobFailed
		job.CompletedAt = &now
		if err := s.saveJob(ctx, job); err != nil {
			return err
		}
		if err := s.setStatusIndex(ctx, job, old); err != nil {
			return err
		}
	}
	return s.rdb.Del(ctx, lockKey(jobID)).Err()
}

// RequestCancel implements queue.Storage.
func (s *RedisStorage) RequestCancel(ctx context.Context, jobID string) error {
	job, err := s.loadJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return core.ErrJobNotFound
	}
	job.CancelRequested = true
	return s.saveJob(ctx, job)
}

// GetJob implements queue.Storage.
func (s *RedisStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	return s.loadJob(ctx, jobID)
}

// GetJobs implements queue.Storage via the per-lane/per-status index
// sets maintained alongside every state transition above.
func (s *RedisStorage) GetJobs(ctx context.Context, lane string, status core.JobStatus, limit int) ([]*core.Job, error) {
	var ids []string
	if status != "" {
		members, err := s.rdb.SMembers(ctx, statusSetKey(lane, status)).Result()
		if err != nil {
			return nil, fmt.Errorf("storage: list jobs: %w", err)
		}
		ids = members
	} else {
		for _, st := range []core.JobStatus{core.JobQueued, core.JobRunning, core.JobCompleted, core.JobFailed} {
			members, err := s.rdb.SMembers(ctx, statusSetKey(lane, st)).Result()
			if err != nil {
				return nil, fmt.Errorf("storage: list jobs: %w", err)
			}
			ids = append(ids, members...)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]*core.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.loadJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			out = append(out, job)
		}
	}
	return out, nil
}

// Migrate implements queue.Storage: promotes delayed/cron/retry-scheduled
// jobs whose run time has arrived into the ready queue (grounded on
// akash3tsm7's PromoteDueRetries).
func (s *RedisStorage) Migrate(ctx context.Context, lane string, limit int) (int, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	due, err := s.rdb.ZRangeByScore(ctx, scheduledKey(lane), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: int64(limit),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("storage: migrate: %w", err)
	}

	promoted := 0
	for _, id := range due {
		removed, err := s.rdb.ZRem(ctx, scheduledKey(lane), id).Result()
		if err != nil {
			return promoted, fmt.Errorf("storage: migrate: %w", err)
		}
		if removed == 0 {
			continue
		}
		job, err := s.loadJob(ctx, id)
		if err != nil || job == nil {
			continue
		}
		job.RunAt = nil
		if err := s.saveJob(ctx, job); err != nil {
			return promoted, err
		}
		if err := s.rdb.ZAdd(ctx, queueKey(lane), redis.Z{Score: float64(job.Priority), Member: job.ID}).Err(); err != nil {
			return promoted, fmt.Errorf("storage: migrate: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// PauseLane implements queue.Storage.
func (s *RedisStorage) PauseLane(ctx context.Context, lane string, mode core.PauseMode) error {
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, pauseKey(lane), "1", 0)
	pipe.Set(ctx, pauseModeKey(lane), string(mode), 0)
	_, err := pipe.Exec(ctx)
	return err
}

// ResumeLane implements queue.Storage.
func (s *RedisStorage) ResumeLane(ctx context.Context, lane string) error {
	return s.rdb.Del(ctx, pauseKey(lane), pauseModeKey(lane)).Err()
}

// LaneState implements queue.Storage.
func (s *RedisStorage) LaneState(ctx context.Context, lane string) (*core.QueueState, error) {
	paused, err := s.rdb.Exists(ctx, pauseKey(lane)).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: lane state: %w", err)
	}
	if paused == 0 {
		return &core.QueueState{Queue: lane}, nil
	}
	mode, _ := s.rdb.Get(ctx, pauseModeKey(lane)).Result()
	return &core.QueueState{Queue: lane, Paused: true, PausedBy: mode, UpdatedAt: time.Now()}, nil
}

// Close implements queue.Storage.
func (s *RedisStorage) Close() error {
	return s.rdb.Close()
}
