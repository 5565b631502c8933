package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/storage"
)

func newTestRedisStorage(t *testing.T) *storage.RedisStorage {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return storage.NewRedisStorage(rdb)
}

func TestRedisStorage_EnqueueDequeueRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	job := &core.Job{ID: "job-1", Type: "echo", Queue: "default", Priority: 5, Payload: map[string]any{"x": 1}}
	require.NoError(t, s.Enqueue(ctx, job))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "job-1", got.ID)
	require.Equal(t, core.JobRunning, got.Status)
	require.Equal(t, "worker-1", got.LockedBy)
	require.Equal(t, 0, got.Attempt)
	require.Equal(t, map[string]any{"x": float64(1)}, got.Payload)
}

func TestRedisStorage_DequeueEmptyLaneReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestRedisStorage_DequeuePicksHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "low", Queue: "default", Priority: 1}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "high", Queue: "default", Priority: 9}))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.Equal(t, "high", got.ID)
}

func TestRedisStorage_CompleteRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	err = s.Complete(ctx, "job-1", "worker-2", "result")
	require.ErrorIs(t, err, core.ErrJobNotOwned)

	require.NoError(t, s.Complete(ctx, "job-1", "worker-1", "result"))
	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, core.JobCompleted, got.Status)
	require.Equal(t, "result", got.Result)
	require.Equal(t, 100, got.Progress)
}

func TestRedisStorage_FailWithoutRetryGoesTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	incoming := &core.Job{ID: "job-1", Attempt: 1, Error: "boom"}
	require.NoError(t, s.Fail(ctx, "job-1", "worker-1", incoming))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, core.JobFailed, got.Status)
	require.Equal(t, "boom", got.Error)
}

func TestRedisStorage_FailWithRetryReschedules(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	job := &core.Job{ID: "job-1", Queue: "default", Retry: &core.RetryPolicy{Attempts: 3, Backoff: core.BackoffFixed, Delay: time.Millisecond}}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	incoming := &core.Job{ID: "job-1", Attempt: 1, Error: "transient", Retry: job.Retry}
	require.NoError(t, s.Fail(ctx, "job-1", "worker-1", incoming))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, core.JobQueued, got.Status)
	require.NotNil(t, got.RunAt)

	time.Sleep(5 * time.Millisecond)
	promoted, err := s.Migrate(ctx, "default", 10)
	require.NoError(t, err)
	require.Equal(t, 1, promoted)

	redequeued, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, redequeued)
	require.Equal(t, "job-1", redequeued.ID)
}

func TestRedisStorage_HeartbeatExtendsLock(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, "job-1", "worker-1", time.Second))
	err = s.Heartbeat(ctx, "job-1", "worker-2", time.Second)
	require.ErrorIs(t, err, core.ErrJobNotOwned)
}

func TestRedisStorage_RequestCancelSetsFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	require.NoError(t, s.RequestCancel(ctx, "job-1"))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, got.CancelRequested)
}

func TestRedisStorage_PauseLaneBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	require.NoError(t, s.PauseLane(ctx, "default", core.PauseModeGraceful))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.Nil(t, got)

	state, err := s.LaneState(ctx, "default")
	require.NoError(t, err)
	require.True(t, state.Paused)

	require.NoError(t, s.ResumeLane(ctx, "default"))
	got, err = s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRedisStorage_GetJobsFiltersByStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "a", Queue: "default"}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "b", Queue: "default"}))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	queued, err := s.GetJobs(ctx, "default", core.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	running, err := s.GetJobs(ctx, "default", core.JobRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
}

func TestRedisStorage_SetProgressUpdatesJob(t *testing.T) {
	ctx := context.Background()
	s := newTestRedisStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{ID: "job-1", Queue: "default"}))
	require.NoError(t, s.SetProgress(ctx, "job-1", 42))

	got, err := s.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, 42, got.Progress)
}
