package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// newTestStorage creates a fresh in-memory SQLite storage instance for
// each test. The schema is fully migrated and ready for use.
func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open in-memory sqlite")

	s := NewGormStorage(db)
	require.NoError(t, s.AutoMigrate(context.Background()), "migrate schema")
	return s
}

func TestGormStorage_EnqueueDequeueRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "echo", Queue: "default", Priority: 5, Payload: map[string]any{"x": float64(1)}}
	require.NoError(t, s.Enqueue(ctx, job))
	assert.NotEmpty(t, job.ID)

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, core.JobRunning, got.Status)
	assert.Equal(t, "worker-1", got.LockedBy)
	assert.Equal(t, 0, got.Attempt)
	assert.Equal(t, map[string]any{"x": float64(1)}, got.Payload)
}

func TestGormStorage_DequeueEmptyLaneReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGormStorage_DequeuePicksHighestPriorityFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "a", Queue: "default", Priority: 1}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "b", Queue: "default", Priority: 9}))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Type)
}

func TestGormStorage_DequeueSkipsFutureRunAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	future := time.Now().Add(time.Hour)
	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "later", Queue: "default", RunAt: &future}))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGormStorage_CompleteRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "echo", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	err = s.Complete(ctx, job.ID, "worker-2", "result")
	assert.ErrorIs(t, err, core.ErrJobNotOwned)

	require.NoError(t, s.Complete(ctx, job.ID, "worker-1", "result"))
	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, got.Status)
	assert.Equal(t, "result", got.Result)
	assert.Equal(t, 100, got.Progress)
}

func TestGormStorage_FailWithoutRetryGoesTerminal(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "doomed", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, job.ID, "worker-1", &core.Job{Attempt: 1, Error: "boom"}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestGormStorage_FailWithRetryReschedules(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	retry := &core.RetryPolicy{Attempts: 3, Backoff: core.BackoffFixed, Delay: time.Millisecond}
	job := &core.Job{Type: "flaky", Queue: "default", Retry: retry}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, job.ID, "worker-1", &core.Job{Attempt: 1, Error: "transient", Retry: retry}))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobQueued, got.Status)
	require.NotNil(t, got.RunAt)
}

func TestGormStorage_FailRejectsNonOwner(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "doomed", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	err = s.Fail(ctx, job.ID, "worker-2", &core.Job{Attempt: 1, Error: "boom"})
	assert.ErrorIs(t, err, core.ErrJobNotOwned)
}

func TestGormStorage_HeartbeatExtendsLock(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "echo", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Heartbeat(ctx, job.ID, "worker-1", time.Minute))
	err = s.Heartbeat(ctx, job.ID, "worker-2", time.Minute)
	assert.ErrorIs(t, err, core.ErrJobNotOwned)
}

func TestGormStorage_RequestCancelSetsFlag(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "echo", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	require.NoError(t, s.RequestCancel(ctx, job.ID))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
}

func TestGormStorage_GetJobsFiltersByLaneAndStatus(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "a", Queue: "default"}))
	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "b", Queue: "cpu"}))
	_, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)

	queued, err := s.GetJobs(ctx, "cpu", core.JobQueued, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "b", queued[0].Type)

	running, err := s.GetJobs(ctx, "default", core.JobRunning, 10)
	require.NoError(t, err)
	require.Len(t, running, 1)
}

func TestGormStorage_PauseLaneBlocksDequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	require.NoError(t, s.Enqueue(ctx, &core.Job{Type: "echo", Queue: "default"}))
	require.NoError(t, s.PauseLane(ctx, "default", core.PauseModeGraceful))

	got, err := s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	assert.Nil(t, got)

	state, err := s.LaneState(ctx, "default")
	require.NoError(t, err)
	assert.True(t, state.Paused)

	require.NoError(t, s.ResumeLane(ctx, "default"))
	got, err = s.Dequeue(ctx, "default", "worker-1", time.Second)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestGormStorage_SetProgressUpdatesJob(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	job := &core.Job{Type: "echo", Queue: "default"}
	require.NoError(t, s.Enqueue(ctx, job))
	require.NoError(t, s.SetProgress(ctx, job.ID, 42))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 42, got.Progress)
}

func TestGormStorage_GetJobUnknownReturnsNil(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	got, err := s.GetJob(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}
