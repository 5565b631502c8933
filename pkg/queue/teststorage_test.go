package queue_test

import (
	"context"
	"sync"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// memStorage is a minimal in-memory Storage double used to exercise
// Queue/Worker without a real broker.
type memStorage struct {
	mu         sync.Mutex
	jobs       map[string]*core.Job
	ready      map[string][]string
	laneStates map[string]*core.QueueState
}

func newMemStorage() *memStorage {
	return &memStorage{
		jobs:       map[string]*core.Job{},
		ready:      map[string][]string{},
		laneStates: map[string]*core.QueueState{},
	}
}

func (s *memStorage) Enqueue(ctx context.Context, job *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *job
	s.jobs[job.ID] = &cp
	if job.RunAt == nil || !job.RunAt.After(time.Now()) {
		s.ready[job.Queue] = append(s.ready[job.Queue], job.ID)
	}
	return nil
}

func (s *memStorage) Dequeue(ctx context.Context, lane, workerID string, lockFor time.Duration) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.laneStates[lane]; ok && st.Paused {
		return nil, nil
	}
	q := s.ready[lane]
	if len(q) == 0 {
		return nil, nil
	}
	id := q[0]
	s.ready[lane] = q[1:]

	job := s.jobs[id]
	job.Status = core.JobRunning
	job.LockedBy = workerID
	now := time.Now()
	until := now.Add(lockFor)
	job.LockedUntil = &until
	job.StartedAt = &now

	cp := *job
	return &cp, nil
}

func (s *memStorage) Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok && job.LockedBy == workerID {
		until := time.Now().Add(lockFor)
		job.LockedUntil = &until
	}
	return nil
}

func (s *memStorage) SetProgress(ctx context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.Progress = progress
	}
	return nil
}

func (s *memStorage) Complete(ctx context.Context, jobID, workerID string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.ErrJobNotFound
	}
	now := time.Now()
	job.Status = core.JobCompleted
	job.Result = result
	job.Progress = 100
	job.CompletedAt = &now
	job.LockedBy = ""
	job.LockedUntil = nil
	return nil
}

func (s *memStorage) Fail(ctx context.Context, jobID, workerID string, incoming *core.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return core.ErrJobNotFound
	}
	job.Attempt = incoming.Attempt
	job.Error = incoming.Error
	job.LockedBy = ""
	job.LockedUntil = nil

	if incoming.Retry != nil && job.Attempt < incoming.Retry.MaxAttempts() {
		runAt := time.Now().Add(incoming.Retry.WaitFor(job.Attempt + 1))
		job.RunAt = &runAt
		job.Status = core.JobQueued
		return nil
	}

	now := time.Now()
	job.Status = core.JobFailed
	job.CompletedAt = &now
	return nil
}

func (s *memStorage) RequestCancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[jobID]; ok {
		job.CancelRequested = true
	}
	return nil
}

func (s *memStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, nil
	}
	cp := *job
	return &cp, nil
}

func (s *memStorage) GetJobs(ctx context.Context, lane string, status core.JobStatus, limit int) ([]*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*core.Job
	for _, job := range s.jobs {
		if job.Queue != lane {
			continue
		}
		if status != "" && job.Status != status {
			continue
		}
		cp := *job
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memStorage) Migrate(ctx context.Context, lane string, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	promoted := 0
	already := map[string]bool{}
	for _, id := range s.ready[lane] {
		already[id] = true
	}
	for id, job := range s.jobs {
		if job.Queue != lane || job.Status != core.JobQueued || already[id] {
			continue
		}
		if job.RunAt != nil && job.RunAt.After(now) {
			continue
		}
		s.ready[lane] = append(s.ready[lane], id)
		job.RunAt = nil
		promoted++
		if promoted >= limit {
			break
		}
	}
	return promoted, nil
}

func (s *memStorage) PauseLane(ctx context.Context, lane string, mode core.PauseMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.laneStates[lane] = &core.QueueState{Queue: lane, Paused: true, PausedAt: &now, UpdatedAt: now}
	return nil
}

func (s *memStorage) ResumeLane(ctx context.Context, lane string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.laneStates[lane]; ok {
		st.Paused = false
		st.UpdatedAt = time.Now()
	}
	return nil
}

func (s *memStorage) LaneState(ctx context.Context, lane string) (*core.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.laneStates[lane]; ok {
		cp := *st
		return &cp, nil
	}
	return &core.QueueState{Queue: lane}, nil
}

func (s *memStorage) Close() error { return nil }
