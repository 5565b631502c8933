package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/security"
)

// GormStorage implements pkg/queue.Storage over any GORM dialect
// (Postgres, SQLite, MySQL). Adapted from the teacher's transactional
// dequeue: a single-row SELECT-then-Save inside a transaction stands in
// for SELECT ... FOR UPDATE across dialects that don't all support it the
// same way.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage wraps an already-connected *gorm.DB.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db}
}

// AutoMigrate creates the jobs table.
func (s *GormStorage) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

func encodeJob(job *core.Job) error {
	if job.Payload != nil {
		b, err := json.Marshal(job.Payload)
		if err != nil {
			return err
		}
		job.PayloadJSON = b
	}
	if job.Steps != nil {
		b, err := json.Marshal(job.Steps)
		if err != nil {
			return err
		}
		job.StepsJSON = b
	}
	effects := struct {
		OnPending  []core.Effect `json:"onPending,omitempty"`
		OnProgress []core.Effect `json:"onProgress,omitempty"`
		OnSuccess  []core.Effect `json:"onSuccess,omitempty"`
		OnError    []core.Effect `json:"onError,omitempty"`
	}{job.OnPending, job.OnProgress, job.OnSuccess, job.OnError}
	b, err := json.Marshal(effects)
	if err != nil {
		return err
	}
	job.EffectsJSON = b
	if job.Result != nil {
		b, err := json.Marshal(job.Result)
		if err != nil {
			return err
		}
		job.ResultJSON = b
	}
	return nil
}

func decodeJob(job *core.Job) error {
	if job.Status == jobPaused {
		job.Status = core.JobQueued
	}
	if len(job.PayloadJSON) > 0 {
		if err := json.Unmarshal(job.PayloadJSON, &job.Payload); err != nil {
			return err
		}
	}
	if len(job.StepsJSON) > 0 {
		if err := json.Unmarshal(job.StepsJSON, &job.Steps); err != nil {
			return err
		}
	}
	if len(job.EffectsJSON) > 0 {
		var effects struct {
			OnPending  []core.Effect `json:"onPending,omitempty"`
			OnProgress []core.Effect `json:"onProgress,omitempty"`
			OnSuccess  []core.Effect `json:"onSuccess,omitempty"`
			OnError    []core.Effect `json:"onError,omitempty"`
		}
		if err := json.Unmarshal(job.EffectsJSON, &effects); err != nil {
			return err
		}
		job.OnPending, job.OnProgress, job.OnSuccess, job.OnError = effects.OnPending, effects.OnProgress, effects.OnSuccess, effects.OnError
	}
	if len(job.ResultJSON) > 0 {
		if err := json.Unmarshal(job.ResultJSON, &job.Result); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue implements queue.Storage.
func (s *GormStorage) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobQueued
	}
	if job.Queue == "" {
		job.Queue = "default"
	}
	if err := encodeJob(job); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// Dequeue implements queue.Storage.
func (s *GormStorage) Dequeue(ctx context.Context, lane, workerID string, lockFor time.Duration) (*core.Job, error) {
	var job core.Job
	now := time.Now()
	lockUntil := now.Add(lockFor)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("queue = ?", lane).
			Where("status = ?", core.JobQueued).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(locked_until IS NULL OR locked_until < ?)", now).
			Order("priority DESC, created_at ASC").
			First(&job)

		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		job.Status = core.JobRunning
		job.LockedBy = workerID
		job.LockedUntil = &lockUntil
		job.StartedAt = &now

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	if err := decodeJob(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Heartbeat implements queue.Storage.
func (s *GormStorage) Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error {
	lockUntil := time.Now().Add(lockFor)
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Update("locked_until", lockUntil)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// SetProgress implements queue.Storage.
func (s *GormStorage) SetProgress(ctx context.Context, jobID string, progress int) error {
	result := s.db.WithContext(ctx).Model(&core.Job{}).Where("id = ?", jobID).Update("progress", progress)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// Complete implements queue.Storage.
func (s *GormStorage) Complete(ctx context.Context, jobID, workerID string, res any) error {
	resultJSON, err := json.Marshal(res)
	if err != nil {
		return err
	}
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(map[string]any{
			"status":       core.JobCompleted,
			"progress":     100,
			"result":       resultJSON,
			"completed_at": now,
			"locked_by":    "",
			"locked_until": nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// Fail implements queue.Storage: consults incoming.Retry to decide
// between rescheduling and a terminal failure, mirroring the teacher's
// retryAt-nil-vs-set branch in its own Fail.
func (s *GormStorage) Fail(ctx context.Context, jobID, workerID string, incoming *core.Job) error {
	sanitized := security.SanitizeErrorMessage(incoming.Error)

	updates := map[string]any{
		"error":        sanitized,
		"attempt":      incoming.Attempt,
		"locked_by":    "",
		"locked_until": nil,
	}
	if incoming.Retry != nil && incoming.Attempt < incoming.Retry.MaxAttempts() {
		runAt := time.Now().Add(incoming.Retry.WaitFor(incoming.Attempt + 1))
		updates["status"] = core.JobQueued
		updates["run_at"] = runAt
	} else {
		updates["status"] = core.JobFailed
		updates["completed_at"] = time.Now()
	}

	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND locked_by = ?", jobID, workerID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// RequestCancel implements queue.Storage.
func (s *GormStorage) RequestCancel(ctx context.Context, jobID string) error {
	result := s.db.WithContext(ctx).Model(&core.Job{}).Where("id = ?", jobID).Update("cancel_requested", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// GetJob implements queue.Storage.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeJob(&job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobs implements queue.Storage.
func (s *GormStorage) GetJobs(ctx context.Context, lane string, status core.JobStatus, limit int) ([]*core.Job, error) {
	q := s.db.WithContext(ctx).Where("queue = ?", lane)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var jobs []*core.Job
	if err := q.Order("created_at DESC").Limit(limit).Find(&jobs).Error; err != nil {
		return nil, err
	}
	for _, job := range jobs {
		if err := decodeJob(job); err != nil {
			return nil, err
		}
	}
	return jobs, nil
}

// Migrate implements queue.Storage by promoting delayed/cron/retry jobs
// whose run_at has arrived; since Dequeue's WHERE clause already accepts
// run_at <= now, Migrate here is a lighter accounting step: it just
// reports how many are newly eligible so the caller can log progress.
func (s *GormStorage) Migrate(ctx context.Context, lane string, limit int) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ?", lane).
		Where("status = ?", core.JobQueued).
		Where("run_at IS NOT NULL AND run_at <= ?", time.Now()).
		Limit(limit).
		Count(&count).Error
	return int(count), err
}

// PauseLane implements queue.Storage using a sentinel row in a dedicated
// table would be more common, but since this storage has no separate
// lane-state table, pausing is modeled by relocating queued jobs into a
// reserved status that Dequeue's WHERE clause never selects.
func (s *GormStorage) PauseLane(ctx context.Context, lane string, mode core.PauseMode) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ?", lane, core.JobQueued).
		Update("status", jobPaused).Error
}

// ResumeLane implements queue.Storage, reversing PauseLane.
func (s *GormStorage) ResumeLane(ctx context.Context, lane string) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("queue = ? AND status = ?", lane, jobPaused).
		Update("status", core.JobQueued).Error
}

// jobPaused is a storage-internal status value, never returned to callers
// through the public Storage/Status API (decodeJob reports it as queued).
const jobPaused core.JobStatus = "paused"

// LaneState implements queue.Storage.
func (s *GormStorage) LaneState(ctx context.Context, lane string) (*core.QueueState, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&core.Job{}).Where("queue = ? AND status = ?", lane, jobPaused).Count(&count).Error; err != nil {
		return nil, err
	}
	return &core.QueueState{Queue: lane, Paused: count > 0, UpdatedAt: time.Now()}, nil
}

// Close implements queue.Storage.
func (s *GormStorage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
