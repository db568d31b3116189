package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/policy"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/store"
)

var (
	ErrTerminal   = errors.New("job already finished")
	ErrInvalidJob = errors.New("invalid job")
)

const failRetries = 5

var liveStatuses = store.In("status", string(domain.JobStatusPending), string(domain.JobStatusProcessing))

type EnqueueInput struct {
	// TenantID defaults to the tenant on the context.
	TenantID   string
	JobType    string
	Payload    json.RawMessage
	MaxRetries *int
}

// JobsService owns the job state machine:
// pending -> processing -> completed | failed | cancelled, with failed retries
// going back to pending until max_retries is spent.
type JobsService struct {
	repo   *repository.JobsRepository
	logger *zap.Logger
	now    func() time.Time
}

func NewJobsService(repo *repository.JobsRepository, logger *zap.Logger) *JobsService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsService{repo: repo, logger: logger, now: time.Now}
}

func (s *JobsService) Enqueue(ctx context.Context, input EnqueueInput) (*domain.Job, error) {
	jobType := strings.TrimSpace(input.JobType)
	if jobType == "" {
		return nil, fmt.Errorf("%w: job_type is required", ErrInvalidJob)
	}
	maxRetries := domain.DefaultMaxRetries
	if input.MaxRetries != nil {
		if *input.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max_retries must not be negative", ErrInvalidJob)
		}
		maxRetries = *input.MaxRetries
	}

	now := s.now().UTC()
	job := &domain.Job{
		ID:         uuid.NewString(),
		TenantID:   strings.TrimSpace(input.TenantID),
		JobType:    jobType,
		Status:     domain.JobStatusPending,
		Payload:    policy.MaskPayload(input.Payload),
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("job_type", job.JobType),
	)
	return job, nil
}

func (s *JobsService) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.repo.Get(ctx, jobID)
}

func (s *JobsService) ListForTenant(ctx context.Context, jobType string, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, strings.TrimSpace(jobType), limit)
}

// UpdateProgress clamps progress to 0..100 and optionally moves the job
// between pending and processing.
func (s *JobsService) UpdateProgress(ctx context.Context, jobID string, progress int, status *domain.JobStatus) (*domain.Job, error) {
	patch := store.Record{
		"progress":   domain.ClampProgress(progress),
		"updated_at": s.now().UTC(),
	}
	if status != nil {
		if status.Terminal() || !status.Valid() {
			return nil, fmt.Errorf("%w: use complete, fail or cancel to finish a job", ErrInvalidJob)
		}
		patch["status"] = string(*status)
	}
	return s.transition(ctx, jobID, patch)
}

func (s *JobsService) Complete(ctx context.Context, jobID string, result json.RawMessage) (*domain.Job, error) {
	now := s.now().UTC()
	job, err := s.transition(ctx, jobID, store.Record{
		"status":           string(domain.JobStatusCompleted),
		"progress":         100,
		"result":           policy.MaskPayload(result),
		"error":            "",
		"claimed_by":       nil,
		"lease_expires_at": nil,
		"completed_at":     now,
		"updated_at":       now,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("job completed", zap.String("job_id", job.ID), zap.String("tenant_id", job.TenantID))
	return job, nil
}

func (s *JobsService) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	now := s.now().UTC()
	return s.transition(ctx, jobID, store.Record{
		"status":           string(domain.JobStatusCancelled),
		"claimed_by":       nil,
		"lease_expires_at": nil,
		"completed_at":     now,
		"updated_at":       now,
	})
}

// Fail records a failed attempt and increments retry_count. The job returns to
// pending while the new count stays below max_retries and becomes failed once
// it reaches it, so retry_count never exceeds max_retries. The update is
// guarded by the count that was read so concurrent failures cannot lose an
// increment.
func (s *JobsService) Fail(ctx context.Context, jobID, message string) (*domain.Job, error) {
	for attempt := 0; attempt < failRetries; attempt++ {
		current, err := s.repo.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if current.Status.Terminal() {
			return nil, ErrTerminal
		}

		now := s.now().UTC()
		attempts := current.RetryCount + 1
		retrying := attempts < current.MaxRetries
		patch := store.Record{
			"error":            message,
			"retry_count":      min(attempts, current.MaxRetries),
			"claimed_by":       nil,
			"lease_expires_at": nil,
			"updated_at":       now,
		}
		if retrying {
			patch["status"] = string(domain.JobStatusPending)
		} else {
			patch["status"] = string(domain.JobStatusFailed)
			patch["completed_at"] = now
		}

		job, err := s.repo.UpdateWhere(ctx, jobID, store.Filter{liveStatuses, store.Eq("retry_count", current.RetryCount)}, patch)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fail job: %w", err)
		}

		fields := []zap.Field{
			zap.String("job_id", job.ID),
			zap.String("tenant_id", job.TenantID),
			zap.String("job_type", job.JobType),
			zap.Int("retry_count", job.RetryCount),
			zap.Int("max_retries", job.MaxRetries),
			zap.String("error", message),
		}
		if retrying {
			s.logger.Warn("job attempt failed, will retry", fields...)
		} else {
			s.logger.Error("job failed permanently", fields...)
		}
		return job, nil
	}
	return nil, fmt.Errorf("fail job %s: too much contention", jobID)
}

// Claim hands the oldest runnable job to workerID for lease. It looks across
// tenants, so ctx must be a System context. A nil job means nothing was runnable
// or another worker won every candidate.
func (s *JobsService) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error) {
	now := s.now().UTC()
	candidates, err := s.repo.Claimable(ctx, now, 10)
	if err != nil {
		return nil, err
	}

	for _, candidate := range candidates {
		conditions := store.Filter{store.Eq("status", string(candidate.Status))}
		if candidate.Status == domain.JobStatusProcessing {
			conditions = conditions.And(store.Lte("lease_expires_at", now))
		}
		job, err := s.repo.UpdateWhere(ctx, candidate.ID, conditions, store.Record{
			"status":           string(domain.JobStatusProcessing),
			"claimed_by":       workerID,
			"lease_expires_at": now.Add(lease),
			"updated_at":       now,
		})
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		return job, nil
	}
	return nil, nil
}

// transition applies patch while the job is still live, telling a finished job
// apart from a missing one.
func (s *JobsService) transition(ctx context.Context, jobID string, patch store.Record) (*domain.Job, error) {
	job, err := s.repo.UpdateWhere(ctx, jobID, store.Filter{liveStatuses}, patch)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("update job: %w", err)
	}
	current, getErr := s.repo.Get(ctx, jobID)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status.Terminal() {
		return nil, ErrTerminal
	}
	return nil, err
}
