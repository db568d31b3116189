package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/store"
)

var ErrNotFound = store.ErrNotFound

// JobsRepository maps job records to domain.Job. Every call is tenant scoped by
// the guard; claim lookups run under a System context supplied by the caller.
type JobsRepository struct {
	guard *store.Guard
}

func NewJobsRepository(guard *store.Guard) *JobsRepository {
	return &JobsRepository{guard: guard}
}

func (r *JobsRepository) Create(ctx context.Context, job *domain.Job) error {
	record := store.Record{
		"id":               job.ID,
		"job_type":         job.JobType,
		"status":           string(job.Status),
		"progress":         job.Progress,
		"payload":          job.Payload,
		"result":           job.Result,
		"error":            job.Error,
		"retry_count":      job.RetryCount,
		"max_retries":      job.MaxRetries,
		"claimed_by":       nil,
		"lease_expires_at": nil,
		"created_at":       job.CreatedAt,
		"updated_at":       job.UpdatedAt,
		"completed_at":     store.NullTime(job.CompletedAt),
	}
	if job.TenantID != "" {
		record[store.TenantColumn] = job.TenantID
	}
	created, err := r.guard.Create(ctx, store.KindJobs, record)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.TenantID = store.String(created, store.TenantColumn)
	return nil
}

func (r *JobsRepository) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	record, err := r.guard.FindOne(ctx, store.KindJobs, store.Filter{store.Eq("id", jobID)})
	if err != nil {
		return nil, err
	}
	return jobFromRecord(record), nil
}

// List returns the tenant's jobs, newest first, optionally narrowed to one type.
func (r *JobsRepository) List(ctx context.Context, jobType string, limit int) ([]domain.Job, error) {
	filter := store.Filter{}
	if jobType != "" {
		filter = filter.And(store.Eq("job_type", jobType))
	}
	records, err := r.guard.FindMany(ctx, store.KindJobs, store.Query{
		Filter:  filter,
		OrderBy: []store.Order{{Field: "created_at", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobsFromRecords(records), nil
}

// UpdateWhere applies patch to the job only while conditions still hold. A job
// that moved on in the meantime yields ErrNotFound.
func (r *JobsRepository) UpdateWhere(ctx context.Context, jobID string, conditions store.Filter, patch store.Record) (*domain.Job, error) {
	filter := store.Filter{store.Eq("id", jobID)}.And(conditions...)
	record, err := r.guard.Update(ctx, store.KindJobs, filter, patch)
	if err != nil {
		return nil, err
	}
	return jobFromRecord(record), nil
}

// Claimable lists pending jobs and processing jobs whose lease ran out, oldest first.
func (r *JobsRepository) Claimable(ctx context.Context, now time.Time, limit int) ([]domain.Job, error) {
	pending, err := r.guard.FindMany(ctx, store.KindJobs, store.Query{
		Filter:  store.Filter{store.Eq("status", string(domain.JobStatusPending))},
		OrderBy: []store.Order{{Field: "created_at"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	expired, err := r.guard.FindMany(ctx, store.KindJobs, store.Query{
		Filter: store.Filter{
			store.Eq("status", string(domain.JobStatusProcessing)),
			store.Lte("lease_expires_at", now),
		},
		OrderBy: []store.Order{{Field: "created_at"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}

	jobs := jobsFromRecords(append(pending, expired...))
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func jobsFromRecords(records []store.Record) []domain.Job {
	jobs := make([]domain.Job, 0, len(records))
	for _, record := range records {
		jobs = append(jobs, *jobFromRecord(record))
	}
	return jobs
}

func jobFromRecord(record store.Record) *domain.Job {
	return &domain.Job{
		ID:             store.String(record, "id"),
		TenantID:       store.String(record, store.TenantColumn),
		JobType:        store.String(record, "job_type"),
		Status:         domain.JobStatus(store.String(record, "status")),
		Progress:       store.Int(record, "progress"),
		Payload:        store.JSON(record, "payload"),
		Result:         store.JSON(record, "result"),
		Error:          store.String(record, "error"),
		RetryCount:     store.Int(record, "retry_count"),
		MaxRetries:     store.Int(record, "max_retries"),
		ClaimedBy:      store.String(record, "claimed_by"),
		LeaseExpiresAt: store.TimePtr(record, "lease_expires_at"),
		CreatedAt:      store.Time(record, "created_at"),
		UpdatedAt:      store.Time(record, "updated_at"),
		CompletedAt:    store.TimePtr(record, "completed_at"),
	}
}
