package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

// ProgressFunc reports handler progress in percent.
type ProgressFunc func(percent int)

// Handler runs one job under the job's tenant context.
type Handler func(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error)

type Options struct {
	WorkerID     string
	PollInterval time.Duration
	Lease        time.Duration
}

// Processor claims jobs from the job store and runs the handler registered
// for each job type.
type Processor struct {
	jobs     *service.JobsService
	handlers map[string]Handler
	workerID string
	interval time.Duration
	lease    time.Duration
	logger   *zap.Logger
}

func NewProcessor(jobs *service.JobsService, logger *zap.Logger, options Options) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if options.WorkerID == "" {
		host, _ := os.Hostname()
		options.WorkerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if options.PollInterval <= 0 {
		options.PollInterval = 2 * time.Second
	}
	if options.Lease <= 0 {
		options.Lease = 5 * time.Minute
	}
	return &Processor{
		jobs:     jobs,
		handlers: make(map[string]Handler),
		workerID: options.WorkerID,
		interval: options.PollInterval,
		lease:    options.Lease,
		logger:   logger.With(zap.String("worker_id", options.WorkerID)),
	}
}

// Register must be called before Start.
func (p *Processor) Register(jobType string, handler Handler) {
	p.handlers[jobType] = handler
}

func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("worker started", zap.Duration("poll_interval", p.interval))
	for {
		if ctx.Err() != nil {
			return
		}

		for {
			worked, err := p.RunOnce(ctx)
			if err != nil {
				p.logger.Error("worker iteration failed", zap.Error(err))
				break
			}
			if !worked || ctx.Err() != nil {
				break
			}
		}

		timer := time.NewTimer(p.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims and runs a single job. It reports whether a job was found.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	system := tenancy.System(ctx, "job worker claim")
	job, err := p.jobs.Claim(system, p.workerID, p.lease)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	scoped := tenancy.WithContext(ctx, tenancy.Context{TenantID: job.TenantID, ActorID: "worker:" + p.workerID})
	logger := p.logger.With(
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("job_type", job.JobType),
	)

	result, runErr := p.run(scoped, job, logger)
	if runErr != nil {
		if _, err := p.jobs.Fail(scoped, job.ID, runErr.Error()); err != nil {
			return true, fmt.Errorf("record job failure: %w", err)
		}
		return true, nil
	}
	if _, err := p.jobs.Complete(scoped, job.ID, result); err != nil {
		return true, fmt.Errorf("complete job: %w", err)
	}
	logger.Info("job processed")
	return true, nil
}

func (p *Processor) run(ctx context.Context, job *domain.Job, logger *zap.Logger) (result json.RawMessage, err error) {
	handler, ok := p.handlers[job.JobType]
	if !ok {
		return nil, fmt.Errorf("no handler for job type %q", job.JobType)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			logger.Error("job handler panicked", zap.Any("panic", recovered), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	progress := func(percent int) {
		if _, err := p.jobs.UpdateProgress(ctx, job.ID, percent, nil); err != nil {
			logger.Warn("update job progress failed", zap.Error(err))
		}
	}
	return handler(ctx, job, progress)
}
