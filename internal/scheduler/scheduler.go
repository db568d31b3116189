// Package scheduler drives automated follow-ups: for every tenant with due
// work it takes the tenant's scheduler lock, generates and delivers each due
// followup in order, and books the next occurrence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iago/wa-tenancy/internal/ai"
	"github.com/iago/wa-tenancy/internal/delivery"
	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/history"
	"github.com/iago/wa-tenancy/internal/lock"
	"github.com/iago/wa-tenancy/internal/policy"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

// LockPurpose names the per-tenant scheduler lock.
const LockPurpose = "scheduler"

const markSentRetryTimeout = 5 * time.Second

type Config struct {
	LockTTL time.Duration
	// PerItemBudget, when set, grows the lock TTL to BatchSize*PerItemBudget
	// so large batches do not outlive their lock.
	PerItemBudget     time.Duration
	LockRetryDelay    time.Duration
	BatchSize         int
	MaxTenantsPerTick int
	Concurrency       int
}

func (c Config) withDefaults() Config {
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.LockRetryDelay <= 0 {
		c.LockRetryDelay = 500 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxTenantsPerTick <= 0 {
		c.MaxTenantsPerTick = 50
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	return c
}

type Dependencies struct {
	Followups *repository.FollowupsRepository
	Leads     *repository.LeadsRepository
	Messages  *repository.MessagesRepository
	Settings  *repository.SettingsRepository
	History   *history.Builder
	Generator ai.Generator
	Sender    delivery.Sender
	Locks     *lock.Manager
	Logger    *zap.Logger
}

// Result counts the outcome of one tenant pass. Skipped followups had no
// reachable recipient.
type Result struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Unmarked followups were delivered but could not be marked sent; they
	// are also counted in Failed.
	Unmarked int `json:"unmarked"`
}

func (r *Result) add(other Result) {
	r.Processed += other.Processed
	r.Sent += other.Sent
	r.Failed += other.Failed
	r.Skipped += other.Skipped
	r.Unmarked += other.Unmarked
}

type Totals struct {
	Result
	Tenants int `json:"tenants"`
	Errors  int `json:"errors"`
}

type Scheduler struct {
	deps   Dependencies
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	// cursor is the last tenant Tick handed out; the next tick starts after it.
	cursorMu sync.Mutex
	cursor   string
}

func New(deps Dependencies, config Config) *Scheduler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		deps:   deps,
		config: config.withDefaults(),
		logger: logger,
		tracer: otel.Tracer("github.com/iago/wa-tenancy/internal/scheduler"),
		now:    time.Now,
	}
}

func (s *Scheduler) lockTTL(limit int) time.Duration {
	ttl := s.config.LockTTL
	if s.config.PerItemBudget > 0 {
		if scaled := time.Duration(limit) * s.config.PerItemBudget; scaled > ttl {
			ttl = scaled
		}
	}
	return ttl
}

// Tick processes tenants with automation on and due followups, up to
// MaxTenantsPerTick, with bounded concurrency. A failing tenant is logged and counted; it never
// stops the others.
func (s *Scheduler) Tick(ctx context.Context) (Totals, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	tenants, err := s.dueTenants(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Totals{}, err
	}

	var (
		mu     sync.Mutex
		totals = Totals{Tenants: len(tenants)}
		group  errgroup.Group
	)
	group.SetLimit(s.config.Concurrency)
	for _, tenantID := range tenants {
		group.Go(func() error {
			result, err := s.ProcessTenant(ctx, tenantID, s.config.BatchSize)
			mu.Lock()
			defer mu.Unlock()
			totals.add(result)
			if err != nil {
				totals.Errors++
				s.logger.Error("scheduler tenant pass failed", zap.String("tenant_id", tenantID), zap.Error(err))
			}
			return nil
		})
	}
	_ = group.Wait()

	span.SetAttributes(
		attribute.Int("scheduler.tenants", totals.Tenants),
		attribute.Int("scheduler.processed", totals.Processed),
		attribute.Int("scheduler.sent", totals.Sent),
		attribute.Int("scheduler.failed", totals.Failed),
	)
	s.logger.Info("scheduler tick finished",
		zap.Int("tenants", totals.Tenants),
		zap.Int("processed", totals.Processed),
		zap.Int("sent", totals.Sent),
		zap.Int("failed", totals.Failed),
		zap.Int("skipped", totals.Skipped),
		zap.Int("unmarked", totals.Unmarked),
		zap.Int("errors", totals.Errors),
	)
	return totals, nil
}

// dueTenants returns up to MaxTenantsPerTick tenants that have automation on
// and due followups. Selection rotates through the sorted candidates so a
// tenant whose followups stay pending cannot hold every slot.
func (s *Scheduler) dueTenants(ctx context.Context) ([]string, error) {
	system := tenancy.System(ctx, "scheduler tick: tenants with due followups")
	automated, err := s.deps.Settings.AutomatedTenants(system)
	if err != nil {
		return nil, err
	}
	due, err := s.deps.Followups.TenantsWithDue(system, s.now().UTC(), automated, 0)
	if err != nil {
		return nil, err
	}

	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()
	picked := rotate(due, s.cursor, s.config.MaxTenantsPerTick)
	if len(picked) > 0 {
		s.cursor = picked[len(picked)-1]
	}
	return picked, nil
}

// rotate takes up to limit entries of the sorted slice, starting after cursor
// and wrapping around.
func rotate(sorted []string, cursor string, limit int) []string {
	if limit <= 0 || limit > len(sorted) {
		limit = len(sorted)
	}
	start := sort.SearchStrings(sorted, cursor)
	if start < len(sorted) && sorted[start] == cursor {
		start++
	}
	picked := make([]string, 0, limit)
	for i := 0; i < limit; i++ {
		picked = append(picked, sorted[(start+i)%len(sorted)])
	}
	return picked
}

// ProcessTenant handles up to limit due followups of one tenant while holding
// its scheduler lock. When another instance holds the lock, or automation is
// off, it returns a zero Result and touches nothing.
func (s *Scheduler) ProcessTenant(ctx context.Context, tenantID string, limit int) (Result, error) {
	if limit <= 0 {
		limit = s.config.BatchSize
	}
	ctx, span := s.tracer.Start(ctx, "scheduler.tenant", trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	ctx = tenancy.WithContext(ctx, tenancy.Context{TenantID: tenantID, ActorID: "scheduler"})
	key := lock.Key{TenantID: tenantID, Purpose: LockPurpose}
	options := lock.Options{RetryAttempts: 1, RetryDelay: s.config.LockRetryDelay}

	var result Result
	acquired, err := s.deps.Locks.WithLock(ctx, key, s.lockTTL(limit), options, func(ctx context.Context) error {
		var passErr error
		result, passErr = s.processLocked(ctx, tenantID, limit)
		return passErr
	})
	span.SetAttributes(attribute.Bool("scheduler.lock_acquired", acquired))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("process tenant %s: %w", tenantID, err)
	}
	if !acquired {
		s.logger.Debug("scheduler lock held elsewhere, skipping tenant", zap.String("tenant_id", tenantID))
		return Result{}, nil
	}
	return result, nil
}

func (s *Scheduler) processLocked(ctx context.Context, tenantID string, limit int) (Result, error) {
	settings, err := s.deps.Settings.Get(ctx)
	if err != nil {
		return Result{}, err
	}
	if !settings.AutomationEnabled {
		return Result{}, nil
	}
	loc, err := settings.Location()
	if err != nil {
		s.logger.Warn("invalid tenant timezone, using UTC", zap.String("tenant_id", tenantID), zap.Error(err))
		loc = time.UTC
	}

	due, err := s.deps.Followups.Due(ctx, s.now().UTC(), limit)
	if err != nil {
		return Result{}, err
	}

	var result Result
	for _, followup := range due {
		result.Processed++
		s.processFollowup(ctx, settings, loc, followup, &result)
	}
	return result, nil
}

// processFollowup turns every failure into a counter and, where the failure is
// final, a followup state. Nothing here aborts the batch.
func (s *Scheduler) processFollowup(ctx context.Context, settings *domain.TenantSettings, loc *time.Location, followup domain.Followup, result *Result) {
	logger := s.logger.With(
		zap.String("tenant_id", followup.TenantID),
		zap.String("followup_id", followup.ID),
		zap.String("lead_id", followup.LeadID),
	)

	lead, err := s.deps.Leads.Get(ctx, followup.LeadID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.skip(ctx, logger, followup, "recipient not found", result)
		return
	case err != nil:
		logger.Warn("load recipient failed", zap.Error(err))
		result.Failed++
		return
	case lead.OptedOut:
		s.skip(ctx, logger, followup, "recipient opted out", result)
		return
	case lead.Phone == "":
		s.skip(ctx, logger, followup, "recipient has no phone number", result)
		return
	}

	lines, err := s.deps.History.Build(ctx, lead.ID)
	if err != nil {
		logger.Warn("conversation history unavailable, generating without it", zap.Error(err))
		lines = nil
	}

	text, err := s.deps.Generator.Generate(ctx, ai.GenerateInput{
		Tone:          settings.Tone,
		Goal:          settings.Goal,
		History:       lines,
		Language:      settings.Language,
		RecipientName: lead.Name,
		Audience:      settings.Audience,
	})
	if err == nil {
		err = policy.CheckMessage(text)
	}
	if err != nil {
		// Left pending: the next tick generates again.
		logger.Warn("followup generation failed", zap.Error(err))
		result.Failed++
		return
	}

	externalID, err := s.deps.Sender.Send(ctx, followup.TenantID, lead.Phone, text)
	if err != nil {
		logger.Warn("followup delivery failed", zap.Error(err))
		if markErr := s.deps.Followups.MarkFailed(ctx, followup.ID, "delivery failed: "+err.Error(), s.now().UTC()); markErr != nil {
			logger.Error("mark followup failed", zap.Error(markErr))
		}
		result.Failed++
		return
	}

	now := s.now().UTC()
	if err := s.deps.Messages.Create(ctx, &domain.Message{
		ID:         uuid.NewString(),
		LeadID:     lead.ID,
		Direction:  domain.MessageOutbound,
		Body:       text,
		ExternalID: externalID,
		FollowupID: followup.ID,
		CreatedAt:  now,
	}); err != nil {
		logger.Error("record outbound message failed", zap.Error(err))
	}
	if err := s.markSent(ctx, followup.ID, text, now); err != nil {
		// Delivered but still pending: the next tick sends it again.
		logger.Error("followup delivered but not marked sent",
			zap.String("external_id", externalID),
			zap.Error(err),
		)
		result.Failed++
		result.Unmarked++
		return
	}
	result.Sent++

	if err := s.scheduleNext(ctx, settings, loc, followup, now); err != nil {
		logger.Error("schedule next followup failed", zap.Error(err))
	}
}

// markSent retries once on a context detached from the tick's cancellation.
func (s *Scheduler) markSent(ctx context.Context, followupID, text string, at time.Time) error {
	err := s.deps.Followups.MarkSent(ctx, followupID, text, at)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return err
	}
	retryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markSentRetryTimeout)
	defer cancel()
	return s.deps.Followups.MarkSent(retryCtx, followupID, text, at)
}

func (s *Scheduler) skip(ctx context.Context, logger *zap.Logger, followup domain.Followup, reason string, result *Result) {
	logger.Info("followup skipped", zap.String("reason", reason))
	if err := s.deps.Followups.MarkFailed(ctx, followup.ID, reason, s.now().UTC()); err != nil {
		logger.Error("mark skipped followup failed", zap.Error(err))
	}
	result.Skipped++
}

func (s *Scheduler) scheduleNext(ctx context.Context, settings *domain.TenantSettings, loc *time.Location, followup domain.Followup, now time.Time) error {
	next, err := NextOccurrence(now, settings.Frequency, settings.WindowStart, loc)
	if err != nil {
		return err
	}
	return s.deps.Followups.Create(ctx, &domain.Followup{
		ID:          uuid.NewString(),
		LeadID:      followup.LeadID,
		Kind:        followup.Kind,
		Status:      domain.FollowupStatusPending,
		ScheduledAt: next,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}
