package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

func newJobsService() *JobsService {
	guard := store.NewGuard(store.NewMemoryBackend(), zap.NewNop())
	return NewJobsService(repository.NewJobsRepository(guard), zap.NewNop())
}

func tenantCtx(tenantID string) context.Context {
	return tenancy.WithContext(context.Background(), tenancy.Context{TenantID: tenantID, ActorID: "user-1"})
}

func intPtr(value int) *int { return &value }

func TestEnqueueDefaultsTenantAndMasksPayload(t *testing.T) {
	svc := newJobsService()
	ctx := tenantCtx("tenant-a")

	job, err := svc.Enqueue(ctx, EnqueueInput{
		JobType: "followups.enroll",
		Payload: json.RawMessage(`{"lead_ids":["l1"],"note":"mail ana@example.com"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", job.TenantID)

	stored, err := svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	assert.Equal(t, 0, stored.Progress)
	assert.Equal(t, 0, stored.RetryCount)
	assert.Equal(t, domain.DefaultMaxRetries, stored.MaxRetries)
	assert.Nil(t, stored.CompletedAt)
	assert.False(t, strings.Contains(string(stored.Payload), "ana@example.com"))
	assert.Contains(t, string(stored.Payload), `"l1"`)

	_, err = svc.Get(tenantCtx("tenant-b"), job.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnqueueValidatesInput(t *testing.T) {
	svc := newJobsService()
	_, err := svc.Enqueue(tenantCtx("tenant-a"), EnqueueInput{JobType: "  "})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = svc.Enqueue(tenantCtx("tenant-a"), EnqueueInput{JobType: "x", MaxRetries: intPtr(-1)})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = svc.Enqueue(context.Background(), EnqueueInput{JobType: "x"})
	assert.ErrorIs(t, err, tenancy.ErrContextMissing)
}

func TestFailRetryBoundary(t *testing.T) {
	svc := newJobsService()
	ctx := tenantCtx("tenant-a")
	job, err := svc.Enqueue(ctx, EnqueueInput{JobType: "report", MaxRetries: intPtr(3)})
	require.NoError(t, err)

	first, err := svc.Fail(ctx, job.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, first.Status)
	assert.Equal(t, 1, first.RetryCount)
	assert.Nil(t, first.CompletedAt)

	second, err := svc.Fail(ctx, job.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, second.Status)
	assert.Equal(t, 2, second.RetryCount)

	third, err := svc.Fail(ctx, job.ID, "timeout")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, third.Status)
	assert.Equal(t, 3, third.RetryCount)
	assert.NotNil(t, third.CompletedAt)
	assert.Equal(t, "timeout", third.Error)

	_, err = svc.Fail(ctx, job.ID, "again")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestFailWithoutRetriesKeepsInvariant(t *testing.T) {
	svc := newJobsService()
	ctx := tenantCtx("tenant-a")
	job, err := svc.Enqueue(ctx, EnqueueInput{JobType: "report", MaxRetries: intPtr(0)})
	require.NoError(t, err)

	failed, err := svc.Fail(ctx, job.ID, "boom")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, failed.Status)
	assert.Equal(t, 0, failed.RetryCount)
}

func TestTerminalJobsRejectTransitions(t *testing.T) {
	svc := newJobsService()
	ctx := tenantCtx("tenant-a")

	job, err := svc.Enqueue(ctx, EnqueueInput{JobType: "report"})
	require.NoError(t, err)
	completed, err := svc.Complete(ctx, job.ID, json.RawMessage(`{"rows":3}`))
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, completed.Status)
	assert.Equal(t, 100, completed.Progress)
	assert.NotNil(t, completed.CompletedAt)
	assert.JSONEq(t, `{"rows":3}`, string(completed.Result))

	_, err = svc.UpdateProgress(ctx, job.ID, 10, nil)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = svc.Cancel(ctx, job.ID)
	assert.ErrorIs(t, err, ErrTerminal)
	_, err = svc.Complete(ctx, job.ID, nil)
	assert.ErrorIs(t, err, ErrTerminal)

	other, err := svc.Enqueue(ctx, EnqueueInput{JobType: "report"})
	require.NoError(t, err)
	cancelled, err := svc.Cancel(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)
}

func TestUpdateProgressClampsAndBumpsUpdatedAt(t *testing.T) {
	svc := newJobsService()
	clock := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }
	ctx := tenantCtx("tenant-a")

	job, err := svc.Enqueue(ctx, EnqueueInput{JobType: "report"})
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	processing := domain.JobStatusProcessing
	updated, err := svc.UpdateProgress(ctx, job.ID, 140, &processing)
	require.NoError(t, err)
	assert.Equal(t, 100, updated.Progress)
	assert.Equal(t, domain.JobStatusProcessing, updated.Status)
	assert.Equal(t, clock, updated.UpdatedAt)

	updated, err = svc.UpdateProgress(ctx, job.ID, -5, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, updated.Progress)

	completed := domain.JobStatusCompleted
	_, err = svc.UpdateProgress(ctx, job.ID, 50, &completed)
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = svc.UpdateProgress(ctx, "missing", 50, nil)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimLeasesOldestJobAcrossTenants(t *testing.T) {
	svc := newJobsService()
	clock := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	older, err := svc.Enqueue(tenantCtx("tenant-a"), EnqueueInput{JobType: "report"})
	require.NoError(t, err)
	clock = clock.Add(time.Second)
	newer, err := svc.Enqueue(tenantCtx("tenant-b"), EnqueueInput{JobType: "report"})
	require.NoError(t, err)

	system := tenancy.System(context.Background(), "test worker")
	claimed, err := svc.Claim(system, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, domain.JobStatusProcessing, claimed.Status)
	assert.Equal(t, "worker-1", claimed.ClaimedBy)

	claimed, err = svc.Claim(system, "worker-2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, newer.ID, claimed.ID)

	claimed, err = svc.Claim(system, "worker-3", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	clock = clock.Add(2 * time.Minute)
	reclaimed, err := svc.Claim(system, "worker-3", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, older.ID, reclaimed.ID)
	assert.Equal(t, "worker-3", reclaimed.ClaimedBy)

	_, err = svc.Claim(context.Background(), "worker-4", time.Minute)
	assert.ErrorIs(t, err, tenancy.ErrContextMissing)
}

func TestListForTenantFiltersByType(t *testing.T) {
	svc := newJobsService()
	ctx := tenantCtx("tenant-a")
	for _, jobType := range []string{"report", "report", "followups.enroll"} {
		_, err := svc.Enqueue(ctx, EnqueueInput{JobType: jobType})
		require.NoError(t, err)
	}
	_, err := svc.Enqueue(tenantCtx("tenant-b"), EnqueueInput{JobType: "report"})
	require.NoError(t, err)

	reports, err := svc.ListForTenant(ctx, "report", 0)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	all, err := svc.ListForTenant(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
