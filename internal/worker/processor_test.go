package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

type harness struct {
	guard     *store.Guard
	jobs      *service.JobsService
	leads     *repository.LeadsRepository
	followups *repository.FollowupsRepository
	settings  *repository.SettingsRepository
	processor *Processor
}

func newHarness() *harness {
	guard := store.NewGuard(store.NewMemoryBackend(), zap.NewNop())
	jobs := service.NewJobsService(repository.NewJobsRepository(guard), zap.NewNop())
	return &harness{
		guard:     guard,
		jobs:      jobs,
		leads:     repository.NewLeadsRepository(guard),
		followups: repository.NewFollowupsRepository(guard),
		settings:  repository.NewSettingsRepository(guard),
		processor: NewProcessor(jobs, zap.NewNop(), Options{WorkerID: "worker-test", Lease: time.Minute}),
	}
}

func tenantCtx(tenantID string) context.Context {
	return tenancy.WithContext(context.Background(), tenancy.Context{TenantID: tenantID, ActorID: "user-1"})
}

func TestRunOnceCompletesJobUnderJobTenant(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	job, err := h.jobs.Enqueue(ctx, service.EnqueueInput{JobType: "echo", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	var seenTenant string
	h.processor.Register("echo", func(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error) {
		tc, err := tenancy.Require(ctx)
		if err != nil {
			return nil, err
		}
		seenTenant = tc.TenantID
		progress(50)
		return json.RawMessage(`{"ok":true}`), nil
	})

	worked, err := h.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)
	assert.Equal(t, "tenant-a", seenTenant)

	stored, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.Equal(t, 100, stored.Progress)
	assert.JSONEq(t, `{"ok":true}`, string(stored.Result))
	assert.NotNil(t, stored.CompletedAt)

	worked, err = h.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestRunOnceRecordsHandlerFailure(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	job, err := h.jobs.Enqueue(ctx, service.EnqueueInput{JobType: "flaky"})
	require.NoError(t, err)

	h.processor.Register("flaky", func(context.Context, *domain.Job, ProgressFunc) (json.RawMessage, error) {
		return nil, errors.New("upstream timeout")
	})

	worked, err := h.processor.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, worked)

	stored, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "upstream timeout", stored.Error)
}

func TestRunOnceTurnsPanicIntoFailure(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	job, err := h.jobs.Enqueue(ctx, service.EnqueueInput{JobType: "boom", MaxRetries: new(int)})
	require.NoError(t, err)

	h.processor.Register("boom", func(context.Context, *domain.Job, ProgressFunc) (json.RawMessage, error) {
		panic("nil map")
	})

	_, err = h.processor.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "handler panic")
}

func TestRunOnceFailsUnknownJobType(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	job, err := h.jobs.Enqueue(ctx, service.EnqueueInput{JobType: "mystery"})
	require.NoError(t, err)

	_, err = h.processor.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, stored.Error, `no handler for job type "mystery"`)
}

func TestStartStopsOnCancel(t *testing.T) {
	h := newHarness()
	h.processor.interval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.processor.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not stop after cancel")
	}
}

func TestEnrollFollowupsBooksFirstWindow(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	// Monday 2026-03-02 13:00 UTC is 10:00 in Sao Paulo, after the window opened.
	now := time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC)

	require.NoError(t, h.settings.Save(ctx, &domain.TenantSettings{
		AutomationEnabled: true,
		Frequency:         domain.FrequencyWeekly,
		WindowStart:       "09:00",
		Timezone:          "America/Sao_Paulo",
	}))
	for _, lead := range []*domain.Lead{
		{ID: "lead-1", Name: "Ana", Phone: "+5511999990001"},
		{ID: "lead-2", Name: "Bruno", Phone: "+5511999990002", OptedOut: true},
		{ID: "lead-3", Name: "Carla", Phone: "+5511999990003"},
	} {
		require.NoError(t, h.leads.Create(ctx, lead))
	}
	require.NoError(t, h.followups.Create(ctx, &domain.Followup{
		ID: "existing", LeadID: "lead-3", Kind: "nurture", Status: domain.FollowupStatusPending,
		ScheduledAt: now.Add(time.Hour), CreatedAt: now, UpdatedAt: now,
	}))

	h.processor.Register(JobTypeEnrollFollowups, EnrollFollowups(h.leads, h.followups, h.settings, func() time.Time { return now }))
	job, err := h.jobs.Enqueue(ctx, service.EnqueueInput{
		JobType: JobTypeEnrollFollowups,
		Payload: json.RawMessage(`{"lead_ids":["lead-1","lead-2","lead-3","lead-404"],"kind":"nurture"}`),
	})
	require.NoError(t, err)

	_, err = h.processor.RunOnce(context.Background())
	require.NoError(t, err)

	stored, err := h.jobs.Get(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusCompleted, stored.Status)
	assert.JSONEq(t, `{"enrolled":1,"skipped":3}`, string(stored.Result))

	pending, err := h.followups.List(ctx, domain.FollowupStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	var booked *domain.Followup
	for i := range pending {
		if pending[i].LeadID == "lead-1" {
			booked = &pending[i]
		}
	}
	require.NotNil(t, booked)
	assert.Equal(t, "tenant-a", booked.TenantID)
	assert.True(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC).Equal(booked.ScheduledAt), "got %s", booked.ScheduledAt)

	other, err := h.followups.List(tenantCtx("tenant-b"), "", 10)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestEnrollFollowupsRejectsBadPayload(t *testing.T) {
	h := newHarness()
	ctx := tenantCtx("tenant-a")
	handler := EnrollFollowups(h.leads, h.followups, h.settings, nil)
	_, err := handler(ctx, &domain.Job{Payload: json.RawMessage(`{"lead_ids":"lead-1"}`)}, func(int) {})
	assert.Error(t, err)
}
