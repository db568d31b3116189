package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/store"
)

type FollowupsRepository struct {
	guard *store.Guard
}

func NewFollowupsRepository(guard *store.Guard) *FollowupsRepository {
	return &FollowupsRepository{guard: guard}
}

func (r *FollowupsRepository) Create(ctx context.Context, followup *domain.Followup) error {
	created, err := r.guard.Create(ctx, store.KindFollowups, followupRecord(followup))
	if err != nil {
		return fmt.Errorf("insert followup: %w", err)
	}
	followup.TenantID = store.String(created, store.TenantColumn)
	return nil
}

func (r *FollowupsRepository) Get(ctx context.Context, followupID string) (*domain.Followup, error) {
	record, err := r.guard.FindOne(ctx, store.KindFollowups, store.Filter{store.Eq("id", followupID)})
	if err != nil {
		return nil, err
	}
	return followupFromRecord(record), nil
}

// Due returns pending followups scheduled at or before now, earliest first.
func (r *FollowupsRepository) Due(ctx context.Context, now time.Time, limit int) ([]domain.Followup, error) {
	records, err := r.guard.FindMany(ctx, store.KindFollowups, store.Query{
		Filter: store.Filter{
			store.Eq("status", string(domain.FollowupStatusPending)),
			store.Lte("scheduled_at", now),
		},
		OrderBy: []store.Order{{Field: "scheduled_at"}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list due followups: %w", err)
	}
	return followupsFromRecords(records), nil
}

// TenantsWithDue lists which of candidates own at least one due followup,
// sorted by tenant id. A limit of 0 means no bound. It needs a System context
// to see across tenants.
func (r *FollowupsRepository) TenantsWithDue(ctx context.Context, now time.Time, candidates []string, limit int) ([]string, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	values, err := r.guard.Distinct(ctx, store.KindFollowups, store.TenantColumn, store.Filter{
		store.Eq("status", string(domain.FollowupStatusPending)),
		store.Lte("scheduled_at", now),
		store.In(store.TenantColumn, candidates...),
	}, limit)
	if err != nil {
		return nil, fmt.Errorf("list tenants with due followups: %w", err)
	}
	tenants := stringValues(values)
	sort.Strings(tenants)
	return tenants, nil
}

func stringValues(values []any) []string {
	out := make([]string, 0, len(values))
	for _, value := range values {
		if text := fmt.Sprint(value); value != nil && text != "" {
			out = append(out, text)
		}
	}
	return out
}

func (r *FollowupsRepository) HasPending(ctx context.Context, leadID, kind string) (bool, error) {
	count, err := r.guard.Count(ctx, store.KindFollowups, store.Filter{
		store.Eq("lead_id", leadID),
		store.Eq("kind", kind),
		store.Eq("status", string(domain.FollowupStatusPending)),
	})
	if err != nil {
		return false, fmt.Errorf("count pending followups: %w", err)
	}
	return count > 0, nil
}

func (r *FollowupsRepository) List(ctx context.Context, status domain.FollowupStatus, limit int) ([]domain.Followup, error) {
	filter := store.Filter{}
	if status != "" {
		filter = filter.And(store.Eq("status", string(status)))
	}
	records, err := r.guard.FindMany(ctx, store.KindFollowups, store.Query{
		Filter:  filter,
		OrderBy: []store.Order{{Field: "scheduled_at", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list followups: %w", err)
	}
	return followupsFromRecords(records), nil
}

// MarkSent records the delivered content. Only a pending followup can be sent.
func (r *FollowupsRepository) MarkSent(ctx context.Context, followupID, content string, at time.Time) error {
	_, err := r.guard.Update(ctx, store.KindFollowups,
		store.Filter{store.Eq("id", followupID), store.Eq("status", string(domain.FollowupStatusPending))},
		store.Record{
			"status":       string(domain.FollowupStatusSent),
			"content":      content,
			"error":        "",
			"completed_at": at,
			"updated_at":   at,
		},
	)
	return err
}

func (r *FollowupsRepository) MarkFailed(ctx context.Context, followupID, reason string, at time.Time) error {
	_, err := r.guard.Update(ctx, store.KindFollowups,
		store.Filter{store.Eq("id", followupID), store.Eq("status", string(domain.FollowupStatusPending))},
		store.Record{
			"status":       string(domain.FollowupStatusFailed),
			"error":        reason,
			"completed_at": at,
			"updated_at":   at,
		},
	)
	return err
}

func followupRecord(followup *domain.Followup) store.Record {
	record := store.Record{
		"id":           followup.ID,
		"lead_id":      followup.LeadID,
		"kind":         followup.Kind,
		"status":       string(followup.Status),
		"scheduled_at": followup.ScheduledAt,
		"completed_at": store.NullTime(followup.CompletedAt),
		"content":      followup.Content,
		"error":        followup.Error,
		"created_at":   followup.CreatedAt,
		"updated_at":   followup.UpdatedAt,
	}
	if followup.TenantID != "" {
		record[store.TenantColumn] = followup.TenantID
	}
	return record
}

func followupsFromRecords(records []store.Record) []domain.Followup {
	followups := make([]domain.Followup, 0, len(records))
	for _, record := range records {
		followups = append(followups, *followupFromRecord(record))
	}
	return followups
}

func followupFromRecord(record store.Record) *domain.Followup {
	return &domain.Followup{
		ID:          store.String(record, "id"),
		TenantID:    store.String(record, store.TenantColumn),
		LeadID:      store.String(record, "lead_id"),
		Kind:        store.String(record, "kind"),
		Status:      domain.FollowupStatus(store.String(record, "status")),
		ScheduledAt: store.Time(record, "scheduled_at"),
		CompletedAt: store.TimePtr(record, "completed_at"),
		Content:     store.String(record, "content"),
		Error:       store.String(record, "error"),
		CreatedAt:   store.Time(record, "created_at"),
		UpdatedAt:   store.Time(record, "updated_at"),
	}
}
