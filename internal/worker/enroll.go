package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/scheduler"
	"github.com/iago/wa-tenancy/internal/store"
)

const JobTypeEnrollFollowups = "followups.enroll"

type EnrollPayload struct {
	LeadIDs []string `json:"lead_ids"`
	Kind    string   `json:"kind"`
}

type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
}

// EnrollFollowups books the first pending followup for each lead at the
// tenant's next window start. Leads that are missing, opted out or already
// enrolled in the same kind are skipped.
func EnrollFollowups(
	leads *repository.LeadsRepository,
	followups *repository.FollowupsRepository,
	settings *repository.SettingsRepository,
	now func() time.Time,
) Handler {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context, job *domain.Job, progress ProgressFunc) (json.RawMessage, error) {
		var payload EnrollPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode enroll payload: %w", err)
		}
		kind := strings.TrimSpace(payload.Kind)
		if kind == "" {
			kind = "nurture"
		}

		tenantSettings, err := settings.Get(ctx)
		if err != nil {
			return nil, err
		}
		loc, err := tenantSettings.Location()
		if err != nil {
			return nil, err
		}
		startAt, err := scheduler.NextWindowStart(now(), tenantSettings.WindowStart, loc)
		if err != nil {
			return nil, err
		}

		var result EnrollResult
		for index, leadID := range payload.LeadIDs {
			enrolled, err := enrollLead(ctx, leads, followups, leadID, kind, startAt, now().UTC())
			if err != nil {
				return nil, err
			}
			if enrolled {
				result.Enrolled++
			} else {
				result.Skipped++
			}
			progress((index + 1) * 100 / len(payload.LeadIDs))
		}
		return json.Marshal(result)
	}
}

func enrollLead(
	ctx context.Context,
	leads *repository.LeadsRepository,
	followups *repository.FollowupsRepository,
	leadID, kind string,
	startAt, now time.Time,
) (bool, error) {
	lead, err := leads.Get(ctx, leadID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if lead.OptedOut {
		return false, nil
	}
	pending, err := followups.HasPending(ctx, lead.ID, kind)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	err = followups.Create(ctx, &domain.Followup{
		ID:          uuid.NewString(),
		LeadID:      lead.ID,
		Kind:        kind,
		Status:      domain.FollowupStatusPending,
		ScheduledAt: startAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
