package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/service"
	"github.com/iago/wa-tenancy/internal/worker"
)

const maxEnrollLeads = 500

type followupResponse struct {
	ID          string     `json:"id"`
	LeadID      string     `json:"lead_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Content     string     `json:"content,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (api *API) ListFollowups(w http.ResponseWriter, r *http.Request) {
	status := domain.FollowupStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	followups, err := api.deps.Followups.List(r.Context(), status, queryLimit(r, 50, 200))
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	items := make([]followupResponse, 0, len(followups))
	for _, followup := range followups {
		items = append(items, followupResponse{
			ID:          followup.ID,
			LeadID:      followup.LeadID,
			Kind:        followup.Kind,
			Status:      string(followup.Status),
			ScheduledAt: followup.ScheduledAt,
			CompletedAt: followup.CompletedAt,
			Content:     followup.Content,
			Error:       followup.Error,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// EnrollFollowups enqueues a followups.enroll job; the worker books the first
// followup for each lead.
func (api *API) EnrollFollowups(w http.ResponseWriter, r *http.Request) {
	var request worker.EnrollPayload
	if err := decodeJSON(w, r, &request); err != nil {
		api.respondError(w, r, err)
		return
	}
	if len(request.LeadIDs) == 0 || len(request.LeadIDs) > maxEnrollLeads {
		api.respondError(w, r, fmt.Errorf("%w: lead_ids must hold 1 to %d ids", errInvalidPayload, maxEnrollLeads))
		return
	}
	for _, leadID := range request.LeadIDs {
		if strings.TrimSpace(leadID) == "" {
			api.respondError(w, r, fmt.Errorf("%w: empty lead id", errInvalidPayload))
			return
		}
	}

	payload, err := json.Marshal(request)
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	job, replayed, err := api.enqueueIdempotent(w, r, service.EnqueueInput{
		JobType: worker.JobTypeEnrollFollowups,
		Payload: payload,
	}, request)
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	if job == nil {
		return
	}
	status := http.StatusAccepted
	if replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toJobResponse(job))
}
