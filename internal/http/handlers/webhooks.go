package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

var optOutKeywords = map[string]struct{}{
	"stop": {}, "sair": {}, "parar": {}, "cancelar": {}, "unsubscribe": {},
}

type inboundMessage struct {
	AccountID string `json:"account_id"`
	From      string `json:"from"`
	Name      string `json:"name,omitempty"`
	Text      string `json:"text"`
	MessageID string `json:"message_id,omitempty"`
}

// InboundMessage records a message a lead sent to a tenant's connected
// account. The tenant comes from the account mapping, never from the body.
func (api *API) InboundMessage(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	var body inboundMessage
	if err := decodeJSON(w, r, &body); err != nil {
		api.respondError(w, r, err)
		return
	}
	body.From = strings.TrimSpace(body.From)
	if body.From == "" || strings.TrimSpace(body.Text) == "" {
		api.respondError(w, r, fmt.Errorf("%w: from and text are required", errInvalidPayload))
		return
	}

	tenantID, err := api.deps.Webhooks.ResolveTenant(r.Context(), source, body.AccountID)
	if err != nil {
		api.respondError(w, r, err)
		return
	}
	ctx := tenancy.WithContext(r.Context(), tenancy.Context{TenantID: tenantID, ActorID: "webhook:" + source})
	now := time.Now().UTC()

	lead, err := api.deps.Leads.FindByPhone(ctx, body.From)
	if errors.Is(err, store.ErrNotFound) {
		lead = &domain.Lead{ID: uuid.NewString(), Name: strings.TrimSpace(body.Name), Phone: body.From, CreatedAt: now}
		err = api.deps.Leads.Create(ctx, lead)
	}
	if err != nil {
		api.respondError(w, r, err)
		return
	}

	message := &domain.Message{
		ID:         uuid.NewString(),
		LeadID:     lead.ID,
		Direction:  domain.MessageInbound,
		Body:       body.Text,
		ExternalID: body.MessageID,
		CreatedAt:  now,
	}
	if err := api.deps.Messages.Create(ctx, message); err != nil {
		api.respondError(w, r, err)
		return
	}

	optedOut := lead.OptedOut
	if _, ok := optOutKeywords[strings.ToLower(strings.TrimSpace(body.Text))]; ok && !optedOut {
		if err := api.deps.Leads.SetOptedOut(ctx, lead.ID, true); err != nil {
			api.respondError(w, r, err)
			return
		}
		optedOut = true
		api.logger.Info("lead opted out", zap.String("tenant_id", tenantID), zap.String("lead_id", lead.ID))
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"lead_id":    lead.ID,
		"message_id": message.ID,
		"opted_out":  optedOut,
	})
}
