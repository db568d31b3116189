package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/store"
)

type LeadsRepository struct {
	guard *store.Guard
}

func NewLeadsRepository(guard *store.Guard) *LeadsRepository {
	return &LeadsRepository{guard: guard}
}

func (r *LeadsRepository) Create(ctx context.Context, lead *domain.Lead) error {
	record := store.Record{
		"id":         lead.ID,
		"name":       lead.Name,
		"phone":      lead.Phone,
		"opted_out":  lead.OptedOut,
		"created_at": lead.CreatedAt,
	}
	if lead.TenantID != "" {
		record[store.TenantColumn] = lead.TenantID
	}
	created, err := r.guard.Create(ctx, store.KindLeads, record)
	if err != nil {
		return fmt.Errorf("insert lead: %w", err)
	}
	lead.TenantID = store.String(created, store.TenantColumn)
	return nil
}

func (r *LeadsRepository) Get(ctx context.Context, leadID string) (*domain.Lead, error) {
	record, err := r.guard.FindOne(ctx, store.KindLeads, store.Filter{store.Eq("id", leadID)})
	if err != nil {
		return nil, err
	}
	return leadFromRecord(record), nil
}

func (r *LeadsRepository) FindByPhone(ctx context.Context, phone string) (*domain.Lead, error) {
	record, err := r.guard.FindOne(ctx, store.KindLeads, store.Filter{store.Eq("phone", phone)})
	if err != nil {
		return nil, err
	}
	return leadFromRecord(record), nil
}

func (r *LeadsRepository) SetOptedOut(ctx context.Context, leadID string, optedOut bool) error {
	_, err := r.guard.Update(ctx, store.KindLeads, store.Filter{store.Eq("id", leadID)}, store.Record{"opted_out": optedOut})
	return err
}

func leadFromRecord(record store.Record) *domain.Lead {
	return &domain.Lead{
		ID:        store.String(record, "id"),
		TenantID:  store.String(record, store.TenantColumn),
		Name:      store.String(record, "name"),
		Phone:     store.String(record, "phone"),
		OptedOut:  store.Bool(record, "opted_out"),
		CreatedAt: store.Time(record, "created_at"),
	}
}

type MessagesRepository struct {
	guard *store.Guard
}

func NewMessagesRepository(guard *store.Guard) *MessagesRepository {
	return &MessagesRepository{guard: guard}
}

func (r *MessagesRepository) Create(ctx context.Context, message *domain.Message) error {
	record := store.Record{
		"id":          message.ID,
		"lead_id":     message.LeadID,
		"direction":   string(message.Direction),
		"body":        message.Body,
		"external_id": message.ExternalID,
		"created_at":  message.CreatedAt,
	}
	if message.FollowupID != "" {
		record["followup_id"] = message.FollowupID
	} else {
		record["followup_id"] = nil
	}
	if message.TenantID != "" {
		record[store.TenantColumn] = message.TenantID
	}
	created, err := r.guard.Create(ctx, store.KindMessages, record)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	message.TenantID = store.String(created, store.TenantColumn)
	return nil
}

// Recent returns up to limit messages exchanged with the lead since the given
// time, newest first.
func (r *MessagesRepository) Recent(ctx context.Context, leadID string, since time.Time, limit int) ([]domain.Message, error) {
	records, err := r.guard.FindMany(ctx, store.KindMessages, store.Query{
		Filter:  store.Filter{store.Eq("lead_id", leadID), store.Gte("created_at", since)},
		OrderBy: []store.Order{{Field: "created_at", Desc: true}},
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	messages := make([]domain.Message, 0, len(records))
	for _, record := range records {
		messages = append(messages, domain.Message{
			ID:         store.String(record, "id"),
			TenantID:   store.String(record, store.TenantColumn),
			LeadID:     store.String(record, "lead_id"),
			Direction:  domain.MessageDirection(store.String(record, "direction")),
			Body:       store.String(record, "body"),
			ExternalID: store.String(record, "external_id"),
			FollowupID: store.String(record, "followup_id"),
			CreatedAt:  store.Time(record, "created_at"),
		})
	}
	return messages, nil
}
