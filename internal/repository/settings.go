package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/wa-tenancy/internal/domain"
	"github.com/iago/wa-tenancy/internal/store"
)

// SettingsRepository reads and writes the active tenant's settings row.
type SettingsRepository struct {
	guard *store.Guard
}

func NewSettingsRepository(guard *store.Guard) *SettingsRepository {
	return &SettingsRepository{guard: guard}
}

// Get returns the tenant's settings. A tenant without a row gets automation
// disabled.
func (r *SettingsRepository) Get(ctx context.Context) (*domain.TenantSettings, error) {
	record, err := r.guard.FindOne(ctx, store.KindTenantSettings, nil)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.TenantSettings{Frequency: domain.FrequencyWeekly, WindowStart: "09:00", Timezone: "UTC"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant settings: %w", err)
	}
	return &domain.TenantSettings{
		TenantID:          store.String(record, store.TenantColumn),
		AutomationEnabled: store.Bool(record, "automation_enabled"),
		Frequency:         domain.Frequency(store.String(record, "frequency")),
		WindowStart:       store.String(record, "window_start"),
		Timezone:          store.String(record, "timezone"),
		Tone:              store.String(record, "tone"),
		Goal:              store.String(record, "goal"),
		Language:          store.String(record, "language"),
		Audience:          store.String(record, "audience"),
		UpdatedAt:         store.Time(record, "updated_at"),
	}, nil
}

// AutomatedTenants lists tenants with automation switched on. It needs a
// System context to see across tenants.
func (r *SettingsRepository) AutomatedTenants(ctx context.Context) ([]string, error) {
	values, err := r.guard.Distinct(ctx, store.KindTenantSettings, store.TenantColumn, store.Filter{
		store.Eq("automation_enabled", true),
	}, 0)
	if err != nil {
		return nil, fmt.Errorf("list automated tenants: %w", err)
	}
	return stringValues(values), nil
}

func (r *SettingsRepository) Save(ctx context.Context, settings *domain.TenantSettings) error {
	if settings.UpdatedAt.IsZero() {
		settings.UpdatedAt = time.Now().UTC()
	}
	values := store.Record{
		"automation_enabled": settings.AutomationEnabled,
		"frequency":          string(settings.Frequency),
		"window_start":       settings.WindowStart,
		"timezone":           settings.Timezone,
		"tone":               settings.Tone,
		"goal":               settings.Goal,
		"language":           settings.Language,
		"audience":           settings.Audience,
		"updated_at":         settings.UpdatedAt,
	}
	create := values.Clone()
	if settings.TenantID != "" {
		create[store.TenantColumn] = settings.TenantID
	}
	if _, err := r.guard.Upsert(ctx, store.KindTenantSettings, nil, create, values); err != nil {
		return fmt.Errorf("save tenant settings: %w", err)
	}
	return nil
}

// IntegrationsRepository resolves webhook accounts to tenants.
type IntegrationsRepository struct {
	guard *store.Guard
}

func NewIntegrationsRepository(guard *store.Guard) *IntegrationsRepository {
	return &IntegrationsRepository{guard: guard}
}

func (r *IntegrationsRepository) Create(ctx context.Context, integration *domain.Integration) error {
	record := store.Record{
		"id":          integration.ID,
		"source":      integration.Source,
		"external_id": integration.ExternalID,
		"created_at":  integration.CreatedAt,
	}
	if integration.TenantID != "" {
		record[store.TenantColumn] = integration.TenantID
	}
	created, err := r.guard.Create(ctx, store.KindIntegrations, record)
	if err != nil {
		return fmt.Errorf("insert integration: %w", err)
	}
	integration.TenantID = store.String(created, store.TenantColumn)
	return nil
}

// TenantFor looks up the owner of (source, externalID). Callers outside a
// tenant must pass a System context.
func (r *IntegrationsRepository) TenantFor(ctx context.Context, source, externalID string) (string, error) {
	record, err := r.guard.FindOne(ctx, store.KindIntegrations, store.Filter{
		store.Eq("source", source),
		store.Eq("external_id", externalID),
	})
	if err != nil {
		return "", err
	}
	return store.String(record, store.TenantColumn), nil
}
