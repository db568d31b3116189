package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/wa-tenancy/internal/repository"
	"github.com/iago/wa-tenancy/internal/store"
	"github.com/iago/wa-tenancy/internal/tenancy"
)

// WebhookTenantResolver finds the tenant behind an inbound webhook.
type WebhookTenantResolver interface {
	ResolveTenant(ctx context.Context, source, externalID string) (string, error)
}

// IntegrationResolver looks the account up in the integrations table. The
// lookup crosses tenants, so it runs under a System context.
type IntegrationResolver struct {
	integrations *repository.IntegrationsRepository
}

func NewIntegrationResolver(integrations *repository.IntegrationsRepository) *IntegrationResolver {
	return &IntegrationResolver{integrations: integrations}
}

func (r *IntegrationResolver) ResolveTenant(ctx context.Context, source, externalID string) (string, error) {
	source = strings.TrimSpace(source)
	externalID = strings.TrimSpace(externalID)
	if source == "" || externalID == "" {
		return "", tenancy.ErrAuthenticationMissing
	}

	system := tenancy.System(ctx, "webhook tenant lookup: "+source)
	tenantID, err := r.integrations.TenantFor(system, source, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: unknown %s account", tenancy.ErrAuthenticationMissing, source)
	}
	if err != nil {
		return "", err
	}
	return tenantID, nil
}
