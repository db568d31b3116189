package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/iago/wa-tenancy/internal/tenancy"
)

var ErrTenantImmutable = errors.New("tenant_id cannot be reassigned")

// Guard confines every operation on tenant-owned kinds to the tenant carried by
// the context. Contexts marked with tenancy.System pass through unscoped; any
// other context without a tenant fails with tenancy.ErrContextMissing.
type Guard struct {
	backend Backend
	logger  *zap.Logger
}

func NewGuard(backend Backend, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{backend: backend, logger: logger}
}

// scope returns filter AND tenant_id = T, or filter unchanged on a system path.
func (g *Guard) scope(ctx context.Context, kind Kind, filter Filter) (Filter, string, error) {
	if _, err := SchemaFor(kind); err != nil {
		return nil, "", err
	}
	if c, ok := tenancy.FromContext(ctx); ok {
		return filter.And(Eq(TenantColumn, c.TenantID)), c.TenantID, nil
	}
	if reason, ok := tenancy.IsSystem(ctx); ok {
		g.logger.Debug("unscoped data access", zap.String("kind", string(kind)), zap.String("reason", reason))
		return filter, "", nil
	}
	return nil, "", fmt.Errorf("%w: %s access", tenancy.ErrContextMissing, kind)
}

func (g *Guard) FindOne(ctx context.Context, kind Kind, filter Filter) (Record, error) {
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	rows, err := g.backend.Find(ctx, kind, Query{Filter: scoped, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0], nil
}

func (g *Guard) FindMany(ctx context.Context, kind Kind, query Query) ([]Record, error) {
	scoped, _, err := g.scope(ctx, kind, query.Filter)
	if err != nil {
		return nil, err
	}
	query.Filter = scoped
	return g.backend.Find(ctx, kind, query)
}

func (g *Guard) Count(ctx context.Context, kind Kind, filter Filter) (int, error) {
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return 0, err
	}
	return g.backend.Count(ctx, kind, scoped)
}

// Distinct returns up to limit distinct values of field among matching rows.
func (g *Guard) Distinct(ctx context.Context, kind Kind, field string, filter Filter, limit int) ([]any, error) {
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	return g.backend.Distinct(ctx, kind, field, scoped, limit)
}

// Create defaults tenant_id to the active tenant. An explicit tenant_id in the
// record is kept as given, which is the documented cross-tenant write path.
func (g *Guard) Create(ctx context.Context, kind Kind, record Record) (Record, error) {
	prepared, err := g.prepareCreate(ctx, kind, record)
	if err != nil {
		return nil, err
	}
	if err := g.backend.Insert(ctx, kind, []Record{prepared}); err != nil {
		return nil, err
	}
	return prepared.Clone(), nil
}

func (g *Guard) CreateMany(ctx context.Context, kind Kind, records []Record) (int, error) {
	prepared := make([]Record, 0, len(records))
	for _, record := range records {
		item, err := g.prepareCreate(ctx, kind, record)
		if err != nil {
			return 0, err
		}
		prepared = append(prepared, item)
	}
	if len(prepared) == 0 {
		return 0, nil
	}
	if err := g.backend.Insert(ctx, kind, prepared); err != nil {
		return 0, err
	}
	return len(prepared), nil
}

// Update changes the first row matching filter within the tenant and returns it
// re-read through the same scope. A foreign or missing row yields ErrNotFound.
func (g *Guard) Update(ctx context.Context, kind Kind, filter Filter, patch Record) (Record, error) {
	if _, ok := patch[TenantColumn]; ok {
		return nil, ErrTenantImmutable
	}
	target, err := g.FindOne(ctx, kind, filter)
	if err != nil {
		return nil, err
	}

	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return nil, err
	}
	identity := rowIdentity(kind, target)
	affected, err := g.backend.Update(ctx, kind, scoped.And(identity...), patch)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrNotFound
	}
	return g.FindOne(ctx, kind, identity)
}

func (g *Guard) UpdateMany(ctx context.Context, kind Kind, filter Filter, patch Record) (int64, error) {
	if _, ok := patch[TenantColumn]; ok {
		return 0, ErrTenantImmutable
	}
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return 0, err
	}
	return g.backend.Update(ctx, kind, scoped, patch)
}

// Delete removes the first row matching filter within the tenant.
func (g *Guard) Delete(ctx context.Context, kind Kind, filter Filter) error {
	target, err := g.FindOne(ctx, kind, filter)
	if err != nil {
		return err
	}
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return err
	}
	affected, err := g.backend.Delete(ctx, kind, scoped.And(rowIdentity(kind, target)...))
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (g *Guard) DeleteMany(ctx context.Context, kind Kind, filter Filter) (int64, error) {
	scoped, _, err := g.scope(ctx, kind, filter)
	if err != nil {
		return 0, err
	}
	return g.backend.Delete(ctx, kind, scoped)
}

// Upsert updates the scoped row matching filter with patch, or creates create
// with the tenant defaulted when none matches. Losing a creation race surfaces
// as ErrDuplicate from the backend.
func (g *Guard) Upsert(ctx context.Context, kind Kind, filter Filter, create Record, patch Record) (Record, error) {
	_, err := g.FindOne(ctx, kind, filter)
	switch {
	case err == nil:
		return g.Update(ctx, kind, filter, patch)
	case errors.Is(err, ErrNotFound):
		return g.Create(ctx, kind, create)
	default:
		return nil, err
	}
}

func (g *Guard) prepareCreate(ctx context.Context, kind Kind, record Record) (Record, error) {
	_, tenantID, err := g.scope(ctx, kind, nil)
	if err != nil {
		return nil, err
	}
	prepared := record.Clone()
	if prepared == nil {
		prepared = Record{}
	}
	if String(prepared, TenantColumn) == "" {
		if tenantID == "" {
			return nil, fmt.Errorf("%w: create %s without tenant_id", tenancy.ErrContextMissing, kind)
		}
		prepared[TenantColumn] = tenantID
	}
	return prepared, nil
}

// rowIdentity pins a row by its primary unique key plus its owner.
func rowIdentity(kind Kind, row Record) Filter {
	schema, _ := SchemaFor(kind)
	identity := Filter{Eq(TenantColumn, row[TenantColumn])}
	if len(schema.Unique) == 0 {
		return identity
	}
	for _, column := range schema.Unique[0] {
		if column == TenantColumn {
			continue
		}
		identity = append(identity, Eq(column, row[column]))
	}
	return identity
}
