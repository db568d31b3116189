package store

import "fmt"

// Kind names a tenant-owned entity. The set is closed: the guard scopes exactly these.
type Kind string

const (
	KindJobs           Kind = "jobs"
	KindFollowups      Kind = "followups"
	KindLeads          Kind = "leads"
	KindMessages       Kind = "messages"
	KindTenantSettings Kind = "tenant_settings"
	KindLocks          Kind = "tenant_locks"
	KindIntegrations   Kind = "integrations"
)

// Schema lists the columns a kind exposes and the column sets that must stay unique.
type Schema struct {
	Kind    Kind
	Columns []string
	Unique  [][]string
}

func (s Schema) HasColumn(column string) bool {
	for _, candidate := range s.Columns {
		if candidate == column {
			return true
		}
	}
	return false
}

var schemas = map[Kind]Schema{
	KindJobs: {
		Kind: KindJobs,
		Columns: []string{
			"id", "tenant_id", "job_type", "status", "progress", "payload", "result", "error",
			"retry_count", "max_retries", "claimed_by", "lease_expires_at",
			"created_at", "updated_at", "completed_at",
		},
		Unique: [][]string{{"id"}},
	},
	KindFollowups: {
		Kind: KindFollowups,
		Columns: []string{
			"id", "tenant_id", "lead_id", "kind", "status", "scheduled_at", "completed_at",
			"content", "error", "created_at", "updated_at",
		},
		Unique: [][]string{{"id"}},
	},
	KindLeads: {
		Kind:    KindLeads,
		Columns: []string{"id", "tenant_id", "name", "phone", "opted_out", "created_at"},
		Unique:  [][]string{{"id"}},
	},
	KindMessages: {
		Kind: KindMessages,
		Columns: []string{
			"id", "tenant_id", "lead_id", "direction", "body", "external_id", "followup_id", "created_at",
		},
		Unique: [][]string{{"id"}},
	},
	KindTenantSettings: {
		Kind: KindTenantSettings,
		Columns: []string{
			"tenant_id", "automation_enabled", "frequency", "window_start", "timezone",
			"tone", "goal", "language", "audience", "updated_at",
		},
		Unique: [][]string{{"tenant_id"}},
	},
	KindLocks: {
		Kind:    KindLocks,
		Columns: []string{"tenant_id", "purpose", "owner", "acquired_at", "expires_at"},
		Unique:  [][]string{{"tenant_id", "purpose"}},
	},
	KindIntegrations: {
		Kind:    KindIntegrations,
		Columns: []string{"id", "tenant_id", "source", "external_id", "created_at"},
		Unique:  [][]string{{"id"}, {"source", "external_id"}},
	},
}

// Kinds returns every tenant-owned kind.
func Kinds() []Kind {
	return []Kind{
		KindJobs, KindFollowups, KindLeads, KindMessages,
		KindTenantSettings, KindLocks, KindIntegrations,
	}
}

func SchemaFor(kind Kind) (Schema, error) {
	schema, ok := schemas[kind]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return schema, nil
}

func validateFilter(schema Schema, filter Filter) error {
	for _, condition := range filter {
		if !schema.HasColumn(condition.Field) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, schema.Kind, condition.Field)
		}
		switch condition.Op {
		case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpIsNull:
		case OpIn:
			if _, ok := condition.Value.([]any); !ok {
				return fmt.Errorf("in operator on %s.%s requires a list", schema.Kind, condition.Field)
			}
		default:
			return fmt.Errorf("unsupported operator %q on %s.%s", condition.Op, schema.Kind, condition.Field)
		}
	}
	return nil
}

func validateRecord(schema Schema, record Record) error {
	for column := range record {
		if !schema.HasColumn(column) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, schema.Kind, column)
		}
	}
	return nil
}

func validateQuery(schema Schema, query Query) error {
	if err := validateFilter(schema, query.Filter); err != nil {
		return err
	}
	for _, order := range query.OrderBy {
		if !schema.HasColumn(order.Field) {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, schema.Kind, order.Field)
		}
	}
	return nil
}
