package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicate    = errors.New("resource already exists")
	ErrUnknownKind  = errors.New("unknown entity kind")
	ErrUnknownField = errors.New("unknown field")
)

// TenantColumn is the ownership column every tenant-owned kind carries.
const TenantColumn = "tenant_id"

// Record is one row of an entity kind, keyed by column name.
type Record map[string]any

func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	clone := make(Record, len(r))
	for key, value := range r {
		if raw, ok := value.([]byte); ok {
			value = append([]byte(nil), raw...)
		}
		if raw, ok := value.(json.RawMessage); ok {
			value = append(json.RawMessage(nil), raw...)
		}
		clone[key] = value
	}
	return clone
}

type Operator string

const (
	OpEq     Operator = "eq"
	OpNe     Operator = "ne"
	OpLt     Operator = "lt"
	OpLte    Operator = "lte"
	OpGt     Operator = "gt"
	OpGte    Operator = "gte"
	OpIn     Operator = "in"
	OpIsNull Operator = "isnull"
)

type Condition struct {
	Field string
	Op    Operator
	Value any
}

// Filter is a conjunction of conditions. An empty filter matches every row.
type Filter []Condition

func (f Filter) And(conditions ...Condition) Filter {
	out := make(Filter, 0, len(f)+len(conditions))
	out = append(out, f...)
	return append(out, conditions...)
}

func Eq(field string, value any) Condition  { return Condition{Field: field, Op: OpEq, Value: value} }
func Ne(field string, value any) Condition  { return Condition{Field: field, Op: OpNe, Value: value} }
func Lt(field string, value any) Condition  { return Condition{Field: field, Op: OpLt, Value: value} }
func Lte(field string, value any) Condition { return Condition{Field: field, Op: OpLte, Value: value} }
func Gt(field string, value any) Condition  { return Condition{Field: field, Op: OpGt, Value: value} }
func Gte(field string, value any) Condition { return Condition{Field: field, Op: OpGte, Value: value} }
func IsNull(field string) Condition         { return Condition{Field: field, Op: OpIsNull} }

func In[T any](field string, values ...T) Condition {
	items := make([]any, 0, len(values))
	for _, value := range values {
		items = append(items, value)
	}
	return Condition{Field: field, Op: OpIn, Value: items}
}

type Order struct {
	Field string
	Desc  bool
}

type Query struct {
	Filter  Filter
	OrderBy []Order
	Limit   int
}

// String reads a text column regardless of how the driver returned it.
func String(r Record, column string) string {
	switch typed := r[column].(type) {
	case nil:
		return ""
	case string:
		return typed
	case []byte:
		return string(typed)
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func Int(r Record, column string) int {
	switch typed := r[column].(type) {
	case int:
		return typed
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	case string:
		parsed, _ := strconv.Atoi(typed)
		return parsed
	case []byte:
		parsed, _ := strconv.Atoi(string(typed))
		return parsed
	default:
		return 0
	}
}

func Bool(r Record, column string) bool {
	switch typed := r[column].(type) {
	case bool:
		return typed
	case string:
		parsed, _ := strconv.ParseBool(strings.TrimSpace(typed))
		return parsed
	case int64:
		return typed != 0
	default:
		return false
	}
}

func Time(r Record, column string) time.Time {
	if value := TimePtr(r, column); value != nil {
		return *value
	}
	return time.Time{}
}

func TimePtr(r Record, column string) *time.Time {
	switch typed := r[column].(type) {
	case time.Time:
		if typed.IsZero() {
			return nil
		}
		utc := typed.UTC()
		return &utc
	case *time.Time:
		if typed == nil || typed.IsZero() {
			return nil
		}
		utc := typed.UTC()
		return &utc
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, typed)
		if err != nil {
			return nil
		}
		return &parsed
	default:
		return nil
	}
}

func JSON(r Record, column string) json.RawMessage {
	switch typed := r[column].(type) {
	case json.RawMessage:
		return append(json.RawMessage(nil), typed...)
	case []byte:
		return append(json.RawMessage(nil), typed...)
	case string:
		return json.RawMessage(typed)
	default:
		return nil
	}
}

// NullTime maps nil pointers to a SQL NULL.
func NullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC()
}
