package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Backend executes operations exactly as asked, with no tenant scoping.
// Only the Guard should hold one.
type Backend interface {
	Find(ctx context.Context, kind Kind, query Query) ([]Record, error)
	Count(ctx context.Context, kind Kind, filter Filter) (int, error)
	Distinct(ctx context.Context, kind Kind, field string, filter Filter, limit int) ([]any, error)
	Insert(ctx context.Context, kind Kind, records []Record) error
	Update(ctx context.Context, kind Kind, filter Filter, patch Record) (int64, error)
	Delete(ctx context.Context, kind Kind, filter Filter) (int64, error)
}

// MemoryBackend keeps rows in memory for local development and tests.
type MemoryBackend struct {
	mu   sync.RWMutex
	rows map[Kind][]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{rows: make(map[Kind][]Record)}
}

func (b *MemoryBackend) Find(_ context.Context, kind Kind, query Query) ([]Record, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(schema, query); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := make([]Record, 0)
	for _, row := range b.rows[kind] {
		if matches(row, query.Filter) {
			matched = append(matched, row.Clone())
		}
	}

	if len(query.OrderBy) > 0 {
		sort.SliceStable(matched, func(i, j int) bool {
			for _, order := range query.OrderBy {
				cmp, ok := compare(matched[i][order.Field], matched[j][order.Field])
				if !ok || cmp == 0 {
					continue
				}
				if order.Desc {
					return cmp > 0
				}
				return cmp < 0
			}
			return false
		})
	}

	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return matched, nil
}

func (b *MemoryBackend) Count(_ context.Context, kind Kind, filter Filter) (int, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return 0, err
	}
	if err := validateFilter(schema, filter); err != nil {
		return 0, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, row := range b.rows[kind] {
		if matches(row, filter) {
			total++
		}
	}
	return total, nil
}

func (b *MemoryBackend) Distinct(_ context.Context, kind Kind, field string, filter Filter, limit int) ([]any, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	if !schema.HasColumn(field) {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, kind, field)
	}
	if err := validateFilter(schema, filter); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{})
	values := make([]any, 0)
	for _, row := range b.rows[kind] {
		if !matches(row, filter) {
			continue
		}
		key := fmt.Sprintf("%v", row[field])
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		values = append(values, row[field])
		if limit > 0 && len(values) >= limit {
			break
		}
	}
	return values, nil
}

func (b *MemoryBackend) Insert(_ context.Context, kind Kind, records []Record) error {
	schema, err := SchemaFor(kind)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := validateRecord(schema, record); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	pending := make([]Record, 0, len(records))
	for _, record := range records {
		candidate := normalizeRecord(record)
		if b.violatesUnique(schema, candidate, pending, nil) {
			return fmt.Errorf("%w: %s", ErrDuplicate, kind)
		}
		pending = append(pending, candidate)
	}
	b.rows[kind] = append(b.rows[kind], pending...)
	return nil
}

func (b *MemoryBackend) Update(_ context.Context, kind Kind, filter Filter, patch Record) (int64, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return 0, err
	}
	if err := validateFilter(schema, filter); err != nil {
		return 0, err
	}
	if err := validateRecord(schema, patch); err != nil {
		return 0, err
	}
	patch = normalizeRecord(patch)

	b.mu.Lock()
	defer b.mu.Unlock()

	rows := b.rows[kind]
	updated := make(map[int]Record)
	for index, row := range rows {
		if !matches(row, filter) {
			continue
		}
		next := row.Clone()
		for column, value := range patch {
			next[column] = value
		}
		updated[index] = next
	}

	for index, next := range updated {
		if b.violatesUnique(schema, next, nil, func(candidate int) bool {
			_, replaced := updated[candidate]
			return candidate == index || replaced
		}) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicate, kind)
		}
	}
	for index, next := range updated {
		rows[index] = next
	}
	return int64(len(updated)), nil
}

func (b *MemoryBackend) Delete(_ context.Context, kind Kind, filter Filter) (int64, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return 0, err
	}
	if err := validateFilter(schema, filter); err != nil {
		return 0, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.rows[kind][:0]
	var removed int64
	for _, row := range b.rows[kind] {
		if matches(row, filter) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	b.rows[kind] = kept
	return removed, nil
}

func (b *MemoryBackend) violatesUnique(schema Schema, candidate Record, pending []Record, skip func(int) bool) bool {
	for _, columns := range schema.Unique {
		key, complete := uniqueKey(candidate, columns)
		if !complete {
			continue
		}
		for index, row := range b.rows[schema.Kind] {
			if skip != nil && skip(index) {
				continue
			}
			if existing, ok := uniqueKey(row, columns); ok && existing == key {
				return true
			}
		}
		for _, row := range pending {
			if existing, ok := uniqueKey(row, columns); ok && existing == key {
				return true
			}
		}
	}
	return false
}

func uniqueKey(record Record, columns []string) (string, bool) {
	parts := make([]string, 0, len(columns))
	for _, column := range columns {
		value, ok := record[column]
		if !ok || value == nil {
			return "", false
		}
		parts = append(parts, fmt.Sprintf("%v", value))
	}
	return strings.Join(parts, "\x00"), true
}

func normalizeRecord(record Record) Record {
	out := record.Clone()
	for column, value := range out {
		switch typed := value.(type) {
		case time.Time:
			out[column] = typed.UTC()
		case *time.Time:
			if typed == nil {
				out[column] = nil
			} else {
				out[column] = typed.UTC()
			}
		}
	}
	return out
}

func matches(row Record, filter Filter) bool {
	for _, condition := range filter {
		if !matchCondition(row[condition.Field], condition) {
			return false
		}
	}
	return true
}

func matchCondition(value any, condition Condition) bool {
	switch condition.Op {
	case OpIsNull:
		return value == nil
	case OpIn:
		items, _ := condition.Value.([]any)
		for _, item := range items {
			if cmp, ok := compare(value, item); ok && cmp == 0 {
				return true
			}
		}
		return false
	case OpNe:
		if value == nil || condition.Value == nil {
			return false
		}
		cmp, ok := compare(value, condition.Value)
		return ok && cmp != 0
	}

	if value == nil || condition.Value == nil {
		return false
	}
	cmp, ok := compare(value, condition.Value)
	if !ok {
		return false
	}
	switch condition.Op {
	case OpEq:
		return cmp == 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	default:
		return false
	}
}

// compare orders two column values of compatible types, mirroring SQL comparison.
func compare(left, right any) (int, bool) {
	if leftTime, ok := asTime(left); ok {
		rightTime, ok := asTime(right)
		if !ok {
			return 0, false
		}
		return leftTime.Compare(rightTime), true
	}
	if leftNumber, ok := asFloat(left); ok {
		rightNumber, ok := asFloat(right)
		if !ok {
			return 0, false
		}
		switch {
		case leftNumber < rightNumber:
			return -1, true
		case leftNumber > rightNumber:
			return 1, true
		default:
			return 0, true
		}
	}
	if leftBool, ok := left.(bool); ok {
		rightBool, ok := right.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case leftBool == rightBool:
			return 0, true
		case !leftBool:
			return -1, true
		default:
			return 1, true
		}
	}
	leftText, ok := asText(left)
	if !ok {
		return 0, false
	}
	rightText, ok := asText(right)
	if !ok {
		return 0, false
	}
	return strings.Compare(leftText, rightText), true
}

func asTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed, true
	case *time.Time:
		if typed == nil {
			return time.Time{}, false
		}
		return *typed, true
	default:
		return time.Time{}, false
	}
}

func asFloat(value any) (float64, bool) {
	switch typed := value.(type) {
	case int:
		return float64(typed), true
	case int32:
		return float64(typed), true
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	default:
		return 0, false
	}
}

func asText(value any) (string, bool) {
	switch typed := value.(type) {
	case string:
		return typed, true
	case []byte:
		return string(typed), true
	case fmt.Stringer:
		return typed.String(), true
	default:
		return "", false
	}
}
