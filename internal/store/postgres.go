package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresBackend runs guard operations as plain SQL. Table names are the kind
// names and every column comes from the kind's Schema, never from caller input.
type PostgresBackend struct {
	db *sql.DB
}

func NewPostgresBackend(db *sql.DB) *PostgresBackend {
	return &PostgresBackend{db: db}
}

// OpenPostgres opens a pgx-backed database/sql pool and checks connectivity.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pg: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations and returns how many ran.
func Migrate(db *sql.DB) (int, error) {
	source := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationsFS,
		Root:       "migrations",
	}
	applied, err := migrate.Exec(db, "postgres", source, migrate.Up)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	return applied, nil
}

func (b *PostgresBackend) Find(ctx context.Context, kind Kind, query Query) ([]Record, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return nil, err
	}
	if err := validateQuery(schema, query); err != nil {
		return nil, err
	}

	statement, args := buildSelect(schema, query)
	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", kind, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		values := make([]any, len(schema.Columns))
		targets := make([]any, len(schema.Columns))
		for index := range values {
			targets[index] = &values[index]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", kind, err)
		}
		record := make(Record, len(schema.Columns))
		for index, column := range schema.Columns {
			record[column] = values[index]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", kind, err)
	}
	return records, nil
}

func (b *PostgresBackend) Count(ctx context.Context, kind Kind, filter Filter) (int, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return 0, err
	}
	if err := validateFilter(schema, filter); err != nil {
		return 0, err
	}

	where, args, _ := buildWhere(filter, 1)
	var total int
	if err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+string(kind)+where, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count %s: %w", kind, err)
	}
	return total, nil
}

func (b *PostgresBackend) Distinct(ctx context.Context, kind Kind, field string, filter Filter, limit int) ([]any, error) {
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

	where, args, next := buildWhere(filter, 1)
	statement := fmt.Sprintf("SELECT DISTINCT %s FROM %s%s", field, kind, where)
	if limit > 0 {
		statement += fmt.Sprintf(" LIMIT $%d", next)
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("distinct %s.%s: %w", kind, field, err)
	}
	defer rows.Close()

	values := make([]any, 0)
	for rows.Next() {
		var value any
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct %s.%s: %w", kind, field, err)
		}
		if raw, ok := value.([]byte); ok {
			value = string(raw)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct %s.%s: %w", kind, field, err)
	}
	return values, nil
}

func (b *PostgresBackend) Insert(ctx context.Context, kind Kind, records []Record) error {
	schema, err := SchemaFor(kind)
	if err != nil {
		return err
	}
	for _, record := range records {
		if err := validateRecord(schema, record); err != nil {
			return err
		}
	}
	if len(records) == 0 {
		return nil
	}
	if len(records) == 1 {
		statement, args := buildInsert(kind, records[0])
		if _, err := b.db.ExecContext(ctx, statement, args...); err != nil {
			return translateError(kind, err)
		}
		return nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert %s: %w", kind, err)
	}
	for _, record := range records {
		statement, args := buildInsert(kind, record)
		if _, err := tx.ExecContext(ctx, statement, args...); err != nil {
			_ = tx.Rollback()
			return translateError(kind, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert %s: %w", kind, err)
	}
	return nil
}

func (b *PostgresBackend) Update(ctx context.Context, kind Kind, filter Filter, patch Record) (int64, error) {
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
	if len(patch) == 0 {
		return b.countAsAffected(ctx, kind, filter)
	}

	statement, args := buildUpdate(kind, filter, patch)
	result, err := b.db.ExecContext(ctx, statement, args...)
	if err != nil {
		return 0, translateError(kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected %s: %w", kind, err)
	}
	return affected, nil
}

func (b *PostgresBackend) Delete(ctx context.Context, kind Kind, filter Filter) (int64, error) {
	schema, err := SchemaFor(kind)
	if err != nil {
		return 0, err
	}
	if err := validateFilter(schema, filter); err != nil {
		return 0, err
	}

	where, args, _ := buildWhere(filter, 1)
	result, err := b.db.ExecContext(ctx, "DELETE FROM "+string(kind)+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", kind, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected %s: %w", kind, err)
	}
	return affected, nil
}

func (b *PostgresBackend) countAsAffected(ctx context.Context, kind Kind, filter Filter) (int64, error) {
	total, err := b.Count(ctx, kind, filter)
	return int64(total), err
}

func buildSelect(schema Schema, query Query) (string, []any) {
	statement := strings.Builder{}
	statement.WriteString("SELECT ")
	statement.WriteString(strings.Join(schema.Columns, ", "))
	statement.WriteString(" FROM ")
	statement.WriteString(string(schema.Kind))

	where, args, next := buildWhere(query.Filter, 1)
	statement.WriteString(where)

	if len(query.OrderBy) > 0 {
		parts := make([]string, 0, len(query.OrderBy))
		for _, order := range query.OrderBy {
			direction := "ASC"
			if order.Desc {
				direction = "DESC"
			}
			parts = append(parts, order.Field+" "+direction)
		}
		statement.WriteString(" ORDER BY ")
		statement.WriteString(strings.Join(parts, ", "))
	}
	if query.Limit > 0 {
		statement.WriteString(fmt.Sprintf(" LIMIT $%d", next))
		args = append(args, query.Limit)
	}
	return statement.String(), args
}

func buildInsert(kind Kind, record Record) (string, []any) {
	columns := sortedColumns(record)
	placeholders := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns))
	for index, column := range columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", index+1))
		args = append(args, sqlValue(record[column]))
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s)",
		kind,
		strings.Join(columns, ", "),
		strings.Join(placeholders, ", "),
	), args
}

func buildUpdate(kind Kind, filter Filter, patch Record) (string, []any) {
	columns := sortedColumns(patch)
	assignments := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+len(filter))
	for index, column := range columns {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", column, index+1))
		args = append(args, sqlValue(patch[column]))
	}
	where, whereArgs, _ := buildWhere(filter, len(columns)+1)
	args = append(args, whereArgs...)
	return fmt.Sprintf("UPDATE %s SET %s%s", kind, strings.Join(assignments, ", "), where), args
}

// buildWhere renders filter as " WHERE ..." with placeholders starting at argPos.
func buildWhere(filter Filter, argPos int) (string, []any, int) {
	if len(filter) == 0 {
		return "", nil, argPos
	}

	conditions := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for _, condition := range filter {
		switch condition.Op {
		case OpIsNull:
			conditions = append(conditions, condition.Field+" IS NULL")
		case OpIn:
			items, _ := condition.Value.([]any)
			if len(items) == 0 {
				conditions = append(conditions, "FALSE")
				continue
			}
			placeholders := make([]string, 0, len(items))
			for _, item := range items {
				placeholders = append(placeholders, fmt.Sprintf("$%d", argPos))
				args = append(args, sqlValue(item))
				argPos++
			}
			conditions = append(conditions, fmt.Sprintf("%s IN (%s)", condition.Field, strings.Join(placeholders, ", ")))
		default:
			conditions = append(conditions, fmt.Sprintf("%s %s $%d", condition.Field, sqlOperator(condition.Op), argPos))
			args = append(args, sqlValue(condition.Value))
			argPos++
		}
	}
	return " WHERE " + strings.Join(conditions, " AND "), args, argPos
}

func sqlOperator(op Operator) string {
	switch op {
	case OpNe:
		return "<>"
	case OpLt:
		return "<"
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpGte:
		return ">="
	default:
		return "="
	}
}

func sqlValue(value any) any {
	switch typed := value.(type) {
	case json.RawMessage:
		if typed == nil {
			return nil
		}
		return []byte(typed)
	case time.Time:
		return typed.UTC()
	case *time.Time:
		return NullTime(typed)
	default:
		return value
	}
}

func sortedColumns(record Record) []string {
	columns := make([]string, 0, len(record))
	for column := range record {
		columns = append(columns, column)
	}
	sort.Strings(columns)
	return columns
}

func translateError(kind Kind, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s (%s)", ErrDuplicate, kind, pgErr.ConstraintName)
	}
	return fmt.Errorf("write %s: %w", kind, err)
}
