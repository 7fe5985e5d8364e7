package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrExecution wraps backend errors raised while running query text, so
// callers can tell an execution failure from pool or scan plumbing.
var ErrExecution = errors.New("query execution failed")

type schemaFunc func(ctx context.Context, db *sql.DB) (map[string]Table, error)

// sqlRunner is the uniform database/sql adapter shared by all backends.
type sqlRunner struct {
	b  backend
	db *sql.DB
}

func openSQL(b backend, dsn string) (*sqlRunner, error) {
	db, err := sql.Open(b.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.kind, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &sqlRunner{b: b, db: db}, nil
}

func (r *sqlRunner) Kind() string { return r.b.kind }

func (r *sqlRunner) Close() error { return r.db.Close() }

func (r *sqlRunner) Execute(ctx context.Context, query string) (*Result, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s: %w: %v", r.b.kind, ErrExecution, err)
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	cols := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = Column{Name: ct.Name(), Type: mapType(r.b.typeMap, ct.DatabaseTypeName())}
	}

	out := &Result{Columns: cols, Rows: []Row{}}
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			row[col.Name] = normalizeValue(values[i], col.Type)
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s execute: %w", r.b.kind, err)
	}
	return out, nil
}

func (r *sqlRunner) Schema(ctx context.Context) (map[string]Table, error) {
	if r.b.schema == nil {
		return map[string]Table{}, nil
	}
	return r.b.schema(ctx, r.db)
}

func mapType(typeMap map[string]Type, native string) Type {
	if t, ok := typeMap[native]; ok {
		return t
	}
	return TypeString
}

// normalizeValue coerces driver-native scan results to the portable types.
// Drivers disagree on representation: numerics may arrive as []byte,
// booleans as integers, timestamps as strings.
func normalizeValue(v any, t Type) any {
	if v == nil {
		return nil
	}

	if b, ok := v.([]byte); ok {
		v = string(b)
	}

	switch t {
	case TypeInteger:
		switch x := v.(type) {
		case int64:
			return x
		case string:
			if n, err := strconv.ParseInt(x, 10, 64); err == nil {
				return n
			}
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		case string:
			if f, err := strconv.ParseFloat(x, 64); err == nil {
				return f
			}
		}
	case TypeBoolean:
		switch x := v.(type) {
		case bool:
			return x
		case int64:
			return x != 0
		case string:
			if b, err := strconv.ParseBool(x); err == nil {
				return b
			}
		}
	case TypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.Format("2006-01-02")
		case string:
			return x
		}
	case TypeDatetime:
		switch x := v.(type) {
		case time.Time:
			return x.UTC()
		case string:
			return x
		}
	}
	return v
}
