package runner

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

func init() {
	register(backend{
		kind:   "postgres",
		driver: "postgres",
		typeMap: map[string]Type{
			"INT2":        TypeInteger,
			"INT4":        TypeInteger,
			"INT8":        TypeInteger,
			"FLOAT4":      TypeFloat,
			"FLOAT8":      TypeFloat,
			"NUMERIC":     TypeFloat,
			"BOOL":        TypeBoolean,
			"DATE":        TypeDate,
			"TIMESTAMP":   TypeDatetime,
			"TIMESTAMPTZ": TypeDatetime,
			"VARCHAR":     TypeString,
			"TEXT":        TypeString,
			"CHAR":        TypeString,
			"BPCHAR":      TypeString,
			"UUID":        TypeString,
			"NAME":        TypeString,
		},
		schema: postgresSchema,
	})
}

func postgresSchema(ctx context.Context, db *sql.DB) (map[string]Table, error) {
	const q = `
SELECT table_schema, table_name, column_name
FROM information_schema.columns
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY table_schema, table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres schema: %w", err)
	}
	defer rows.Close()

	tables := map[string]Table{}
	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return nil, err
		}
		// Schema-qualify everything outside the default search path.
		name := table
		if schema != "public" {
			name = schema + "." + table
		}
		t := tables[name]
		t.Name = name
		t.Columns = append(t.Columns, column)
		tables[name] = t
	}
	return tables, rows.Err()
}
