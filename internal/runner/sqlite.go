package runner

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

func init() {
	register(backend{
		kind:   "sqlite",
		driver: "sqlite",
		// SQLite reports declared column types; affinity keeps this short.
		typeMap: map[string]Type{
			"INTEGER":  TypeInteger,
			"INT":      TypeInteger,
			"BIGINT":   TypeInteger,
			"REAL":     TypeFloat,
			"DOUBLE":   TypeFloat,
			"NUMERIC":  TypeFloat,
			"BOOLEAN":  TypeBoolean,
			"DATE":     TypeDate,
			"DATETIME": TypeDatetime,
			"TEXT":     TypeString,
			"VARCHAR":  TypeString,
			"BLOB":     TypeString,
		},
		schema: sqliteSchema,
	})
}

func sqliteSchema(ctx context.Context, db *sql.DB) (map[string]Table, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	tables := make(map[string]Table, len(names))
	for _, name := range names {
		cols, err := sqliteColumns(ctx, db, name)
		if err != nil {
			return nil, err
		}
		tables[name] = Table{Name: name, Columns: cols}
	}
	return tables, nil
}

func sqliteColumns(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}
