package runner

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

func init() {
	register(backend{
		kind:   "mysql",
		driver: "mysql",
		typeMap: map[string]Type{
			"TINYINT":   TypeInteger,
			"SMALLINT":  TypeInteger,
			"MEDIUMINT": TypeInteger,
			"INT":       TypeInteger,
			"BIGINT":    TypeInteger,
			"YEAR":      TypeInteger,
			"FLOAT":     TypeFloat,
			"DOUBLE":    TypeFloat,
			"DECIMAL":   TypeFloat,
			"BIT":       TypeBoolean,
			"DATE":      TypeDate,
			"DATETIME":  TypeDatetime,
			"TIMESTAMP": TypeDatetime,
			"VARCHAR":   TypeString,
			"CHAR":      TypeString,
			"TEXT":      TypeString,
			"LONGTEXT":  TypeString,
		},
		schema: mysqlSchema,
	})
}

func mysqlSchema(ctx context.Context, db *sql.DB) (map[string]Table, error) {
	const q = `
SELECT table_name, column_name
FROM information_schema.columns
WHERE table_schema = database()
ORDER BY table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("mysql schema: %w", err)
	}
	defer rows.Close()

	tables := map[string]Table{}
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, err
		}
		t := tables[table]
		t.Name = table
		t.Columns = append(t.Columns, column)
		tables[table] = t
	}
	return tables, rows.Err()
}
