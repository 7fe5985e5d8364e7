package runner

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"
)

func init() {
	register(backend{
		kind:   "sqlserver",
		driver: "sqlserver",
		typeMap: map[string]Type{
			"TINYINT":        TypeInteger,
			"SMALLINT":       TypeInteger,
			"INT":            TypeInteger,
			"BIGINT":         TypeInteger,
			"REAL":           TypeFloat,
			"FLOAT":          TypeFloat,
			"DECIMAL":        TypeFloat,
			"NUMERIC":        TypeFloat,
			"MONEY":          TypeFloat,
			"BIT":            TypeBoolean,
			"DATE":           TypeDate,
			"DATETIME":       TypeDatetime,
			"DATETIME2":      TypeDatetime,
			"SMALLDATETIME":  TypeDatetime,
			"DATETIMEOFFSET": TypeDatetime,
			"CHAR":           TypeString,
			"NCHAR":          TypeString,
			"VARCHAR":        TypeString,
			"NVARCHAR":       TypeString,
			"TEXT":           TypeString,
			"NTEXT":          TypeString,
		},
		schema: sqlserverSchema,
	})
}

func sqlserverSchema(ctx context.Context, db *sql.DB) (map[string]Table, error) {
	const q = `
SELECT table_name, column_name
FROM information_schema.columns
ORDER BY table_name, ordinal_position`

	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sqlserver schema: %w", err)
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
