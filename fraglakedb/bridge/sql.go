package bridge

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/fraglake/fraglake/pkg/errs"
)

// AdvancedQuery runs user SQL over a federated view of the given fragment
// paths. The [table] placeholder is substituted with a relation that unions
// the files by name (files may contribute different columns; missing ones
// read as null), bounded by the timestamp range and ordered/limited as
// requested. The SQL is trusted input; only the placeholder is rewritten.
func (b *Bridge) AdvancedQuery(ctx context.Context, paths []string, userSQL string, minTimestamp, maxTimestamp int64, limit int, ascending bool, offset int) ([][]interface{}, error) {
	if len(paths) == 0 {
		return [][]interface{}{}, nil
	}

	quoted := make([]string, 0, len(paths))
	for _, path := range paths {
		quoted = append(quoted, "'"+strings.ReplaceAll(path, "'", "''")+"'")
	}

	order := "ASC"
	if !ascending {
		order = "DESC"
	}
	relation := fmt.Sprintf(
		"(SELECT * FROM read_parquet([%s], union_by_name=true) WHERE timestamp BETWEEN %d AND %d ORDER BY timestamp %s",
		strings.Join(quoted, ", "), minTimestamp, maxTimestamp, order,
	)
	if limit > 0 {
		relation += fmt.Sprintf(" LIMIT %d", limit)
	}
	if offset > 0 {
		relation += fmt.Sprintf(" OFFSET %d", offset)
	}
	relation += ")"

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, errs.Domain("Query failed: %v", err)
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, strings.ReplaceAll(userSQL, "[table]", relation))
	if err != nil {
		return nil, errs.Domain("Query failed: %v", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, errs.Domain("Query failed: %v", err)
	}

	results := [][]interface{}{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		scan := make([]interface{}, len(columns))
		for i := range values {
			scan[i] = &values[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, errs.Domain("Query failed: %v", err)
		}
		results = append(results, values)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Domain("Query failed: %v", err)
	}
	return results, nil
}
