package datatool

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lyzr/agentfleet/common/db"
	"github.com/lyzr/agentfleet/common/logger"
)

// Tool is the read-only data tool: it validates a query string, runs
// it against the structured store, and shapes the result as the
// {"results": [...]} object the gateway returns to callers.
type Tool struct {
	store     *db.DB
	validator *QueryValidator
	log       *logger.Logger
}

// New creates a Tool backed by store.
func New(store *db.DB, log *logger.Logger) *Tool {
	return &Tool{
		store:     store,
		validator: NewQueryValidator(),
		log:       log,
	}
}

// QueryData validates statement, executes only its first read
// statement against the store, and returns rows as an ordered slice
// of column-name-to-value maps under a "results" key.
func (t *Tool) QueryData(ctx context.Context, statement string) (map[string]interface{}, error) {
	if err := t.validator.Validate(statement); err != nil {
		return nil, err
	}

	query := FirstStatement(statement)

	rows, err := t.store.QueryContext(ctx, query)
	if err != nil {
		t.log.Error("query_data execution failed", "error", err)
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scanning results: %w", err)
	}

	return map[string]interface{}{"results": results}, nil
}

// scanRows converts *sql.Rows into a slice of generic column maps,
// decoding []byte values (the common driver representation for TEXT
// columns) as strings so JSON-encoded results are human-readable.
func scanRows(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	results := make([]map[string]interface{}, 0)

	values := make([]interface{}, len(columns))
	scanTargets := make([]interface{}, len(columns))
	for i := range values {
		scanTargets[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			row[col] = normalizeValue(values[i])
		}
		results = append(results, row)
	}

	return results, rows.Err()
}

func normalizeValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
