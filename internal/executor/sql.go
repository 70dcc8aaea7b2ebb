package executor

import (
	"context"
	"errors"
	"fmt"
	"log"

	"gorm.io/gorm"
)

// SQLExecutor runs a query against the configured database and returns the
// result rows.
type SQLExecutor struct {
	db *gorm.DB
}

// NewSQLExecutor returns a SQL executor bound to db.
func NewSQLExecutor(db *gorm.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

func (e *SQLExecutor) Execute(ctx context.Context, params, _ map[string]interface{}) (map[string]interface{}, error) {
	if e.db == nil {
		return nil, errors.New("sql executor has no database connection")
	}

	query, err := stringParam(params, "query")
	if err != nil {
		return nil, err
	}

	var args []interface{}
	if raw, ok := params["args"]; ok {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("param \"args\" must be a list, got %T", raw)
		}
		args = list
	}

	log.Printf("Executing SQL query: %s", query)

	var rows []map[string]interface{}
	if err := e.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	out := make([]interface{}, len(rows))
	for i, row := range rows {
		out[i] = map[string]interface{}(row)
	}
	return map[string]interface{}{"rows": out}, nil
}
