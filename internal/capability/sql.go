// Copyright 2025 James Ross
package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
)

// namespacePattern is intentionally restrictive: the namespace is
// interpolated into SET search_path, which does not accept bind
// parameters, so it must never contain anything but identifier
// characters.
var namespacePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ScopedSQL is the default SQLExecutor: every query runs with its
// session search_path pinned to the plugin's own schema, so a
// `database` capability grant can never read rows outside the plugin's
// declared namespace.
type ScopedSQL struct {
	db *sql.DB
}

func NewScopedSQL(db *sql.DB) *ScopedSQL {
	return &ScopedSQL{db: db}
}

// Query sets search_path=namespace,pg_catalog for the connection used by
// this call, then runs sqlText and marshals the result rows to JSON.
// Params are a JSON array matching positional placeholders.
func (s *ScopedSQL) Query(ctx context.Context, namespace, sqlText string, params []byte) ([]byte, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire scoped connection: %w", err)
	}
	defer conn.Close()

	if !namespacePattern.MatchString(namespace) {
		return nil, fmt.Errorf("invalid namespace %q", namespace)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf(`SET search_path = %s, pg_catalog`, namespace)); err != nil {
		return nil, fmt.Errorf("set search_path: %w", err)
	}

	var args []interface{}
	if len(params) > 0 {
		var raw []interface{}
		if err := json.Unmarshal(params, &raw); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
		args = raw
	}

	rows, err := conn.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]interface{}, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	return json.Marshal(out)
}
