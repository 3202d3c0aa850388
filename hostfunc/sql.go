package hostfunc

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	sandbox "github.com/inoerp/js-sandbox"

	// Pure-Go SQLite driver for database/sql.
	_ "github.com/glebarez/sqlite"
)

// SQLSelectName is the global name of the function returned by SQLSelect.
const SQLSelectName = "sqlSelect"

// ErrNotQuery is returned when sqlSelect is given anything but a query.
var ErrNotQuery = errors.New("sqlSelect: only SELECT and WITH queries are allowed")

// OpenSQLite opens the SQLite database at path (":memory:" for a private
// in-memory database).
func OpenSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	if path == ":memory:" {
		// Each connection would get its own empty database.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

// SQLSelect returns sqlSelect(query, ...params), an async function that
// runs a read-only query on db and resolves to an array of row objects.
// BLOB columns are returned as strings.
func SQLSelect(db *sql.DB) sandbox.NativeFunction {
	return sandbox.NewAsyncFunction(SQLSelectName, func(ctx context.Context, args sandbox.Args) (any, error) {
		var query string
		if err := args.Decode(0, &query); err != nil {
			return nil, err
		}
		params := make([]any, 0, args.Len())
		for i := 1; i < args.Len(); i++ {
			var p any
			if err := args.Decode(i, &p); err != nil {
				return nil, err
			}
			params = append(params, p)
		}
		return Select(ctx, db, query, params...)
	})
}

// Select runs query and returns its rows as column-name maps. The query runs
// on a connection switched to PRAGMA query_only, so SQLite itself rejects
// any write.
func Select(ctx context.Context, db *sql.DB, query string, params ...any) ([]map[string]any, error) {
	if !isQuery(query) {
		return nil, ErrNotQuery
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlSelect: connection error: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
		return nil, fmt.Errorf("sqlSelect: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.Background(), "PRAGMA query_only = OFF"); err != nil {
			// Drop the connection rather than hand it back read-only.
			_ = conn.Raw(func(any) error { return driver.ErrBadConn })
		}
	}()

	return scanRows(ctx, conn, query, params...)
}

func scanRows(ctx context.Context, conn *sql.Conn, query string, params ...any) ([]map[string]any, error) {
	rows, err := conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("sqlSelect: query error: %w", err)
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlSelect: columns error: %w", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlSelect: scan error: %w", err)
		}
		row := make(map[string]any, len(columns))
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[columns[i]] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlSelect: %w", err)
	}
	return out, nil
}

// isQuery is a quick reject for anything that is not one SELECT or WITH
// statement. Any inner ";" is rejected, including one inside a string
// literal.
func isQuery(query string) bool {
	upper := strings.TrimRight(strings.ToUpper(strings.TrimSpace(query)), "; \t\n")
	if strings.Contains(upper, ";") {
		return false
	}
	return strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "WITH")
}
