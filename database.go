package pipingbag

import "context"

// Row is one materialized result row. Columns and Values are parallel.
type Row struct {
	Columns []string
	Values  []any
}

// Database is the driver abstraction a Statement is dispatched through.
//
// Queries arrive with dialect-neutral positional markers ($1, $2, ...);
// implementations translate them to their native syntax (see Rebind).
// Each call acquires its own connection and releases it before returning.
type Database interface {
	// FetchOne returns the first row, or nil when there is none.
	FetchOne(ctx context.Context, query string, args ...any) (*Row, error)

	// FetchMany returns all rows; an empty result is not an error.
	FetchMany(ctx context.Context, query string, args ...any) ([]Row, error)

	// Execute runs the statement for its side effect.
	Execute(ctx context.Context, query string, args ...any) error

	// ExecuteMany runs the statement once per row.
	ExecuteMany(ctx context.Context, query string, rows [][]any) error
}

// Get returns the value of the named column.
func (r Row) Get(col string) (any, bool) {
	for i, c := range r.Columns {
		if c == col {
			return r.Values[i], true
		}
	}
	return nil, false
}

// Map returns the row as a column-name keyed map.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		m[c] = r.Values[i]
	}
	return m
}
