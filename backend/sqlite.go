package backend

import (
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	pipingbag "github.com/draew6/piping-bag"
)

// NewSQLite returns a SQLite backend using modernc.org/sqlite. dsn is a file
// path, optionally followed by driver query parameters.
//
// Every operation opens the file anew, so ":memory:" databases do not
// survive between operations.
func NewSQLite(dsn string, opts ...Option) *SQL {
	return New(pipingbag.SQLite, "sqlite", dsn, opts...)
}
