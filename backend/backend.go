// Package backend provides database/sql based implementations of
// pipingbag.Database for Postgres, MySQL and SQLite.
//
// There is no connection pool: every operation opens a database handle
// limited to one connection, runs, and closes it before returning, on every
// path. Batch execution prepares the statement once and runs it per row
// without wrapping the rows in a transaction.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pipingbag "github.com/draew6/piping-bag"
)

// Opener returns a fresh database handle for a single operation.
type Opener func(ctx context.Context) (*sql.DB, error)

// ArgConverter maps a driver argument to the form the backend's driver
// accepts. It is applied to every argument after rebinding.
type ArgConverter func(arg any) (any, error)

// SQL implements pipingbag.Database on top of database/sql.
// A single SQL instance is safe for concurrent use.
type SQL struct {
	dialect   pipingbag.Dialect
	open      Opener
	convert   ArgConverter
	logger    *slog.Logger
	slowQuery time.Duration
}

// Option configures an SQL backend.
type Option func(*SQL)

// Compile-time assertion that SQL implements pipingbag.Database.
var _ pipingbag.Database = (*SQL)(nil)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *SQL) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSlowQuery logs operations slower than d at Warn level. Zero disables it.
func WithSlowQuery(d time.Duration) Option {
	return func(s *SQL) {
		s.slowQuery = d
	}
}

// WithOpener replaces the way per-operation handles are opened.
func WithOpener(open Opener) Option {
	return func(s *SQL) {
		if open != nil {
			s.open = open
		}
	}
}

// WithArgConverter replaces the per-dialect argument conversion.
func WithArgConverter(conv ArgConverter) Option {
	return func(s *SQL) {
		if conv != nil {
			s.convert = conv
		}
	}
}

// New returns a backend that opens driverName with dsn for every operation.
func New(dialect pipingbag.Dialect, driverName, dsn string, opts ...Option) *SQL {
	s := &SQL{
		dialect: dialect,
		open: func(context.Context) (*sql.DB, error) {
			return sql.Open(driverName, dsn)
		},
		convert: rejectIntList(dialect),
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dialect returns the backend's dialect.
func (s *SQL) Dialect() pipingbag.Dialect { return s.dialect }

// FetchOne implements pipingbag.Database.
func (s *SQL) FetchOne(ctx context.Context, query string, args ...any) (row *pipingbag.Row, rerr error) {
	start := time.Now()
	q, argv, err := s.prepare(query, args)
	if err != nil {
		return nil, err
	}
	defer func() { s.observe(ctx, "fetch_one", q, argv, start, rerr) }()

	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { rerr = errors.Join(rerr, closeDB(db)) }()

	rows, err := db.QueryContext(ctx, q, argv...)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch one: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("backend: fetch one: %w", err)
		}
		return nil, nil
	}
	r, err := materialize(rows)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch one: %w", err)
	}
	return &r, nil
}

// FetchMany implements pipingbag.Database.
func (s *SQL) FetchMany(ctx context.Context, query string, args ...any) (out []pipingbag.Row, rerr error) {
	start := time.Now()
	q, argv, err := s.prepare(query, args)
	if err != nil {
		return nil, err
	}
	defer func() { s.observe(ctx, "fetch_many", q, argv, start, rerr) }()

	db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { rerr = errors.Join(rerr, closeDB(db)) }()

	rows, err := db.QueryContext(ctx, q, argv...)
	if err != nil {
		return nil, fmt.Errorf("backend: fetch many: %w", err)
	}
	defer rows.Close()

	out = []pipingbag.Row{}
	for rows.Next() {
		r, err := materialize(rows)
		if err != nil {
			return nil, fmt.Errorf("backend: fetch many: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backend: fetch many: %w", err)
	}
	return out, nil
}

// Execute implements pipingbag.Database.
func (s *SQL) Execute(ctx context.Context, query string, args ...any) (rerr error) {
	start := time.Now()
	q, argv, err := s.prepare(query, args)
	if err != nil {
		return err
	}
	defer func() { s.observe(ctx, "execute", q, argv, start, rerr) }()

	db, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { rerr = errors.Join(rerr, closeDB(db)) }()

	if _, err := db.ExecContext(ctx, q, argv...); err != nil {
		return fmt.Errorf("backend: execute: %w", err)
	}
	return nil
}

// ExecuteMany implements pipingbag.Database.
func (s *SQL) ExecuteMany(ctx context.Context, query string, rows [][]any) (rerr error) {
	start := time.Now()
	q, order, err := pipingbag.Rebind(s.dialect, query)
	if err != nil {
		return err
	}
	defer func() { s.observe(ctx, "execute_many", q, []any{len(rows)}, start, rerr) }()

	db, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { rerr = errors.Join(rerr, closeDB(db)) }()

	stmt, err := db.PrepareContext(ctx, q)
	if err != nil {
		return fmt.Errorf("backend: execute many: prepare: %w", err)
	}
	defer func() { rerr = errors.Join(rerr, stmt.Close()) }()

	for i, row := range rows {
		argv, err := s.args(order, row)
		if err != nil {
			return fmt.Errorf("backend: execute many: row %d: %w", i, err)
		}
		if _, err := stmt.ExecContext(ctx, argv...); err != nil {
			return fmt.Errorf("backend: execute many: row %d: %w", i, err)
		}
	}
	return nil
}

// prepare rebinds query for the dialect and converts args accordingly.
func (s *SQL) prepare(query string, args []any) (string, []any, error) {
	q, order, err := pipingbag.Rebind(s.dialect, query)
	if err != nil {
		return "", nil, err
	}
	argv, err := s.args(order, args)
	if err != nil {
		return "", nil, err
	}
	return q, argv, nil
}

func (s *SQL) args(order []int, args []any) ([]any, error) {
	argv, err := pipingbag.BindArgs(order, args)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(argv))
	for i, a := range argv {
		c, err := s.convert(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = c
	}
	return out, nil
}

// connect opens a single-connection handle for one operation.
func (s *SQL) connect(ctx context.Context) (*sql.DB, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", s.dialect, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// observe logs the finished operation, and slow ones at Warn.
func (s *SQL) observe(ctx context.Context, op, query string, args []any, start time.Time, err error) {
	d := time.Since(start)
	if err != nil {
		s.logger.DebugContext(ctx, "operation failed", "op", op, "query", query, "duration", d, "error", err)
		return
	}
	if s.slowQuery > 0 && d > s.slowQuery {
		s.logger.WarnContext(ctx, "slow query detected", "op", op, "duration", d, "query", query, "args", args)
		return
	}
	s.logger.DebugContext(ctx, "operation done", "op", op, "query", query, "duration", d)
}

func closeDB(db *sql.DB) error {
	if err := db.Close(); err != nil {
		return fmt.Errorf("backend: close: %w", err)
	}
	return nil
}

// materialize copies the current row out of rows.
func materialize(rows *sql.Rows) (pipingbag.Row, error) {
	cols, err := rows.Columns()
	if err != nil {
		return pipingbag.Row{}, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return pipingbag.Row{}, err
	}
	return pipingbag.Row{Columns: cols, Values: vals}, nil
}

// rejectIntList is the converter for dialects without array parameters:
// integer sequences must be expanded with "x IN $name" instead.
func rejectIntList(d pipingbag.Dialect) ArgConverter {
	return func(arg any) (any, error) {
		if _, ok := arg.([]int64); ok {
			return nil, fmt.Errorf("%w: integer list on %s; use \"x IN $name\"", pipingbag.ErrUnsupportedValue, d)
		}
		return arg, nil
	}
}
