package backend

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	pipingbag "github.com/draew6/piping-bag"
)

// newMock returns a backend whose every operation gets the same sqlmock
// handle. Each test performs a single operation, since the handle is closed
// afterwards.
func newMock(t *testing.T, d pipingbag.Dialect, opts ...Option) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	opener := func(context.Context) (*sql.DB, error) { return db, nil }
	return New(d, "sqlmock", "", append(opts, WithOpener(opener))...), mock
}

func assertMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFetchOne(t *testing.T) {
	s, mock := newMock(t, pipingbag.Postgres)
	mock.ExpectQuery("SELECT id, name FROM users WHERE id = $1").
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).AddRow(int64(7), "ann").AddRow(int64(8), "bo"))
	mock.ExpectClose()

	row, err := s.FetchOne(context.Background(), "SELECT id, name FROM users WHERE id = $1", int64(7))
	if err != nil {
		t.Fatal(err)
	}
	want := &pipingbag.Row{Columns: []string{"id", "name"}, Values: []any{int64(7), "ann"}}
	if !reflect.DeepEqual(row, want) {
		t.Fatalf("row=%+v, want %+v", row, want)
	}
	assertMet(t, mock)
}

func TestFetchOne_NoRow(t *testing.T) {
	s, mock := newMock(t, pipingbag.Postgres)
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"x"}))
	mock.ExpectClose()

	row, err := s.FetchOne(context.Background(), "SELECT 1")
	if err != nil || row != nil {
		t.Fatalf("row=%v err=%v", row, err)
	}
	assertMet(t, mock)
}

func TestFetchMany_Empty(t *testing.T) {
	s, mock := newMock(t, pipingbag.Postgres)
	mock.ExpectQuery("SELECT id FROM users").WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectClose()

	rows, err := s.FetchMany(context.Background(), "SELECT id FROM users")
	if err != nil {
		t.Fatal(err)
	}
	if rows == nil || len(rows) != 0 {
		t.Fatalf("rows=%#v, want empty", rows)
	}
	assertMet(t, mock)
}

// TestExecute_MySQLRepeatsArguments rewrites numbered markers into "?" and
// repeats arguments per occurrence.
func TestExecute_MySQLRepeatsArguments(t *testing.T) {
	s, mock := newMock(t, pipingbag.MySQL)
	mock.ExpectExec("UPDATE t SET a = ? WHERE b = ? OR c = ?").
		WithArgs("x", int64(2), "x").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	err := s.Execute(context.Background(), "UPDATE t SET a = $1 WHERE b = $2 OR c = $1", "x", int64(2))
	if err != nil {
		t.Fatal(err)
	}
	assertMet(t, mock)
}

// TestExecute_ClosesOnFailure releases the handle even when the driver fails.
func TestExecute_ClosesOnFailure(t *testing.T) {
	boom := errors.New("deadlock")
	s, mock := newMock(t, pipingbag.SQLite)
	mock.ExpectExec("DELETE FROM t WHERE id = ?1").WithArgs(int64(1)).WillReturnError(boom)
	mock.ExpectClose()

	err := s.Execute(context.Background(), "DELETE FROM t WHERE id = $1", int64(1))
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	assertMet(t, mock)
}

func TestExecuteMany_PreparesOnce(t *testing.T) {
	s, mock := newMock(t, pipingbag.SQLServer)
	prep := mock.ExpectPrepare("INSERT INTO t (a, b) VALUES (@p1, @p2)")
	prep.ExpectExec().WithArgs(int64(1), "a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(2), "b").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectClose()

	err := s.ExecuteMany(context.Background(), "INSERT INTO t (a, b) VALUES ($1, $2)", [][]any{
		{int64(1), "a"},
		{int64(2), "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	assertMet(t, mock)
}

// TestExecuteMany_StopsAtFirstFailure reports the failing row; earlier rows
// are not rolled back.
func TestExecuteMany_StopsAtFirstFailure(t *testing.T) {
	boom := errors.New("unique violation")
	s, mock := newMock(t, pipingbag.Postgres)
	prep := mock.ExpectPrepare("INSERT INTO t (a) VALUES ($1)")
	prep.ExpectExec().WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(int64(1)).WillReturnError(boom)
	mock.ExpectClose()

	err := s.ExecuteMany(context.Background(), "INSERT INTO t (a) VALUES ($1)", [][]any{{int64(1)}, {int64(1)}, {int64(2)}})
	if !errors.Is(err, boom) || !strings.Contains(err.Error(), "row 1") {
		t.Fatalf("err=%v", err)
	}
	assertMet(t, mock)
}

func TestOpenFailure(t *testing.T) {
	refused := errors.New("connection refused")
	s := New(pipingbag.Postgres, "sqlmock", "", WithOpener(func(context.Context) (*sql.DB, error) {
		return nil, refused
	}))
	if _, err := s.FetchMany(context.Background(), "SELECT 1"); !errors.Is(err, refused) {
		t.Fatalf("err=%v, want %v", err, refused)
	}
}

// TestIntListRejectedWithoutArrays fails before any connection is opened.
func TestIntListRejectedWithoutArrays(t *testing.T) {
	s := New(pipingbag.MySQL, "sqlmock", "", WithOpener(func(context.Context) (*sql.DB, error) {
		t.Fatal("opener called")
		return nil, nil
	}))
	err := s.Execute(context.Background(), "DELETE FROM t WHERE id = $1", []int64{1, 2})
	if !errors.Is(err, pipingbag.ErrUnsupportedValue) {
		t.Fatalf("err=%v, want ErrUnsupportedValue", err)
	}
}

func TestPostgresArrayArgument(t *testing.T) {
	arg, err := postgresArg([]int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	v, err := arg.(driver.Valuer).Value()
	if err != nil || v != "{1,2}" {
		t.Fatalf("v=%v err=%v", v, err)
	}
	if arg, _ := postgresArg("x"); arg != "x" {
		t.Fatalf("arg=%v", arg)
	}
}

func TestSlowQueryIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s, mock := newMock(t, pipingbag.Postgres, WithLogger(logger), WithSlowQuery(time.Nanosecond))
	mock.ExpectExec("DELETE FROM t").WillDelayFor(time.Millisecond).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	if err := s.Execute(context.Background(), "DELETE FROM t"); err != nil {
		t.Fatal(err)
	}
	if out := buf.String(); !strings.Contains(out, "slow query detected") || !strings.Contains(out, "op=execute") {
		t.Fatalf("log=%q", out)
	}
	assertMet(t, mock)
}

// TestQueriesOverMock sends a statement built by Queries through the backend.
func TestQueriesOverMock(t *testing.T) {
	s, mock := newMock(t, pipingbag.MySQL)
	mock.ExpectPrepare(`UPDATE "app".users SET active = ? WHERE id IN (1,2,3)`).
		ExpectExec().
		WithArgs(false).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectClose()

	q := pipingbag.NewQueries(s, "app")
	err := q.Query("UPDATE users SET active = $active WHERE id IN $ids").
		Bind(pipingbag.P{"active": false, "ids": []int{1, 2, 3}}).
		Exec(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assertMet(t, mock)
}
