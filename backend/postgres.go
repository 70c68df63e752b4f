package backend

import (
	"github.com/lib/pq"

	pipingbag "github.com/draew6/piping-bag"
)

// NewPostgres returns a Postgres backend using github.com/lib/pq.
// Integer sequences bound as scalar arguments (e.g. "id = ANY($ids)") are
// sent as Postgres arrays.
func NewPostgres(dsn string, opts ...Option) *SQL {
	opts = append([]Option{WithArgConverter(postgresArg)}, opts...)
	return New(pipingbag.Postgres, "postgres", dsn, opts...)
}

func postgresArg(arg any) (any, error) {
	if ints, ok := arg.([]int64); ok {
		return pq.Array(ints), nil
	}
	return arg, nil
}
