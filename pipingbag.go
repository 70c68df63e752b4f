package pipingbag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Queries binds statements to a database and an optional schema. It plays
// the role of a repository base: embed it, and give each query method a
// body that fills a Call.
// A single Queries instance is safe for concurrent use.
type Queries struct {
	db     Database
	schema string
	config Config
	logger *slog.Logger
	pool   sync.Pool
}

// Call collects the arguments of one statement invocation.
// It is NOT safe for concurrent use and is single-use: after Build() or
// Send() it is released back to the pool and must not be used again.
type Call struct {
	q        *Queries
	sql      string
	inputs   []any
	bag      P
	data     [][]any
	returns  ReturnType
	released bool
	err      error
}

// Config defines limits for statement construction.
type Config struct {
	// MaxParams limits the number of distinct parameters in one statement.
	// If = 0 (or omitted), it defaults to 65535. If < 0, it's unlimited.
	MaxParams int
	// MaxNameLen limits the length of a placeholder name, e.g. "$user_id".
	// Names longer than this cause ErrParamNameTooLong.
	MaxNameLen int
}

// QueriesOption configures a Queries.
type QueriesOption func(*Queries)

// P is a convenient alias for map[string]any to use with Bind().
type P = map[string]any

var (
	ErrInvalidStatement  = errors.New("pipingbag: invalid SQL statement")
	ErrOptionNotAllowed  = errors.New("pipingbag: option not allowed for operation")
	ErrInvalidArray      = errors.New("pipingbag: IN parameter is not a sequence of integers")
	ErrUnreferencedArray = errors.New("pipingbag: IN parameter not among statement parameters")
	ErrUnsupportedValue  = errors.New("pipingbag: unsupported value")
	ErrTooManyParams     = errors.New("pipingbag: too many parameters")
	ErrParamNameTooLong  = errors.New("pipingbag: parameter name too long")
	ErrFieldAmbiguous    = errors.New("pipingbag: ambiguous field name")
	ErrCallReleased      = errors.New("pipingbag: call already released; call Query() on *Queries for a new statement")
	ErrNullValue         = errors.New("pipingbag: NULL value")
	ErrDecode            = errors.New("pipingbag: cannot decode result")
	ErrBadMarker         = errors.New("pipingbag: bad positional marker")
)

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(l *slog.Logger) QueriesOption {
	return func(q *Queries) {
		if l != nil {
			q.logger = l
		}
	}
}

// WithConfig sets statement limits; unspecified fields fall back to defaults.
func WithConfig(cfg Config) QueriesOption {
	return func(q *Queries) {
		q.config = defaultConfig(cfg)
	}
}

// NewQueries returns a Queries dispatching through db. An empty schema
// leaves table references unqualified.
func NewQueries(db Database, schema string, opts ...QueriesOption) *Queries {
	q := &Queries{
		db:     db,
		schema: schema,
		config: defaultConfig(),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.pool.New = func() any {
		return &Call{
			q:      q,
			inputs: make([]any, 0, 4),
		}
	}
	return q
}

// DB returns the database the statements are sent to.
func (q *Queries) DB() Database { return q.db }

// Schema returns the schema used to qualify table references.
func (q *Queries) Schema() string { return q.schema }

// Query starts a new statement and returns a single-use Call.
func (q *Queries) Query(sql string) *Call {
	c := q.pool.Get().(*Call)
	c.q = q
	c.sql = sql
	c.released = false
	c.err = nil
	c.inputs = c.inputs[:0]
	c.bag = nil
	c.data = nil
	c.returns = ReturnType{}
	return c
}

// Bind enqueues a parameter source. Supported forms:
//   - nil (ignored)
//   - struct with `db` tags (flattened through nested structs)
//   - map[string]any or any reflect.Map with string-like keys
//   - k/v pairs (even number of args, first is string key)
//
// Multiple Bind() calls are allowed; resolution is "last one wins".
func (c *Call) Bind(args ...any) *Call {
	if c.released {
		c.err = ErrCallReleased
		return c
	}
	if c.err != nil {
		return c
	}

	switch len(args) {
	case 0:
		c.ensureBag()
		return c

	case 1:
		if args[0] != nil {
			c.inputs = append(c.inputs, args[0])
		}
		return c

	default:
		if len(args)%2 != 0 {
			c.err = fmt.Errorf("pipingbag: Bind expects even number of args (key,value,...), got %d", len(args))
			return c
		}
		bag := c.ensureBag()
		for i := 0; i < len(args); i += 2 {
			k, ok := args[i].(string)
			if !ok || k == "" {
				c.err = fmt.Errorf("pipingbag: Bind key at position %d must be a non-empty string (got %T)", i, args[i])
				return c
			}
			bag[k] = args[i+1]
		}
		return c
	}
}

// Data appends positional batch rows. A statement with data is executed
// once per row (InsertMany / UpdateMany).
func (c *Call) Data(rows ...[]any) *Call {
	if c.released {
		c.err = ErrCallReleased
		return c
	}
	if c.err != nil {
		return c
	}
	c.data = append(c.data, rows...)
	return c
}

// DataOf appends batch rows taken from a slice of structs or maps, reading
// cols from each element in order.
func (c *Call) DataOf(rows any, cols ...string) *Call {
	if c.released {
		c.err = ErrCallReleased
		return c
	}
	if c.err != nil {
		return c
	}
	out, err := rowsOf(rows, cols)
	if err != nil {
		c.err = err
		return c
	}
	c.data = append(c.data, out...)
	return c
}

// Returns declares the result shape.
func (c *Call) Returns(rt ReturnType) *Call {
	if c.released {
		c.err = ErrCallReleased
		return c
	}
	c.returns = rt
	return c
}

// Build resolves the bound values, constructs the Statement and RELEASES the
// call back into the pool. After Build(), the call must not be used again.
func (c *Call) Build() (*Statement, error) {
	if c.released {
		return nil, ErrCallReleased
	}
	defer c.Release()
	if c.err != nil {
		return nil, c.err
	}

	in := c.inputs
	if len(c.bag) > 0 {
		in = append(in, c.bag)
	}
	values, err := resolveValues(in)
	if err != nil {
		return nil, err
	}
	data, err := toValueRows(c.data)
	if err != nil {
		return nil, err
	}
	return NewStatement(Input{
		SQL:     c.sql,
		Values:  values,
		Schema:  c.q.schema,
		Data:    data,
		Returns: c.returns,
	}, c.q.config)
}

// Send builds the statement and dispatches it through the Queries database.
func (c *Call) Send(ctx context.Context) (any, error) {
	if c.released {
		return nil, ErrCallReleased
	}
	q := c.q
	st, err := c.Build()
	if err != nil {
		return nil, err
	}
	q.logger.DebugContext(ctx, "sending statement",
		"operation", st.Operation().String(),
		"options", st.Options().String(),
		"returns", st.Returns().String(),
		"params", len(st.ScalarParams()),
		"rows", len(st.Data()),
	)
	return st.Send(ctx, q.db)
}

// Release clears the call and puts it back into the pool.
// It is safe to call Release multiple times; subsequent calls are no-ops.
func (c *Call) Release() {
	if c.released {
		return
	}
	c.released = true

	for i := range c.inputs {
		c.inputs[i] = nil
	}
	c.inputs = c.inputs[:0]
	c.bag = nil
	c.data = nil
	c.err = nil
	c.q.pool.Put(c)
}

// Fetch declares T as the result type, sends the call and returns the
// decoded result. A missing row (or a void statement) yields the zero T;
// use a pointer T to tell "no row" apart.
func Fetch[T any](ctx context.Context, c *Call) (T, error) {
	var zero T
	res, err := c.Returns(Returns[T]()).Send(ctx)
	if err != nil || res == nil {
		return zero, err
	}
	v, ok := res.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", ErrDecode, res, zero)
	}
	return v, nil
}

// Exec sends a call whose result is not needed.
func (c *Call) Exec(ctx context.Context) error {
	_, err := c.Send(ctx)
	return err
}

// ensureBag makes sure the call has a P bag for Bind(); creates if needed.
func (c *Call) ensureBag() P {
	if c.bag == nil {
		c.bag = make(P, 8)
	}
	return c.bag
}

// defaultConfig merges user config with defaults.
func defaultConfig(config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}
	if c.MaxParams == 0 {
		c.MaxParams = 65535
	}
	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 64
	}
	return c
}
