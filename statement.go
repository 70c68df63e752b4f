package pipingbag

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// Operation is the kind of a statement, derived from its leading keyword.
type Operation uint8

const (
	Select Operation = iota + 1
	Insert
	InsertMany
	Update
	UpdateMany
	Delete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case Select:
		return "select"
	case Insert:
		return "insert"
	case InsertMany:
		return "insert_many"
	case Update:
		return "update"
	case UpdateMany:
		return "update_many"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// IsBatch reports whether the operation executes once per data row.
func (o Operation) IsBatch() bool {
	return o == InsertMany || o == UpdateMany
}

// Option is a modifier attached to a statement. Options form a bit set.
type Option uint8

const (
	// Returning marks a mutating statement that yields rows.
	Returning Option = 1 << iota
	// In marks a statement with at least one "x IN $name" clause.
	In
)

// String returns the string representation of the option set.
func (o Option) String() string {
	var parts []string
	if o&Returning != 0 {
		parts = append(parts, "returning")
	}
	if o&In != 0 {
		parts = append(parts, "in")
	}
	return strings.Join(parts, "|")
}

// Has reports whether every option in x is set in o.
func (o Option) Has(x Option) bool { return o&x == x }

// usableIn reports whether option o may be attached to op.
func (o Option) usableIn(op Operation) bool {
	switch o {
	case Returning:
		return op == Insert || op == Update || op == Delete
	case In:
		return op == Select || op == Update || op == Delete
	}
	return false
}

var (
	placeholderRe = regexp.MustCompile(`\$\w+`)
	returningRe   = regexp.MustCompile(`(?i)\breturning\b`)
	inSentenceRe  = regexp.MustCompile(`(?i)\b\w+\s+in\s+\$(\w+)\b`)
)

// Input carries everything a Statement is built from.
type Input struct {
	// SQL is the raw template with $name placeholders.
	SQL string
	// Values maps placeholder names (with or without sigil) to bound values.
	Values map[string]Value
	// Schema, when non-empty, qualifies table references.
	Schema string
	// Data holds the rows of a batch statement. Empty means "no batch".
	Data [][]Value
	// Returns declares the decoded result shape.
	Returns ReturnType
}

// Statement is a classified, rewritten statement ready to be sent once.
type Statement struct {
	raw       string
	modified  string
	schema    string
	operation Operation
	options   Option
	allParams []Parameter
	params    []Parameter
	inParams  []ArrayParameter
	returns   ReturnType
	data      [][]Value
}

// NewStatement classifies and rewrites in. All failures happen here, before
// any I/O: ErrInvalidStatement, ErrOptionNotAllowed, ErrInvalidArray,
// ErrUnreferencedArray, ErrParamNameTooLong and ErrTooManyParams.
func NewStatement(in Input, cfg ...Config) (*Statement, error) {
	c := defaultConfig(cfg...)
	s := &Statement{
		raw:     strings.TrimSpace(in.SQL),
		schema:  in.Schema,
		returns: in.Returns,
	}
	s.modified = s.raw
	if len(in.Data) > 0 {
		s.data = in.Data
	}

	values := make(map[string]Value, len(in.Values))
	for k, v := range in.Values {
		values[strings.TrimLeft(k, Sigil)] = v
	}

	if err := s.extractOperation(); err != nil {
		return nil, err
	}
	if err := s.parseAllParams(values, c); err != nil {
		return nil, err
	}
	if err := s.extractOptions(values); err != nil {
		return nil, err
	}
	s.parseParams()
	s.standardize()
	s.setSchema()
	return s, nil
}

// extractOperation classifies the statement by its leading keyword.
func (s *Statement) extractOperation() error {
	lower := strings.ToLower(s.raw)
	batch := len(s.data) > 0
	switch {
	case strings.HasPrefix(lower, "select"):
		s.operation = Select
	case strings.HasPrefix(lower, "insert") && batch:
		s.operation = InsertMany
	case strings.HasPrefix(lower, "insert"):
		s.operation = Insert
	case strings.HasPrefix(lower, "update") && batch:
		s.operation = UpdateMany
	case strings.HasPrefix(lower, "update"):
		s.operation = Update
	case strings.HasPrefix(lower, "delete"):
		s.operation = Delete
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatement, s.raw)
	}
	return nil
}

// parseAllParams collects the distinct placeholders in first-occurrence
// order. Placeholders without a value are not parameters and stay verbatim.
func (s *Statement) parseAllParams(values map[string]Value, c Config) error {
	seen := make(map[string]bool)
	for _, tok := range placeholderRe.FindAllString(s.raw, -1) {
		name := tok[len(Sigil):]
		if seen[name] {
			continue
		}
		seen[name] = true
		v, ok := values[name]
		if !ok {
			continue
		}
		if c.MaxNameLen > 0 && len(name) > c.MaxNameLen {
			return fmt.Errorf("%w: %q (%d > %d)", ErrParamNameTooLong, name, len(name), c.MaxNameLen)
		}
		s.allParams = append(s.allParams, NewParameter(name, v))
	}
	if c.MaxParams > 0 && len(s.allParams) > c.MaxParams {
		return fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, len(s.allParams), c.MaxParams)
	}
	return nil
}

// extractOptions detects RETURNING and "x IN $name" clauses.
func (s *Statement) extractOptions(values map[string]Value) error {
	if returningRe.MatchString(s.raw) {
		if !Returning.usableIn(s.operation) {
			return fmt.Errorf("%w: returning on %s", ErrOptionNotAllowed, s.operation)
		}
		s.options |= Returning
	}

	matches := inSentenceRe.FindAllStringSubmatch(s.raw, -1)
	if len(matches) == 0 {
		return nil
	}
	if !In.usableIn(s.operation) {
		return fmt.Errorf("%w: in on %s", ErrOptionNotAllowed, s.operation)
	}
	s.options |= In
	for _, m := range matches {
		name := m[1]
		ap, err := NewArrayParameter(name, values[name])
		if err != nil {
			if _, ok := values[name]; !ok {
				return fmt.Errorf("%w: %s%s", ErrUnreferencedArray, Sigil, name)
			}
			return err
		}
		if !containsParam(s.allParams, ap.Parameter) {
			return fmt.Errorf("%w: %s%s", ErrUnreferencedArray, Sigil, name)
		}
		if !s.hasInParam(ap) {
			s.inParams = append(s.inParams, ap)
		}
	}
	return nil
}

func (s *Statement) hasInParam(ap ArrayParameter) bool {
	for _, p := range s.inParams {
		if p.Equal(ap.Parameter) {
			return true
		}
	}
	return false
}

// parseParams keeps the scalar parameters: everything not expanded by IN.
func (s *Statement) parseParams() {
	for _, p := range s.allParams {
		if !s.hasInParam(ArrayParameter{Parameter: p}) {
			s.params = append(s.params, p)
		}
	}
}

// standardize replaces array placeholders with literal integer lists and
// numbers the scalar placeholders $1..$n in first-occurrence order.
// Replacement is token-based: $id never rewrites a prefix of $id_2.
func (s *Statement) standardize() {
	expand := s.operation == Select || s.operation == Update || s.operation == Delete
	index := make(map[string]string, len(s.params))
	for i, p := range s.params {
		index[p.clean] = Sigil + strconv.Itoa(i+1)
	}
	literal := make(map[string]string, len(s.inParams))
	if expand {
		for _, ap := range s.inParams {
			literal[ap.clean] = ap.Literal()
		}
	}
	s.modified = placeholderRe.ReplaceAllStringFunc(s.modified, func(tok string) string {
		name := tok[len(Sigil):]
		if lit, ok := literal[name]; ok {
			return lit
		}
		if marker, ok := index[name]; ok {
			return marker
		}
		return tok
	})
}

// setSchema qualifies table references after FROM, JOIN and INSERT INTO
// (and UPDATE for single-row updates) with the quoted schema name.
//
// This is keyword substitution on the text, case-sensitive and with a
// trailing space: keywords inside literals or aliases are rewritten too.
func (s *Statement) setSchema() {
	if s.schema == "" {
		return
	}
	q := `"` + s.schema + `".`
	s.modified = strings.NewReplacer(
		"INSERT INTO ", "INSERT INTO "+q,
		"FROM ", "FROM "+q,
		"JOIN ", "JOIN "+q,
	).Replace(s.modified)
	if s.operation == Update {
		s.modified = strings.ReplaceAll(s.modified, "UPDATE ", "UPDATE "+q)
	}
}

// Raw returns the trimmed template text.
func (s *Statement) Raw() string { return s.raw }

// SQL returns the rewritten text sent to the database.
func (s *Statement) SQL() string { return s.modified }

// Operation returns the classified operation.
func (s *Statement) Operation() Operation { return s.operation }

// Options returns the detected option set.
func (s *Statement) Options() Option { return s.options }

// Returns returns the result descriptor.
func (s *Statement) Returns() ReturnType { return s.returns }

// Params returns every extracted parameter in first-occurrence order.
func (s *Statement) Params() []Parameter { return s.allParams }

// ScalarParams returns the parameters bound positionally.
func (s *Statement) ScalarParams() []Parameter { return s.params }

// ArrayParams returns the parameters expanded inline by IN clauses.
func (s *Statement) ArrayParams() []ArrayParameter { return s.inParams }

// Data returns the batch rows.
func (s *Statement) Data() [][]Value { return s.data }

// Args returns the driver arguments of the scalar parameters, in marker order.
func (s *Statement) Args() []any {
	args := make([]any, len(s.params))
	for i, p := range s.params {
		args[i] = p.Value.Arg()
	}
	return args
}

// rows returns the batch data as driver arguments.
func (s *Statement) rows() [][]any {
	out := make([][]any, len(s.data))
	for i, row := range s.data {
		r := make([]any, len(row))
		for j, v := range row {
			r[j] = v.Arg()
		}
		out[i] = r
	}
	return out
}

// Send dispatches the statement through db and decodes the result.
//
// Dispatch, first match wins:
//  1. InsertMany/UpdateMany: ExecuteMany over the data rows; nil result.
//  2. Select with a list result: FetchMany; zero rows give an empty slice.
//  3. Select, or Returning, with a non-list result: FetchOne; no row gives nil.
//  4. A mutating statement with IN: ExecuteMany with the scalar arguments as
//     its single row; nil result.
//  5. Otherwise Execute; nil result.
//
// Decoded values are of type T, *T or []T per the ReturnType. Driver errors
// are returned as they are.
func (s *Statement) Send(ctx context.Context, db Database) (any, error) {
	rt := s.returns
	switch {
	case s.operation.IsBatch():
		return nil, db.ExecuteMany(ctx, s.modified, s.rows())

	case rt.isList && s.operation == Select:
		rows, err := db.FetchMany(ctx, s.modified, s.Args()...)
		if err != nil {
			return nil, err
		}
		out := reflect.MakeSlice(reflect.SliceOf(rt.elemType()), 0, len(rows))
		for i, row := range rows {
			v, err := decodeRow(rt, row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			out = reflect.Append(out, v)
		}
		return out.Interface(), nil

	case !rt.isList && (s.operation == Select || s.options.Has(Returning)):
		row, err := db.FetchOne(ctx, s.modified, s.Args()...)
		if err != nil {
			return nil, err
		}
		if row == nil {
			return nil, nil
		}
		v, err := decodeRow(rt, *row)
		if err != nil {
			return nil, err
		}
		return v.Interface(), nil

	case s.operation != Select && s.options.Has(In):
		return nil, db.ExecuteMany(ctx, s.modified, [][]any{s.Args()})

	default:
		return nil, db.Execute(ctx, s.modified, s.Args()...)
	}
}

// String implements fmt.Stringer.
func (s *Statement) String() string {
	return fmt.Sprintf("%s[%s] %s", s.operation, s.options, s.modified)
}
