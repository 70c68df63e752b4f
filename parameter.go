package pipingbag

import (
	"fmt"
	"strings"
)

// Sigil prefixes a placeholder name in statement text.
const Sigil = "$"

// Parameter is one named value bound into a statement.
// Its identity is the name without the sigil.
type Parameter struct {
	name  string // with sigil, e.g. "$id"
	clean string // without sigil, e.g. "id"
	Value Value
}

// NewParameter accepts either spelling of a name ("id" or "$id").
func NewParameter(name string, v Value) Parameter {
	clean := strings.TrimLeft(name, Sigil)
	return Parameter{name: Sigil + clean, clean: clean, Value: v}
}

// Name returns the name as it appears in statement text, with the sigil.
func (p Parameter) Name() string { return p.name }

// CleanName returns the canonical name, without the sigil.
func (p Parameter) CleanName() string { return p.clean }

// Is reports whether name refers to p. Both spellings are accepted.
func (p Parameter) Is(name string) bool {
	if strings.HasPrefix(name, Sigil) {
		return p.name == name
	}
	return p.clean == name
}

// Equal reports whether p and o share the same canonical name.
func (p Parameter) Equal(o Parameter) bool {
	return p.clean == o.clean
}

// String implements fmt.Stringer.
func (p Parameter) String() string {
	return p.name + "=" + p.Value.String()
}

// ArrayParameter is a Parameter whose value is a sequence of integers.
// It is only used to expand "x IN $name" clauses.
type ArrayParameter struct {
	Parameter
}

// NewArrayParameter validates that v is an integer sequence.
func NewArrayParameter(name string, v Value) (ArrayParameter, error) {
	if v.Kind() != KindIntList {
		return ArrayParameter{}, fmt.Errorf("%w: %s%s is %s", ErrInvalidArray, Sigil, strings.TrimLeft(name, Sigil), v.Kind())
	}
	return ArrayParameter{Parameter: NewParameter(name, v)}, nil
}

// Literal renders the values as a parenthesized list, e.g. "(1,2,3)".
func (a ArrayParameter) Literal() string {
	return "(" + joinInts(a.Value.Ints()) + ")"
}

// containsParam reports whether params holds a parameter equal to p.
func containsParam(params []Parameter, p Parameter) bool {
	for _, q := range params {
		if q.Equal(p) {
			return true
		}
	}
	return false
}
