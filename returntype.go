package pipingbag

import (
	"database/sql/driver"
	"fmt"
	"reflect"
)

// ReturnType describes the declared result shape of a statement.
// It is computed once, when a statement is defined, and drives decoding.
//
// The zero ReturnType is a void, non-list scalar: a single-row result
// decodes to the raw driver value of its first column.
type ReturnType struct {
	model      reflect.Type // element type after unwrapping slice and pointer
	isList     bool
	isOptional bool
	isAdaptive bool
}

var (
	anyMapType = reflect.TypeOf(map[string]any(nil))
	valuerType = reflect.TypeOf((*driver.Valuer)(nil)).Elem()
)

// Returns derives the descriptor from T:
//   - []E marks a list of E
//   - *E marks E as optional (NULL columns and missing rows decode to nil)
//   - struct types (except time.Time and sql.Scanner implementors) and
//     map[string]any are adaptive and decode field by field; everything else
//     is a scalar taken from the first column
func Returns[T any]() ReturnType {
	return ReturnTypeOf(reflect.TypeOf((*T)(nil)).Elem())
}

// ReturnTypeOf is the reflect.Type form of Returns.
func ReturnTypeOf(t reflect.Type) ReturnType {
	var rt ReturnType
	if t == nil {
		return rt
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() != reflect.Uint8 {
		rt.isList = true
		t = t.Elem()
	}
	if t.Kind() == reflect.Pointer {
		rt.isOptional = true
		t = t.Elem()
	}
	rt.model = t
	rt.isAdaptive = isAdaptiveType(t)
	return rt
}

// NewReturnType builds a descriptor from explicit flags. model may be nil
// for scalars, in which case raw driver values are returned.
func NewReturnType(model reflect.Type, list, optional, adaptive bool) (ReturnType, error) {
	if adaptive && (model == nil || !isAdaptiveType(model)) {
		return ReturnType{}, fmt.Errorf("%w: %v cannot be decoded adaptively", ErrDecode, model)
	}
	return ReturnType{model: model, isList: list, isOptional: optional, isAdaptive: adaptive}, nil
}

// IsList reports whether the result is a sequence of rows.
func (r ReturnType) IsList() bool { return r.isList }

// IsOptional reports whether elements are nullable.
func (r ReturnType) IsOptional() bool { return r.isOptional }

// IsAdaptive reports whether rows decode into a structured model.
func (r ReturnType) IsAdaptive() bool { return r.isAdaptive }

// Model returns the element type, or nil for raw scalars.
func (r ReturnType) Model() reflect.Type { return r.model }

// elemType is the Go type of one decoded element.
func (r ReturnType) elemType() reflect.Type {
	if r.model == nil {
		return reflect.TypeOf((*any)(nil)).Elem()
	}
	if r.isOptional {
		return reflect.PointerTo(r.model)
	}
	return r.model
}

// String implements fmt.Stringer.
func (r ReturnType) String() string {
	s := "any"
	if r.model != nil {
		s = r.model.String()
	}
	if r.isOptional {
		s = "*" + s
	}
	if r.isList {
		s = "[]" + s
	}
	return s
}

func isAdaptiveType(t reflect.Type) bool {
	if t == anyMapType {
		return true
	}
	if t.Kind() != reflect.Struct || t == timeType {
		return false
	}
	return !reflect.PointerTo(t).Implements(scannerIface) && !t.Implements(valuerType)
}
