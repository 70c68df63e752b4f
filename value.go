package pipingbag

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindText
	KindBool
	KindTime
	KindIntList
	KindUUID
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindText:
		return "text"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindIntList:
		return "intlist"
	case KindUUID:
		return "uuid"
	default:
		return "unknown"
	}
}

// Value is a bound parameter value. The zero Value is NULL.
type Value struct {
	kind Kind
	i    int64
	s    string
	b    bool
	t    time.Time
	list []int64
	u    uuid.UUID
}

var timeType = reflect.TypeOf(time.Time{})

// Null returns the NULL value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Text returns a text value.
func Text(v string) Value { return Value{kind: KindText, s: v} }

// Bool returns a boolean value.
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Time returns a timestamp value.
func Time(v time.Time) Value { return Value{kind: KindTime, t: v} }

// UUID returns a UUID value, bound as its canonical string form.
func UUID(v uuid.UUID) Value { return Value{kind: KindUUID, u: v} }

// IntList returns an integer sequence value. The input is copied.
func IntList(v ...int64) Value {
	return Value{kind: KindIntList, list: append([]int64{}, v...)}
}

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is NULL.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Ints returns the integer sequence of an IntList value, nil otherwise.
func (v Value) Ints() []int64 { return v.list }

// Arg returns the value in the form handed to a database driver.
// IntList yields []int64; backends decide how (or whether) to bind it.
func (v Value) Arg() any {
	switch v.kind {
	case KindInt:
		return v.i
	case KindText:
		return v.s
	case KindBool:
		return v.b
	case KindTime:
		return v.t
	case KindIntList:
		return v.list
	case KindUUID:
		return v.u.String()
	default:
		return nil
	}
}

// String renders the value for logs and error messages.
func (v Value) String() string {
	switch v.kind {
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindText:
		return strconv.Quote(v.s)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	case KindIntList:
		return "(" + joinInts(v.list) + ")"
	case KindUUID:
		return v.u.String()
	default:
		return "NULL"
	}
}

// ValueOf converts a Go value into a Value.
//
// Supported inputs: nil, Value, all signed/unsigned integer widths, string,
// []byte (as text), bool, time.Time, uuid.UUID, slices/arrays of integers and
// pointers to any of these (a nil pointer is NULL). driver.Valuer
// implementations are converted through their Value method.
func ValueOf(in any) (Value, error) {
	if rv := reflect.ValueOf(in); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return Null(), nil
	}
	switch v := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case int64:
		return Int(v), nil
	case int:
		return Int(int64(v)), nil
	case string:
		return Text(v), nil
	case bool:
		return Bool(v), nil
	case time.Time:
		return Time(v), nil
	case uuid.UUID:
		return UUID(v), nil
	case []byte:
		return Text(string(v)), nil
	case []int64:
		return IntList(v...), nil
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return Value{}, fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		if _, again := dv.(driver.Valuer); again {
			return Value{}, fmt.Errorf("%w: %T returned another driver.Valuer", ErrUnsupportedValue, in)
		}
		return ValueOf(dv)
	}

	rv := reflect.ValueOf(in)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return Null(), nil
		}
		rv = rv.Elem()
	}
	if rv.Type() == timeType {
		return Time(rv.Interface().(time.Time)), nil
	}
	if u, ok := rv.Interface().(uuid.UUID); ok {
		return UUID(u), nil
	}

	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > 1<<63-1 {
			return Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, u)
		}
		return Int(int64(u)), nil
	case reflect.String:
		return Text(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			reflect.Copy(reflect.ValueOf(buf), rv)
			return Text(string(buf)), nil
		}
		out := make([]int64, rv.Len())
		for i := range out {
			el, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, err
			}
			if el.kind != KindInt {
				return Value{}, fmt.Errorf("%w: element %d of %s is %s, want int", ErrUnsupportedValue, i, rv.Type(), el.kind)
			}
			out[i] = el.i
		}
		return Value{kind: KindIntList, list: out}, nil
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, in)
}

// joinInts renders ints as "1,2,3".
func joinInts(ints []int64) string {
	var b strings.Builder
	for i, n := range ints {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(n, 10))
	}
	return b.String()
}
