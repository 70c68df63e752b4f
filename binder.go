package pipingbag

import (
	"fmt"
	"reflect"
)

// resolveValues flattens the Bind() inputs into one name → Value map.
// Resolution is "last one wins": later inputs override earlier ones.
func resolveValues(inputs []any) (map[string]Value, error) {
	out := make(map[string]Value)
	for _, in := range inputs {
		if err := collect(in, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// collect adds every name carried by a single Bind() input to out.
// Supports map-like, struct-like (flattened), and pointers/interfaces thereof.
func collect(in any, out map[string]Value) error {
	// FAST-PATH: map[string]any
	if m, ok := in.(map[string]any); ok {
		for k, raw := range m {
			if err := put(out, k, raw); err != nil {
				return err
			}
		}
		return nil
	}

	v := deIndirect(reflect.ValueOf(in))
	if !v.IsValid() || ((v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil()) {
		return nil
	}
	switch v.Kind() {
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("%w: Bind map key type %s", ErrUnsupportedValue, v.Type().Key())
		}
		iter := v.MapRange()
		for iter.Next() {
			if err := put(out, iter.Key().String(), iter.Value().Interface()); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for name, fi := range fieldIndexMap(v.Type()) {
			if fi.ambiguous {
				return fmt.Errorf("%w: %q", ErrFieldAmbiguous, name)
			}
			raw, _ := getValueByPathAny(v, fi.index)
			if err := put(out, name, raw); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: Bind input %T", ErrUnsupportedValue, in)
}

func put(out map[string]Value, name string, raw any) error {
	val, err := ValueOf(raw)
	if err != nil {
		return fmt.Errorf("parameter %q: %w", name, err)
	}
	out[name] = val
	return nil
}

// toValueRows converts positional batch rows.
func toValueRows(rows [][]any) ([][]Value, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	out := make([][]Value, len(rows))
	for r, row := range rows {
		vals := make([]Value, len(row))
		for i, raw := range row {
			v, err := ValueOf(raw)
			if err != nil {
				return nil, fmt.Errorf("data row %d, column %d: %w", r, i, err)
			}
			vals[i] = v
		}
		out[r] = vals
	}
	return out, nil
}

// rowsOf extracts cols from every element of a slice of structs or maps.
func rowsOf(rows any, cols []string) ([][]any, error) {
	v := deIndirect(reflect.ValueOf(rows))
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return nil, fmt.Errorf("%w: DataOf expects a slice, got %T", ErrUnsupportedValue, rows)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("pipingbag: DataOf requires at least one column")
	}
	out := make([][]any, v.Len())
	for r := 0; r < v.Len(); r++ {
		row := make([]any, len(cols))
		for i, col := range cols {
			val, ok := getColValue(v.Index(r).Interface(), col)
			if !ok {
				return nil, fmt.Errorf("pipingbag: column %q not found in DataOf record %d", col, r)
			}
			row[i] = val
		}
		out[r] = row
	}
	return out, nil
}

// getColValue extracts a value by column name from a row (struct/map, possibly wrapped).
// It returns (value, true) on success or (nil, false) if the column is missing/unsupported.
func getColValue(row any, col string) (any, bool) {
	// FAST-PATH: map[string]any
	if m, ok := row.(map[string]any); ok {
		v, ok := m[col]
		return v, ok
	}
	rv := deIndirect(reflect.ValueOf(row))
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Map:
		keyT := rv.Type().Key()
		key := reflect.ValueOf(col)
		if key.Type() != keyT {
			if !key.Type().ConvertibleTo(keyT) {
				return nil, false
			}
			key = key.Convert(keyT)
		}
		v := rv.MapIndex(key)
		if v.IsValid() {
			return v.Interface(), true
		}
		return nil, false
	case reflect.Struct:
		fi, ok := fieldIndexMap(rv.Type())[col]
		if !ok || fi.ambiguous {
			return nil, false
		}
		return getValueByPathAny(rv, fi.index)
	default:
		return nil, false
	}
}

// deIndirect unwraps interface and pointers until a concrete value (or nil).
func deIndirect(v reflect.Value) reflect.Value {
	for v.IsValid() && (v.Kind() == reflect.Interface || v.Kind() == reflect.Pointer) {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// getValueByPathAny extracts the value at the end of 'path' from 'root'.
// If a pointer along the path is nil, it returns (nil, true) to represent SQL NULL.
// Returns (value, true) on success, or (nil, false) on structural mismatch.
func getValueByPathAny(root reflect.Value, path []int) (any, bool) {
	v := root
	for i, idx := range path {
		for v.IsValid() && (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) {
			if v.IsNil() {
				return nil, true
			}
			v = v.Elem()
		}
		if !v.IsValid() || v.Kind() != reflect.Struct {
			return nil, false
		}
		v = v.Field(idx)
		if i == len(path)-1 {
			if (v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface) && v.IsNil() {
				return nil, true
			}
			return v.Interface(), true
		}
	}
	return nil, false
}
