package pipingbag

import (
	"database/sql"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// colKind classifies the strategy for decoding a result column into a struct field.
type colKind uint8

const (
	ckSink    colKind = iota // column is ignored
	ckScanner                // field implements sql.Scanner
	ckPtr                    // field is *T, nil on NULL
	ckValue                  // direct value field
)

const cacheSize = 4096 // Default size for the field-index and plan caches

var (
	scannerIface     = reflect.TypeOf((*sql.Scanner)(nil)).Elem()
	decodePlanCache  = newPlanCache(cacheSize)
	structIndexCache = newFieldCache(cacheSize)
)

// timeLayouts are tried in order when a text column is decoded into time.Time.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// decodeRow decodes one row into a value of rt.elemType().
//   - adaptive structs are filled column by column through a cached plan
//   - adaptive maps receive every column
//   - scalars take the first column only
func decodeRow(rt ReturnType, row Row) (reflect.Value, error) {
	out := reflect.New(rt.elemType()).Elem()

	if !rt.isAdaptive {
		if len(row.Values) == 0 {
			return out, fmt.Errorf("%w: scalar result requires at least 1 column", ErrDecode)
		}
		if err := assign(out, row.Values[0]); err != nil {
			return out, fmt.Errorf("column %q: %w", firstColumn(row), err)
		}
		return out, nil
	}

	dst := out
	if rt.isOptional {
		out.Set(reflect.New(rt.model))
		dst = out.Elem()
	}
	if rt.model == anyMapType {
		m := make(map[string]any, len(row.Columns))
		for i, c := range row.Columns {
			m[c] = normalizeBytes(row.Values[i])
		}
		dst.Set(reflect.ValueOf(m))
		return out, nil
	}
	if err := decodeStruct(row, dst); err != nil {
		return out, err
	}
	return out, nil
}

// decodeStruct fills dstStruct from row using a cached decodePlan.
func decodeStruct(row Row, dstStruct reflect.Value) error {
	plan, err := getDecodePlan(row.Columns, dstStruct.Type())
	if err != nil {
		return err
	}
	for i, col := range row.Columns {
		src := row.Values[i]
		switch plan.kinds[i] {
		case ckSink:
			continue
		case ckScanner:
			fv := fieldByIndexAlloc(dstStruct, plan.fPath[i])
			if err := fv.Addr().Interface().(sql.Scanner).Scan(src); err != nil {
				return fmt.Errorf("%w: column %q: %v", ErrDecode, col, err)
			}
		case ckPtr:
			if src == nil {
				continue
			}
			fv := fieldByIndexAlloc(dstStruct, plan.fPath[i])
			if err := assign(fv, src); err != nil {
				return fmt.Errorf("column %q: %w", col, err)
			}
		case ckValue:
			fv := fieldByIndexAlloc(dstStruct, plan.fPath[i])
			if err := assign(fv, src); err != nil {
				return fmt.Errorf("column %q: %w", col, err)
			}
		}
	}
	return nil
}

// assign stores the driver value src into dst, converting between the
// representations drivers commonly return ([]byte text, int64, float64,
// string timestamps) and the destination's kind.
func assign(dst reflect.Value, src any) error {
	if src == nil {
		switch dst.Kind() {
		case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice:
			dst.SetZero()
			return nil
		}
		if reflect.PointerTo(dst.Type()).Implements(scannerIface) {
			return dst.Addr().Interface().(sql.Scanner).Scan(nil)
		}
		return fmt.Errorf("%w: cannot store NULL in %s", ErrNullValue, dst.Type())
	}

	if dst.CanAddr() && reflect.PointerTo(dst.Type()).Implements(scannerIface) {
		if err := dst.Addr().Interface().(sql.Scanner).Scan(src); err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return nil
	}

	switch dst.Kind() {
	case reflect.Pointer:
		v := reflect.New(dst.Type().Elem())
		if err := assign(v.Elem(), src); err != nil {
			return err
		}
		dst.Set(v)
		return nil
	case reflect.Interface:
		sv := reflect.ValueOf(normalizeBytes(src))
		if !sv.Type().AssignableTo(dst.Type()) {
			return fmt.Errorf("%w: %T is not assignable to %s", ErrDecode, src, dst.Type())
		}
		dst.Set(sv)
		return nil
	}

	sv := reflect.ValueOf(src)
	if sv.Type().AssignableTo(dst.Type()) {
		if b, ok := src.([]byte); ok {
			src = append([]byte(nil), b...)
			sv = reflect.ValueOf(src)
		}
		dst.Set(sv)
		return nil
	}
	if dst.Type() == timeType {
		s, ok := asString(src)
		if !ok {
			return fmt.Errorf("%w: cannot decode %T into time.Time", ErrDecode, src)
		}
		t, err := parseTime(s)
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		switch v := src.(type) {
		case []byte:
			dst.SetString(string(v))
			return nil
		case string:
			dst.SetString(v)
			return nil
		case time.Time:
			dst.SetString(v.Format(time.RFC3339Nano))
			return nil
		}
		if sv.Kind() == reflect.Int64 || sv.Kind() == reflect.Float64 || sv.Kind() == reflect.Bool {
			dst.SetString(fmt.Sprint(src))
			return nil
		}
	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			if s, ok := src.(string); ok {
				dst.SetBytes([]byte(s))
				return nil
			}
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := asInt(src)
		if err != nil {
			return err
		}
		if dst.OverflowInt(n) {
			return fmt.Errorf("%w: %d overflows %s", ErrDecode, n, dst.Type())
		}
		dst.SetInt(n)
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := asInt(src)
		if err != nil {
			return err
		}
		if n < 0 || dst.OverflowUint(uint64(n)) {
			return fmt.Errorf("%w: %d overflows %s", ErrDecode, n, dst.Type())
		}
		dst.SetUint(uint64(n))
		return nil
	case reflect.Float32, reflect.Float64:
		f, err := asFloat(src)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
		return nil
	case reflect.Bool:
		b, err := asBool(src)
		if err != nil {
			return err
		}
		dst.SetBool(b)
		return nil
	}

	if sv.Kind() == dst.Kind() && sv.Type().ConvertibleTo(dst.Type()) {
		dst.Set(sv.Convert(dst.Type()))
		return nil
	}
	return fmt.Errorf("%w: cannot decode %T into %s", ErrDecode, src, dst.Type())
}

func asString(src any) (string, bool) {
	switch v := src.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	}
	return "", false
}

func asInt(src any) (int64, error) {
	switch v := src.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("%w: %v is not an integer", ErrDecode, v)
		}
		return int64(v), nil
	}
	if s, ok := asString(src); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: cannot decode %T as integer", ErrDecode, src)
}

func asFloat(src any) (float64, error) {
	switch v := src.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	}
	if s, ok := asString(src); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return f, nil
	}
	return 0, fmt.Errorf("%w: cannot decode %T as float", ErrDecode, src)
}

func asBool(src any) (bool, error) {
	switch v := src.(type) {
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	}
	if s, ok := asString(src); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		return b, nil
	}
	return false, fmt.Errorf("%w: cannot decode %T as bool", ErrDecode, src)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognized timestamp %q", ErrDecode, s)
}

// normalizeBytes turns driver []byte text into string for untyped destinations.
func normalizeBytes(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func firstColumn(row Row) string {
	if len(row.Columns) == 0 {
		return ""
	}
	return row.Columns[0]
}

// fieldByIndexAlloc walks a struct by index path, allocating intermediate
// pointer nodes on the way (but NOT allocating the leaf pointer itself).
func fieldByIndexAlloc(root reflect.Value, path []int) reflect.Value {
	v := root
	for i, idx := range path {
		f := v.Field(idx)
		if i == len(path)-1 {
			return f
		}
		if f.Kind() == reflect.Pointer {
			if f.IsNil() {
				f.Set(reflect.New(f.Type().Elem()))
			}
			v = f.Elem()
		} else {
			v = f
		}
	}
	return v
}

// buildDecodePlan builds an immutable decodePlan describing how each result
// column is stored into the destination struct type dstT.
func buildDecodePlan(cols []string, dstT reflect.Type) (*decodePlan, error) {
	fmap := fieldIndexMap(dstT)

	p := &decodePlan{
		kinds: make([]colKind, len(cols)),
		fPath: make([][]int, len(cols)),
	}

	for i, col := range cols {
		fi, ok := fmap[col]
		if !ok {
			p.kinds[i] = ckSink
			continue
		}
		if fi.ambiguous {
			return nil, fmt.Errorf("%w: %q", ErrFieldAmbiguous, col)
		}

		ft := dstT.FieldByIndex(fi.index).Type
		p.fPath[i] = fi.index
		switch {
		case reflect.PointerTo(ft).Implements(scannerIface):
			p.kinds[i] = ckScanner
		case ft.Kind() == reflect.Pointer:
			p.kinds[i] = ckPtr
		default:
			p.kinds[i] = ckValue
		}
	}
	return p, nil
}

// fieldIndexMap returns a mapping from column name → fieldInfo for the given type.
// It flattens nested structs (excluding time.Time), honors `db:"name"` tags,
// and skips `db:"-"` fields. The result is cached in a two-tier cache.
func fieldIndexMap(t reflect.Type) map[string]fieldInfo {
	if m, ok := structIndexCache.get(t); ok {
		return m
	}

	base := t
	for base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	if base.Kind() != reflect.Struct {
		m := make(map[string]fieldInfo)
		structIndexCache.put(t, m)
		return m
	}

	m := make(map[string]fieldInfo, base.NumField())
	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		for rt.Kind() == reflect.Pointer {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if f.PkgPath != "" { // unexported
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			name := f.Name
			if tag != "" {
				if n, _, _ := strings.Cut(tag, ","); n != "" {
					name = n
				}
			}

			if shouldFlatten(f.Type) {
				walk(f.Type, appendIndex(path, i))
				continue
			}

			if _, exists := m[name]; exists {
				m[name] = fieldInfo{ambiguous: true}
				continue
			}
			m[name] = fieldInfo{index: appendIndex(path, i)}
		}
	}

	walk(base, nil)
	structIndexCache.put(t, m)
	return m
}

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	tt := ft
	if tt.Kind() == reflect.Pointer {
		tt = tt.Elem()
	}
	return tt.Kind() == reflect.Struct && tt != timeType
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// --------------------------------
// Cache
// --------------------------------

// fieldInfo describes a leaf field by its full index path.
type fieldInfo struct {
	index     []int
	ambiguous bool // true if multiple fields with same name found
}

// decodePlan describes how to map each result column to a struct field (immutable).
type decodePlan struct {
	kinds []colKind
	fPath [][]int
}

// planKey identifies a decodePlan by destination struct type and the column signature.
type planKey struct {
	dstType reflect.Type
	sig     string
}

// twoTier is a two-generation map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type twoTier[K comparable, V any] struct {
	mu   sync.RWMutex
	curr map[K]V
	prev map[K]V
	max  int
}

type (
	planCache  = twoTier[planKey, *decodePlan]
	fieldCache = twoTier[reflect.Type, map[string]fieldInfo]
)

func newTwoTier[K comparable, V any](max int) *twoTier[K, V] {
	if max <= 0 {
		max = cacheSize
	}
	return &twoTier[K, V]{
		curr: make(map[K]V, max/2),
		prev: make(map[K]V),
		max:  max,
	}
}

func newPlanCache(max int) *planCache    { return newTwoTier[planKey, *decodePlan](max) }
func newFieldCache(max int) *fieldCache { return newTwoTier[reflect.Type, map[string]fieldInfo](max) }

// get returns the cached value for k, promoting it from the previous generation.
func (c *twoTier[K, V]) get(k K) (V, bool) {
	c.mu.RLock()
	if v, ok := c.curr[k]; ok {
		c.mu.RUnlock()
		return v, true
	}
	if v, ok := c.prev[k]; ok {
		c.mu.RUnlock()
		c.put(k, v)
		return v, true
	}
	c.mu.RUnlock()
	var zero V
	return zero, false
}

// put stores v for k, rotating generations if needed.
func (c *twoTier[K, V]) put(k K, v V) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[K]V, c.max/2)
	}
	c.curr[k] = v
	c.mu.Unlock()
}

// columnsSignature returns a stable signature string for an ordered list of column names.
func columnsSignature(cols []string) string {
	const sep = "\x1f" // unit separator; unlikely to appear in column names
	return strings.Join(cols, sep)
}

// getDecodePlan returns a cached decodePlan for (dst struct type, cols), or builds and caches it.
func getDecodePlan(cols []string, dstT reflect.Type) (*decodePlan, error) {
	for dstT.Kind() == reflect.Pointer {
		dstT = dstT.Elem()
	}
	key := planKey{dstType: dstT, sig: columnsSignature(cols)}
	if p, ok := decodePlanCache.get(key); ok {
		return p, nil
	}
	p, err := buildDecodePlan(cols, dstT)
	if err != nil {
		return nil, err
	}
	decodePlanCache.put(key, p)
	return p, nil
}
