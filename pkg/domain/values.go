package domain

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
	"time"
)

// TimeLayout is the fixed-width layout used for time values in rows so that
// lexical and chronological ordering agree.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Row maps column names to values.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// NormalizeValue folds the representations a value can take across bean fields,
// in-memory rows and decoded JSON payloads into one comparable form:
// integers to int64, integral floats to int64, times to UTC TimeLayout strings.
func NormalizeValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC().Format(TimeLayout)
	case []byte:
		return string(x)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint())
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case reflect.String:
		return rv.String()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return NormalizeValue(rv.Elem().Interface())
	}
	return v
}

// ValuesEqual compares two values after normalization.
func ValuesEqual(a, b any) bool {
	na, nb := NormalizeValue(a), NormalizeValue(b)
	if c, ok := compareNormalized(na, nb); ok {
		return c == 0
	}
	return reflect.DeepEqual(na, nb)
}

// CompareValues orders two values. The boolean is false when the values are not
// mutually orderable (different kinds, or non-scalar values).
func CompareValues(a, b any) (int, bool) {
	return compareNormalized(NormalizeValue(a), NormalizeValue(b))
}

func compareNormalized(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y), true
		case float64:
			return cmpOrdered(float64(x), y), true
		}
	case float64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, float64(y)), true
		case float64:
			return cmpOrdered(x, y), true
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), true
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, true
			case !x:
				return -1, true
			default:
				return 1, true
			}
		}
	}
	return 0, false
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
