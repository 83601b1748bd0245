package pageiterator

import (
	"reflect"
	"strings"
)

// fieldByPath walks a dot-separated field path on v, dereferencing pointers
// along the way. It returns the zero Value if any segment is missing.
func fieldByPath(v reflect.Value, path string) reflect.Value {
	for _, name := range strings.Split(path, ".") {
		for v.Kind() == reflect.Ptr {
			if v.IsNil() {
				return reflect.Value{}
			}
			v = v.Elem()
		}
		if v.Kind() != reflect.Struct {
			return reflect.Value{}
		}
		v = v.FieldByName(name)
		if !v.IsValid() {
			return reflect.Value{}
		}
	}
	return v
}

// getStringField reads a string field at path on v, returning "" if the
// field is absent or not a string.
func getStringField(v any, path string) string {
	if v == nil {
		return ""
	}
	f := fieldByPath(reflect.ValueOf(v), path)
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}

// getResourceField reads the resource field at path on v, returning it
// unmodified for further inspection (slice, map, or otherwise).
func getResourceField(v any, path string) reflect.Value {
	if v == nil {
		return reflect.Value{}
	}
	return fieldByPath(reflect.ValueOf(v), path)
}

// extractResources reads the resource field at path on resp and returns
// its elements as a flat slice. A slice/array field yields its elements
// directly; a map field yields one Entry{Key, Value} per pair, per spec
// §4.6. Any other kind (including a missing field) yields nil.
func extractResources(resp any, path string) []any {
	f := getResourceField(resp, path)
	if !f.IsValid() {
		return nil
	}
	switch f.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, f.Len())
		for i := 0; i < f.Len(); i++ {
			out[i] = f.Index(i).Interface()
		}
		return out
	case reflect.Map:
		out := make([]any, 0, f.Len())
		iter := f.MapRange()
		for iter.Next() {
			out = append(out, Entry{Key: iter.Key().Interface(), Value: iter.Value().Interface()})
		}
		return out
	default:
		return nil
	}
}

// withStringField returns a copy of original with the string field at path
// set to val. original may be a struct or a pointer to one; the returned
// value has the same shape. Only the top-level field name is supported for
// writes (the request shapes this engine targets put the page token at the
// top level), which keeps this a narrow reflection helper rather than a
// general object-path library.
func withStringField(original any, path string, val string) any {
	if original == nil {
		return original
	}
	rv := reflect.ValueOf(original)
	isPtr := rv.Kind() == reflect.Ptr

	var elem reflect.Value
	if isPtr {
		cp := reflect.New(rv.Type().Elem())
		if !rv.IsNil() {
			cp.Elem().Set(rv.Elem())
		}
		elem = cp.Elem()
	} else {
		cp := reflect.New(rv.Type()).Elem()
		cp.Set(rv)
		elem = cp
	}

	f := elem.FieldByName(path)
	if f.IsValid() && f.CanSet() && f.Kind() == reflect.String {
		f.SetString(val)
	}

	if isPtr {
		return elem.Addr().Interface()
	}
	return elem.Interface()
}
