package codec

import (
	"fmt"
	"reflect"
	"strings"
)

// encodeReflective handles any Go value not matched by the concrete
// type switch in encodeValue: structs, typed slices/maps, pointers,
// and named scalar kinds. visited tracks struct/slice/map addresses
// already on the current encode path so cycles are detected and the
// cyclic field is silently dropped instead of recursing forever.
func encodeReflective(r *Registry, v any, visited map[uintptr]bool) (any, error) {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil, nil
	}

	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return nil, fmt.Errorf("codec: cyclic reference")
		}
		visited[addr] = true
		defer delete(visited, addr)
		return r.encodeValue(rv.Elem().Interface(), visited)

	case reflect.Struct:
		addr := structAddr(rv)
		if addr != 0 {
			if visited[addr] {
				return nil, fmt.Errorf("codec: cyclic reference")
			}
			visited[addr] = true
			defer delete(visited, addr)
		}
		return encodeStruct(r, rv, visited)

	case reflect.Map:
		if rv.IsNil() {
			return nil, nil
		}
		addr := rv.Pointer()
		if visited[addr] {
			return nil, fmt.Errorf("codec: cyclic reference")
		}
		visited[addr] = true
		defer delete(visited, addr)

		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			encoded, err := r.encodeValue(iter.Value().Interface(), visited)
			if err != nil {
				continue
			}
			out[key] = encoded
		}
		return out, nil

	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Kind() == reflect.Slice {
			addr := rv.Pointer()
			if visited[addr] {
				return nil, fmt.Errorf("codec: cyclic reference")
			}
			visited[addr] = true
			defer delete(visited, addr)
		}
		out := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			encoded, err := r.encodeValue(rv.Index(i).Interface(), visited)
			if err != nil {
				continue
			}
			out = append(out, encoded)
		}
		return out, nil

	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return encodeFloat(rv.Float()), nil
	default:
		return nil, fmt.Errorf("codec: cannot encode kind %s", rv.Kind())
	}
}

// structAddr returns a stable address for cycle detection when rv is
// addressable, or 0 when it is a plain value (value structs cannot
// participate in a cycle since they are always copies).
func structAddr(rv reflect.Value) uintptr {
	if rv.CanAddr() {
		return rv.UnsafeAddr()
	}
	return 0
}

func encodeStruct(r *Registry, rv reflect.Value, visited map[uintptr]bool) (any, error) {
	t := rv.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if field.PkgPath != "" {
			continue // unexported
		}
		tag := field.Tag.Get("json")
		name := field.Name
		omitempty := false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, p := range parts[1:] {
				if p == "omitempty" {
					omitempty = true
				}
			}
		}
		fv := rv.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		encoded, err := r.encodeValue(fv.Interface(), visited)
		if err != nil {
			continue
		}
		out[name] = encoded
	}
	return out, nil
}
