// Package codec implements the extended-JSON wire format shared by
// every transport. It is a superset of JSON: values that plain JSON
// cannot represent (dates, regular expressions, binary blobs, big
// integers, non-finite numbers, and user-registered custom types) are
// encoded as small type-tagged objects and decoded back into their
// native Go representation.
package codec

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"time"
)

// ErrParse is returned when decode is given malformed input. Callers
// on the wire surface this as the PARSE_ERROR error code.
var ErrParse = errors.New("codec: parse error")

// Absent is a sentinel distinct from nil/null, returned when decoding
// a field whose wire value was the JSON literal produced for an
// undefined/absent Go value. Encoding never produces it; it only
// appears as a decode result.
type Absent struct{}

// Regexp is the extended-JSON representation of a regular expression:
// {"$regexp": pattern, "$flags": flags}. Flags follow the JavaScript
// convention (i, m, s, g, ...) but are carried as an opaque string —
// this package does not interpret them beyond round-tripping.
type Regexp struct {
	Pattern string
	Flags   string
}

// Binary is the extended-JSON representation of a byte blob, carried
// on the wire as base64 under {"$binary": "..."}.
type Binary []byte

// BigInt is the extended-JSON representation of an arbitrary-precision
// integer, carried on the wire as a decimal string under
// {"$bigint": "..."}.
type BigInt struct {
	*big.Int
}

// TypeCodec encodes and decodes a user-registered custom type. Encode
// converts a value of the registered Go type to a plain JSON-able
// value; Decode does the inverse. Name is the tag stored under
// "$type" on the wire.
type TypeCodec struct {
	Name   string
	Encode func(v any) (any, error)
	Decode func(plain any) (any, error)
	// Match reports whether v is an instance of the registered type.
	// Used during encoding to pick this codec out of the registry.
	Match func(v any) bool
}

// Registry holds user-registered custom type codecs plus canonical
// mode configuration. The zero value is ready to use.
type Registry struct {
	types []TypeCodec
}

// NewRegistry creates an empty codec registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a custom type codec. Registration order matters only
// in that the first matching codec wins during encoding.
func (r *Registry) Register(tc TypeCodec) {
	r.types = append(r.types, tc)
}

func (r *Registry) findByMatch(v any) *TypeCodec {
	if r == nil {
		return nil
	}
	for i := range r.types {
		if r.types[i].Match != nil && r.types[i].Match(v) {
			return &r.types[i]
		}
	}
	return nil
}

func (r *Registry) findByName(name string) *TypeCodec {
	if r == nil {
		return nil
	}
	for i := range r.types {
		if r.types[i].Name == name {
			return &r.types[i]
		}
	}
	return nil
}

// Encode converts v into a plain JSON-able tree (map[string]any,
// []any, and scalars) using the extended-JSON type tags. Circular
// references are dropped silently: the offending field is omitted
// rather than erroring, matching the design's tolerance for cycles.
func Encode(v any) (any, error) {
	return defaultRegistry.Encode(v)
}

// Encode is the registry-aware form of the package-level Encode,
// consulting any custom types registered on r.
func (r *Registry) Encode(v any) (any, error) {
	visited := make(map[uintptr]bool)
	return r.encodeValue(v, visited)
}

// Decode is the inverse of Encode: it takes a plain JSON-able tree
// (as produced by encoding/json.Unmarshal into `any`) and reconstructs
// extended-JSON type tags into their native Go representations.
func Decode(v any) (any, error) {
	return defaultRegistry.Decode(v)
}

// Decode is the registry-aware form of the package-level Decode.
func (r *Registry) Decode(v any) (any, error) {
	return r.decodeValue(v)
}

var defaultRegistry = NewRegistry()

// Register adds a custom type codec to the package-level default
// registry used by the package-level Encode/Decode functions.
func Register(tc TypeCodec) {
	defaultRegistry.Register(tc)
}

func (r *Registry) encodeValue(v any, visited map[uintptr]bool) (any, error) {
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case Absent:
		return nil, nil
	case time.Time:
		return map[string]any{"$date": tv.UnixMilli()}, nil
	case Regexp:
		return map[string]any{"$regexp": tv.Pattern, "$flags": tv.Flags}, nil
	case *Regexp:
		if tv == nil {
			return nil, nil
		}
		return map[string]any{"$regexp": tv.Pattern, "$flags": tv.Flags}, nil
	case Binary:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(tv)}, nil
	case []byte:
		return map[string]any{"$binary": base64.StdEncoding.EncodeToString(tv)}, nil
	case BigInt:
		if tv.Int == nil {
			return nil, nil
		}
		return map[string]any{"$bigint": tv.Int.String()}, nil
	case *big.Int:
		if tv == nil {
			return nil, nil
		}
		return map[string]any{"$bigint": tv.String()}, nil
	case float64:
		return encodeFloat(tv), nil
	case float32:
		return encodeFloat(float64(tv)), nil
	}

	if tc := r.findByMatch(v); tc != nil {
		plain, err := tc.Encode(v)
		if err != nil {
			return nil, err
		}
		encodedPlain, err := r.encodeValue(plain, visited)
		if err != nil {
			return nil, err
		}
		return map[string]any{"$type": tc.Name, "$value": encodedPlain}, nil
	}

	switch tv := v.(type) {
	case map[string]any:
		return r.encodeMap(tv, visited)
	case []any:
		return r.encodeSlice(tv, visited)
	}

	return encodeReflective(r, v, visited)
}

func encodeFloat(f float64) any {
	if math.IsNaN(f) {
		return map[string]any{"$InfNaN": 0}
	}
	if math.IsInf(f, 1) {
		return map[string]any{"$InfNaN": 1}
	}
	if math.IsInf(f, -1) {
		return map[string]any{"$InfNaN": -1}
	}
	return f
}

func (r *Registry) encodeMap(m map[string]any, visited map[uintptr]bool) (any, error) {
	if addr := reflect.ValueOf(m).Pointer(); addr != 0 {
		if visited[addr] {
			return nil, fmt.Errorf("codec: cyclic reference")
		}
		visited[addr] = true
		defer delete(visited, addr)
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		encoded, err := r.encodeValue(val, visited)
		if err != nil {
			// A cyclic reference (or any other encode failure) drops
			// the offending field rather than failing the whole encode.
			continue
		}
		out[k] = encoded
	}
	return out, nil
}

func (r *Registry) encodeSlice(s []any, visited map[uintptr]bool) (any, error) {
	if len(s) > 0 {
		addr := reflect.ValueOf(s).Pointer()
		if visited[addr] {
			return nil, fmt.Errorf("codec: cyclic reference")
		}
		visited[addr] = true
		defer delete(visited, addr)
	}
	out := make([]any, 0, len(s))
	for _, val := range s {
		encoded, err := r.encodeValue(val, visited)
		if err != nil {
			continue
		}
		out = append(out, encoded)
	}
	return out, nil
}

func (r *Registry) decodeValue(v any) (any, error) {
	switch tv := v.(type) {
	case map[string]any:
		if decoded, ok, err := r.decodeTagged(tv); ok {
			return decoded, err
		}
		out := make(map[string]any, len(tv))
		for k, val := range tv {
			d, err := r.decodeValue(val)
			if err != nil {
				return nil, err
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			d, err := r.decodeValue(val)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}

// decodeTagged checks whether m is one of the recognised type-tagged
// objects and, if so, decodes and returns it with ok=true.
func (r *Registry) decodeTagged(m map[string]any) (any, bool, error) {
	if ms, ok := m["$date"]; ok {
		f, err := asFloat(ms)
		if err != nil {
			return nil, true, fmt.Errorf("%w: $date: %v", ErrParse, err)
		}
		return time.UnixMilli(int64(f)).UTC(), true, nil
	}
	if infnan, ok := m["$InfNaN"]; ok {
		f, err := asFloat(infnan)
		if err != nil {
			return nil, true, fmt.Errorf("%w: $InfNaN: %v", ErrParse, err)
		}
		switch {
		case f > 0:
			return math.Inf(1), true, nil
		case f < 0:
			return math.Inf(-1), true, nil
		default:
			return math.NaN(), true, nil
		}
	}
	if pattern, ok := m["$regexp"]; ok {
		ps, _ := pattern.(string)
		flags, _ := m["$flags"].(string)
		if _, err := regexp.Compile(ps); err != nil {
			return nil, true, fmt.Errorf("%w: $regexp: %v", ErrParse, err)
		}
		return Regexp{Pattern: ps, Flags: flags}, true, nil
	}
	if b64, ok := m["$binary"]; ok {
		s, _ := b64.(string)
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, true, fmt.Errorf("%w: $binary: %v", ErrParse, err)
		}
		return Binary(data), true, nil
	}
	if dec, ok := m["$bigint"]; ok {
		s, _ := dec.(string)
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, true, fmt.Errorf("%w: $bigint: invalid integer %q", ErrParse, s)
		}
		return BigInt{n}, true, nil
	}
	if name, ok := m["$type"]; ok {
		typeName, _ := name.(string)
		tc := r.findByName(typeName)
		if tc == nil {
			return nil, true, fmt.Errorf("%w: unregistered $type %q", ErrParse, typeName)
		}
		plain, err := r.decodeValue(m["$value"])
		if err != nil {
			return nil, true, err
		}
		v, err := tc.Decode(plain)
		return v, true, err
	}
	return nil, false, nil
}

func asFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("not a number: %T", v)
}

// Canonicalize sorts every object's keys lexicographically, recursively,
// returning a tree suitable for deterministic re-encoding (method
// cache keys, canonical testing). It operates on the plain tree
// produced by Encode, not on raw Go values.
func Canonicalize(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(tv))
		for k := range tv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(canonicalObject, 0, len(tv))
		for _, k := range keys {
			out = append(out, canonicalField{Key: k, Value: Canonicalize(tv[k])})
		}
		return out
	case []any:
		out := make([]any, len(tv))
		for i, val := range tv {
			out[i] = Canonicalize(val)
		}
		return out
	default:
		return v
	}
}

// canonicalObject is an ordered list of fields, used so Canonicalize's
// output has a stable, deterministic serialisation even though Go maps
// do not.
type canonicalObject []canonicalField

type canonicalField struct {
	Key   string
	Value any
}
