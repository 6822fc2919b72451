package codec

import (
	"math"
	"math/big"
	"testing"
	"time"
)

func TestEncodeDate(t *testing.T) {
	ts := time.UnixMilli(1700000000000).UTC()
	got, err := Encode(ts)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	m, ok := got.(map[string]any)
	if !ok {
		t.Fatalf("Encode(time.Time) = %T, want map[string]any", got)
	}
	if m["$date"] != int64(1700000000000) {
		t.Errorf("$date = %v, want 1700000000000", m["$date"])
	}
}

func TestDecodeDate(t *testing.T) {
	got, err := Decode(map[string]any{"$date": float64(1700000000000)})
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	ts, ok := got.(time.Time)
	if !ok {
		t.Fatalf("Decode($date) = %T, want time.Time", got)
	}
	if ts.UnixMilli() != 1700000000000 {
		t.Errorf("UnixMilli() = %d, want 1700000000000", ts.UnixMilli())
	}
}

func TestEncodeDecodeInfNaN(t *testing.T) {
	cases := []float64{math.Inf(1), math.Inf(-1), math.NaN()}
	for _, f := range cases {
		encoded, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode(%v) error: %v", f, err)
		}
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%v) error: %v", encoded, err)
		}
		got, ok := decoded.(float64)
		if !ok {
			t.Fatalf("Decode result = %T, want float64", decoded)
		}
		if math.IsNaN(f) {
			if !math.IsNaN(got) {
				t.Errorf("got %v, want NaN", got)
			}
			continue
		}
		if got != f {
			t.Errorf("got %v, want %v", got, f)
		}
	}
}

func TestEncodeFiniteFloatPassesThrough(t *testing.T) {
	got, err := Encode(3.25)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	if got != 3.25 {
		t.Errorf("Encode(3.25) = %v, want 3.25 (no $InfNaN wrapping)", got)
	}
}

func TestEncodeDecodeRegexp(t *testing.T) {
	re := Regexp{Pattern: "^foo.*bar$", Flags: "i"}
	encoded, err := Encode(re)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, ok := decoded.(Regexp)
	if !ok {
		t.Fatalf("Decode result = %T, want Regexp", decoded)
	}
	if got.Pattern != re.Pattern || got.Flags != re.Flags {
		t.Errorf("got %+v, want %+v", got, re)
	}
}

func TestDecodeRegexpInvalidPattern(t *testing.T) {
	_, err := Decode(map[string]any{"$regexp": "(unterminated", "$flags": ""})
	if err == nil {
		t.Fatal("expected error decoding invalid regexp pattern")
	}
}

func TestEncodeDecodeBinary(t *testing.T) {
	data := Binary([]byte{0x01, 0x02, 0xff, 0x00})
	encoded, err := Encode(data)
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, ok := decoded.(Binary)
	if !ok {
		t.Fatalf("Decode result = %T, want Binary", decoded)
	}
	if string(got) != string(data) {
		t.Errorf("got %v, want %v", got, data)
	}
}

func TestDecodeBinaryInvalidBase64(t *testing.T) {
	_, err := Decode(map[string]any{"$binary": "not valid base64!!"})
	if err == nil {
		t.Fatal("expected error decoding invalid base64")
	}
}

func TestEncodeDecodeBigInt(t *testing.T) {
	n := new(big.Int)
	n.SetString("123456789012345678901234567890", 10)
	encoded, err := Encode(BigInt{n})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	got, ok := decoded.(BigInt)
	if !ok {
		t.Fatalf("Decode result = %T, want BigInt", decoded)
	}
	if got.String() != n.String() {
		t.Errorf("got %s, want %s", got.String(), n.String())
	}
}

func TestDecodeBigIntInvalid(t *testing.T) {
	_, err := Decode(map[string]any{"$bigint": "not-a-number"})
	if err == nil {
		t.Fatal("expected error decoding invalid bigint")
	}
}

func TestCustomTypeRoundTrip(t *testing.T) {
	type point struct{ X, Y int }

	r := NewRegistry()
	r.Register(TypeCodec{
		Name: "Point",
		Match: func(v any) bool {
			_, ok := v.(point)
			return ok
		},
		Encode: func(v any) (any, error) {
			p := v.(point)
			return map[string]any{"x": float64(p.X), "y": float64(p.Y)}, nil
		},
		Decode: func(plain any) (any, error) {
			m := plain.(map[string]any)
			return point{X: int(m["x"].(float64)), Y: int(m["y"].(float64))}, nil
		},
	})

	encoded, err := r.Encode(point{X: 3, Y: 4})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	m, ok := encoded.(map[string]any)
	if !ok || m["$type"] != "Point" {
		t.Fatalf("encoded = %v, want $type=Point wrapper", encoded)
	}

	decoded, err := r.Decode(encoded)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	p, ok := decoded.(point)
	if !ok || p.X != 3 || p.Y != 4 {
		t.Errorf("decoded = %v, want {3 4}", decoded)
	}
}

func TestDecodeUnregisteredTypeErrors(t *testing.T) {
	_, err := Decode(map[string]any{"$type": "Unknown", "$value": map[string]any{}})
	if err == nil {
		t.Fatal("expected error decoding unregistered $type")
	}
}

func TestCyclicMapDropsField(t *testing.T) {
	inner := map[string]any{"name": "leaf"}
	outer := map[string]any{"self": inner, "label": "root"}
	inner["parent"] = outer // cycle

	encoded, err := Encode(outer)
	if err != nil {
		t.Fatalf("Encode should not error on cycles, got: %v", err)
	}
	m, ok := encoded.(map[string]any)
	if !ok {
		t.Fatalf("encoded = %T, want map[string]any", encoded)
	}
	if m["label"] != "root" {
		t.Errorf("label = %v, want root", m["label"])
	}
	// The cyclic branch should be silently dropped, not cause a panic
	// or an overall encode failure.
	if _, present := m["self"]; !present {
		t.Error("expected non-cyclic sibling keys to survive even though self was dropped or partially encoded")
	}
}

func TestEncodeStructUsesJSONTags(t *testing.T) {
	type payload struct {
		ID      string `json:"id"`
		Skip    string `json:"-"`
		Omitted string `json:"omitted,omitempty"`
	}
	encoded, err := Encode(payload{ID: "abc", Skip: "hidden"})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	m, ok := encoded.(map[string]any)
	if !ok {
		t.Fatalf("encoded = %T, want map[string]any", encoded)
	}
	if m["id"] != "abc" {
		t.Errorf("id = %v, want abc", m["id"])
	}
	if _, present := m["Skip"]; present {
		t.Error("json:\"-\" field should not be encoded")
	}
	if _, present := m["omitted"]; present {
		t.Error("empty omitempty field should not be encoded")
	}
}

func TestCanonicalizeSortsKeys(t *testing.T) {
	tree, err := Encode(map[string]any{"b": 2.0, "a": 1.0, "c": map[string]any{"z": 1.0, "y": 2.0}})
	if err != nil {
		t.Fatalf("Encode error: %v", err)
	}
	canon := Canonicalize(tree)
	obj, ok := canon.(canonicalObject)
	if !ok {
		t.Fatalf("Canonicalize result = %T, want canonicalObject", canon)
	}
	if len(obj) != 3 || obj[0].Key != "a" || obj[1].Key != "b" || obj[2].Key != "c" {
		t.Errorf("keys not sorted: %+v", obj)
	}
	nested, ok := obj[2].Value.(canonicalObject)
	if !ok || nested[0].Key != "y" || nested[1].Key != "z" {
		t.Errorf("nested keys not sorted: %+v", obj[2].Value)
	}
}

func TestDecodePlainValuesPassThrough(t *testing.T) {
	in := map[string]any{"name": "foo", "count": float64(3), "tags": []any{"a", "b"}}
	got, err := Decode(in)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}
	m := got.(map[string]any)
	if m["name"] != "foo" || m["count"] != float64(3) {
		t.Errorf("plain decode altered values: %v", m)
	}
}
