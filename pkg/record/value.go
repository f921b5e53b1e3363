// Package record defines the typed data model shared by the store, the
// full-text layer, and the predicate engine.
//
// A Value holds exactly one of eight kinds (Null, Bool, Int, Float, String,
// Bytes, List, Map). Comparison is strict: values of different kinds never
// order against each other, and equality never coerces, so Int(3) is not
// equal to Float(3). An absent record attribute reads as Null.
//
// Example:
//
//	rec := record.Record{
//		"title": record.String("Hello World"),
//		"score": record.Int(42),
//	}
//	v := rec.Get("title")          // String value
//	_ = rec.Get("missing").IsNull() // true
package record

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Errors returned by value comparison and decoding.
var (
	ErrKindMismatch = errors.New("cannot compare values of different kinds")
	ErrUnordered    = errors.New("value kind has no ordering")
	ErrBadValue     = errors.New("malformed value")
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindBytes
	KindList
	KindMap
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "bytes", "list", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is an immutable tagged union. The zero Value is Null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	bs   []byte
	list []Value
	m    map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int wraps a 64-bit integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a 64-bit float.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes wraps a byte slice. The slice is not copied; callers must not
// mutate it afterwards.
func Bytes(p []byte) Value { return Value{kind: KindBytes, bs: p} }

// List wraps an ordered sequence of values.
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }

// Map wraps a nested string-keyed mapping.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean payload. ok is false when v is not a Bool.
func (v Value) AsBool() (b, ok bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer payload. ok is false when v is not an Int.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns the float payload. ok is false when v is not a Float.
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string payload. ok is false when v is not a String.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsBytes returns the byte payload. ok is false when v is not Bytes.
func (v Value) AsBytes() ([]byte, bool) { return v.bs, v.kind == KindBytes }

// AsList returns the list payload. ok is false when v is not a List.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// AsMap returns the map payload. ok is false when v is not a Map.
func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Equal reports strict per-kind equality. Values of different kinds are
// never equal; no numeric coercion is performed.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.bs, o.bs)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, mv := range v.m {
			ov, present := o.m[k]
			if !present || !mv.Equal(ov) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders v against o. It returns ErrKindMismatch when the kinds
// differ and ErrUnordered for kinds without an ordering (Null, Bool, List,
// Map). Ints, Floats, Strings and Bytes order naturally.
func (v Value) Compare(o Value) (int, error) {
	if v.kind != o.kind {
		return 0, fmt.Errorf("%w: %s vs %s", ErrKindMismatch, v.kind, o.kind)
	}
	switch v.kind {
	case KindInt:
		switch {
		case v.i < o.i:
			return -1, nil
		case v.i > o.i:
			return 1, nil
		}
		return 0, nil
	case KindFloat:
		switch {
		case v.f < o.f:
			return -1, nil
		case v.f > o.f:
			return 1, nil
		}
		return 0, nil
	case KindString:
		return strings.Compare(v.s, o.s), nil
	case KindBytes:
		return bytes.Compare(v.bs, o.bs), nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnordered, v.kind)
}

// BucketKey renders a canonical string for reverse-index equality buckets.
// Collisions only widen a candidate set; real matching re-checks Equal, so
// the encoding favors determinism over injectivity.
func (v Value) BucketKey() string {
	var sb strings.Builder
	v.writeBucketKey(&sb)
	return sb.String()
}

func (v Value) writeBucketKey(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("n")
	case KindBool:
		sb.WriteString("b:")
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		sb.WriteString("i:")
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		sb.WriteString("f:")
		sb.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindString:
		sb.WriteString("s:")
		sb.WriteString(v.s)
	case KindBytes:
		sb.WriteString("x:")
		sb.WriteString(base64.StdEncoding.EncodeToString(v.bs))
	case KindList:
		sb.WriteString("l:[")
		for i, e := range v.list {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.writeBucketKey(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("m:{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte('=')
			v.m[k].writeBucketKey(sb)
		}
		sb.WriteByte('}')
	}
}

// valueJSON is the wire shape: a kind tag plus a kind-specific payload.
type valueJSON struct {
	T string          `json:"t"`
	V json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON encodes the value in tagged form, e.g. {"t":"int","v":42}.
// The tagged form survives round trips without float/int confusion.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.kind {
	case KindNull:
		return json.Marshal(valueJSON{T: "null"})
	case KindBool:
		payload = v.b
	case KindInt:
		payload = v.i
	case KindFloat:
		payload = v.f
	case KindString:
		payload = v.s
	case KindBytes:
		payload = base64.StdEncoding.EncodeToString(v.bs)
	case KindList:
		payload = v.list
	case KindMap:
		payload = v.m
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(valueJSON{T: v.kind.String(), V: raw})
}

// UnmarshalJSON decodes the tagged form produced by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var wire valueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("%w: %v", ErrBadValue, err)
	}
	switch wire.T {
	case "null", "":
		*v = Null()
	case "bool":
		var b bool
		if err := json.Unmarshal(wire.V, &b); err != nil {
			return fmt.Errorf("%w: bool payload: %v", ErrBadValue, err)
		}
		*v = Bool(b)
	case "int":
		var n json.Number
		if err := json.Unmarshal(wire.V, &n); err != nil {
			return fmt.Errorf("%w: int payload: %v", ErrBadValue, err)
		}
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: int payload: %v", ErrBadValue, err)
		}
		*v = Int(i)
	case "float":
		var f float64
		if err := json.Unmarshal(wire.V, &f); err != nil {
			return fmt.Errorf("%w: float payload: %v", ErrBadValue, err)
		}
		*v = Float(f)
	case "string":
		var s string
		if err := json.Unmarshal(wire.V, &s); err != nil {
			return fmt.Errorf("%w: string payload: %v", ErrBadValue, err)
		}
		*v = String(s)
	case "bytes":
		var s string
		if err := json.Unmarshal(wire.V, &s); err != nil {
			return fmt.Errorf("%w: bytes payload: %v", ErrBadValue, err)
		}
		p, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("%w: bytes payload: %v", ErrBadValue, err)
		}
		*v = Bytes(p)
	case "list":
		var list []Value
		if err := json.Unmarshal(wire.V, &list); err != nil {
			return fmt.Errorf("%w: list payload: %v", ErrBadValue, err)
		}
		*v = List(list...)
	case "map":
		var m map[string]Value
		if err := json.Unmarshal(wire.V, &m); err != nil {
			return fmt.Errorf("%w: map payload: %v", ErrBadValue, err)
		}
		*v = Map(m)
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadValue, wire.T)
	}
	return nil
}
