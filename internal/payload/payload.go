// Package payload models the ad-hoc JSON trees that upstream RPC calls
// carry. Values are a tagged union over {null, bool, int, float, string,
// list, map}; the canonical encoding (sorted map keys, normalized numeric
// widths) is what cache keys are derived from, so two payloads that differ
// only in key order or in "5" vs "5.0" hash identically.
package payload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindList
	KindMap
)

// Value is one node of a payload tree.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	l    []Value
	m    map[string]Value
}

// Null is the zero Value.
var Null = Value{kind: KindNull}

func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Int(v int64) Value     { return Value{kind: KindInt, i: v} }
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }
func List(v ...Value) Value { return Value{kind: KindList, l: v} }
func Map(v map[string]Value) Value {
	if v == nil {
		v = map[string]Value{}
	}
	return Value{kind: KindMap, m: v}
}

// Parse decodes raw JSON into a Value tree. Numbers keep their width:
// anything without a fraction or exponent that fits int64 becomes an int.
func Parse(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return Null, fmt.Errorf("parse payload: %w", err)
	}
	if dec.More() {
		return Null, fmt.Errorf("parse payload: trailing data")
	}
	return fromInterface(v)
}

func fromInterface(v interface{}) (Value, error) {
	switch t := v.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return fromNumber(t), nil
	case []interface{}:
		list := make([]Value, len(t))
		for i, e := range t {
			c, err := fromInterface(e)
			if err != nil {
				return Null, err
			}
			list[i] = c
		}
		return Value{kind: KindList, l: list}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			c, err := fromInterface(e)
			if err != nil {
				return Null, err
			}
			m[k] = c
		}
		return Value{kind: KindMap, m: m}, nil
	default:
		return Null, fmt.Errorf("unsupported payload value %T", v)
	}
}

func fromNumber(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return Int(i)
		}
	}
	f, _ := n.Float64()
	return Float(f)
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Get looks up a key on a map value.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Null, false
	}
	c, ok := v.m[key]
	return c, ok
}

// StringVal returns the string variant.
func (v Value) StringVal() (string, bool) {
	return v.s, v.kind == KindString
}

// IntVal returns the int variant; an integral float also qualifies.
func (v Value) IntVal() (int64, bool) {
	switch v.kind {
	case KindInt:
		return v.i, true
	case KindFloat:
		if v.f == float64(int64(v.f)) {
			return int64(v.f), true
		}
	}
	return 0, false
}

// BoolVal returns the bool variant.
func (v Value) BoolVal() (bool, bool) {
	return v.b, v.kind == KindBool
}

// ListVal returns the list variant.
func (v Value) ListVal() ([]Value, bool) {
	if v.kind != KindList {
		return nil, false
	}
	return v.l, true
}

// Len returns the element count for lists and maps, 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindList:
		return len(v.l)
	case KindMap:
		return len(v.m)
	}
	return 0
}

// Interface converts back to plain Go values for JSON encoding.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.l))
		for i, e := range v.l {
			out[i] = e.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON encodes the value as ordinary JSON (insertion-order maps;
// use Canonical for hashing).
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// Canonical writes the stable form: map keys sorted, integral floats
// collapsed to integers, floats in shortest round-trip notation.
func (v Value) Canonical() []byte {
	var buf bytes.Buffer
	v.writeCanonical(&buf)
	return buf.Bytes()
}

func (v Value) writeCanonical(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindInt:
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if v.f == float64(int64(v.f)) {
			buf.WriteString(strconv.FormatInt(int64(v.f), 10))
		} else {
			buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
		}
	case KindString:
		b, _ := json.Marshal(v.s)
		buf.Write(b)
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.l {
			if i > 0 {
				buf.WriteByte(',')
			}
			e.writeCanonical(buf)
		}
		buf.WriteByte(']')
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			buf.Write(kb)
			buf.WriteByte(':')
			v.m[k].writeCanonical(buf)
		}
		buf.WriteByte('}')
	}
}

// Digest derives the cache-key fingerprint for (tenant, op, model, payload).
func Digest(tenantID, op, model string, p Value) string {
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write(p.Canonical())
	return hex.EncodeToString(h.Sum(nil))
}
