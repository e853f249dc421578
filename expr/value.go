package expr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

type Kind int

const (
	NullKind Kind = iota
	BoolKind
	NumberKind
	StringKind
	ArrayKind
	ObjectKind
)

func (kind Kind) String() string {
	switch kind {
	case NullKind:
		return "null"
	case BoolKind:
		return "bool"
	case NumberKind:
		return "number"
	case StringKind:
		return "string"
	case ArrayKind:
		return "array"
	case ObjectKind:
		return "object"
	default:
		return "unknown"
	}
}

// Value is a JSON-shaped value. Objects keep the insertion order of their keys.
type Value struct {
	kind   Kind
	b      bool
	n      float64
	s      string
	items  []Value
	keys   []string
	fields map[string]Value
}

// Field is one key/value pair of an object.
type Field struct {
	Key   string
	Value Value
}

func Null() Value { return Value{} }
func Bool(b bool) Value { return Value{kind: BoolKind, b: b} }
func Number(n float64) Value { return Value{kind: NumberKind, n: n} }
func String(s string) Value { return Value{kind: StringKind, s: s} }
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: ArrayKind, items: items}
}

// Object builds an object from fields. A repeated key keeps its first position
// and its last value.
func Object(fields ...Field) Value {
	value := Value{kind: ObjectKind, fields: make(map[string]Value, len(fields))}
	for _, field := range fields {
		if _, ok := value.fields[field.Key]; !ok {
			value.keys = append(value.keys, field.Key)
		}
		value.fields[field.Key] = field.Value
	}
	return value
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == NullKind }
func (v Value) AsBool() bool { return v.b }
func (v Value) AsNumber() float64 { return v.n }
func (v Value) AsString() string { return v.s }
func (v Value) Items() []Value { return v.items }
func (v Value) Keys() []string { return v.keys }

// Get returns the named field of an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != ObjectKind {
		return Null(), false
	}
	field, ok := v.fields[key]
	return field, ok
}

// Len returns the length of a string, array or object.
func (v Value) Len() int {
	switch v.kind {
	case StringKind:
		return len([]rune(v.s))
	case ArrayKind:
		return len(v.items)
	case ObjectKind:
		return len(v.keys)
	default:
		return 0
	}
}

// Truthy follows SQL-ish truthiness: null, false, 0 and "" are false.
func (v Value) Truthy() bool {
	switch v.kind {
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n != 0
	case StringKind:
		return v.s != ""
	case ArrayKind, ObjectKind:
		return true
	default:
		return false
	}
}

// Equal compares two values structurally. Object key order is ignored.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case NullKind:
		return true
	case BoolKind:
		return v.b == other.b
	case NumberKind:
		return v.n == other.n
	case StringKind:
		return v.s == other.s
	case ArrayKind:
		if len(v.items) != len(other.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(other.items[i]) {
				return false
			}
		}
		return true
	case ObjectKind:
		if len(v.keys) != len(other.keys) {
			return false
		}
		for key, field := range v.fields {
			otherField, ok := other.fields[key]
			if !ok || !field.Equal(otherField) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders numbers and strings. ok is false for other kinds or mixed kinds.
func (v Value) Compare(other Value) (int, bool) {
	if v.kind != other.kind {
		return 0, false
	}
	switch v.kind {
	case NumberKind:
		switch {
		case v.n < other.n:
			return -1, true
		case v.n > other.n:
			return 1, true
		default:
			return 0, true
		}
	case StringKind:
		return strings.Compare(v.s, other.s), true
	case BoolKind:
		switch {
		case v.b == other.b:
			return 0, true
		case !v.b:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// Text renders the value the way it appears when concatenated into a string.
func (v Value) Text() string {
	switch v.kind {
	case NullKind:
		return ""
	case BoolKind:
		return strconv.FormatBool(v.b)
	case NumberKind:
		return formatNumber(v.n)
	case StringKind:
		return v.s
	default:
		data, _ := v.MarshalJSON()
		return string(data)
	}
}

func (v Value) String() string {
	data, _ := v.MarshalJSON()
	return string(data)
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}

func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case NullKind:
		buf.WriteString("null")
	case BoolKind:
		buf.WriteString(strconv.FormatBool(v.b))
	case NumberKind:
		if math.IsNaN(v.n) || math.IsInf(v.n, 0) {
			return fmt.Errorf("cannot encode %v as JSON", v.n)
		}
		buf.WriteString(formatNumber(v.n))
	case StringKind:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case ArrayKind:
		buf.WriteByte('[')
		for i, item := range v.items {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := item.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case ObjectKind:
		buf.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			data, err := json.Marshal(key)
			if err != nil {
				return err
			}
			buf.Write(data)
			buf.WriteByte(':')
			if err := v.fields[key].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	}
	return nil
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromJSON decodes a JSON document, keeping object key order.
func FromJSON(data []byte) (Value, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	value, err := decodeValue(decoder)
	if err != nil {
		return Null(), err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return Null(), errors.New("unexpected data after JSON value")
	}
	return value, nil
}

func decodeValue(decoder *json.Decoder) (Value, error) {
	token, err := decoder.Token()
	if err != nil {
		return Null(), err
	}
	switch t := token.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Number(n), nil
	case string:
		return String(t), nil
	case json.Delim:
		switch t {
		case '[':
			items := []Value{}
			for decoder.More() {
				item, err := decodeValue(decoder)
				if err != nil {
					return Null(), err
				}
				items = append(items, item)
			}
			if _, err := decoder.Token(); err != nil {
				return Null(), err
			}
			return Array(items...), nil
		case '{':
			var fields []Field
			for decoder.More() {
				keyToken, err := decoder.Token()
				if err != nil {
					return Null(), err
				}
				key, ok := keyToken.(string)
				if !ok {
					return Null(), errors.New("expected object key")
				}
				field, err := decodeValue(decoder)
				if err != nil {
					return Null(), err
				}
				fields = append(fields, Field{Key: key, Value: field})
			}
			if _, err := decoder.Token(); err != nil {
				return Null(), err
			}
			return Object(fields...), nil
		}
	}
	return Null(), fmt.Errorf("unexpected JSON token %v", token)
}

// FromGo converts plain Go values (as produced by encoding/json or written by
// callers) into a Value. Map keys are sorted.
func FromGo(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case int:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case float32:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case json.Number:
		n, err := t.Float64()
		if err != nil {
			return Null(), err
		}
		return Number(n), nil
	case json.RawMessage:
		return FromJSON(t)
	case []byte:
		return String(string(t)), nil
	case []any:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			value, err := FromGo(item)
			if err != nil {
				return Null(), err
			}
			items = append(items, value)
		}
		return Array(items...), nil
	case []string:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			items = append(items, String(item))
		}
		return Array(items...), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for key := range t {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fields := make([]Field, 0, len(keys))
		for _, key := range keys {
			value, err := FromGo(t[key])
			if err != nil {
				return Null(), err
			}
			fields = append(fields, Field{Key: key, Value: value})
		}
		return Object(fields...), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", in)
	}
}

// ToGo converts a Value into plain Go values.
func (v Value) ToGo() any {
	switch v.kind {
	case BoolKind:
		return v.b
	case NumberKind:
		return v.n
	case StringKind:
		return v.s
	case ArrayKind:
		out := make([]any, len(v.items))
		for i, item := range v.items {
			out[i] = item.ToGo()
		}
		return out
	case ObjectKind:
		out := make(map[string]any, len(v.keys))
		for key, field := range v.fields {
			out[key] = field.ToGo()
		}
		return out
	default:
		return nil
	}
}
