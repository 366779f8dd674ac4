package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"

	"github.com/shopspring/decimal"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindMap
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindMap:
		return "map"
	case KindList:
		return "list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is a payload value: null, string, number, bool, nested map or list.
// The zero Value is null.
type Value struct {
	kind Kind
	str  string
	num  decimal.Decimal
	b    bool
	m    map[string]Value
	l    []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric value.
func Number(d decimal.Decimal) Value { return Value{kind: KindNumber, num: d} }

// Int returns a numeric value holding i.
func Int(i int64) Value { return Number(decimal.NewFromInt(i)) }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map returns a nested map value. The map is not copied.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// List returns a list value. The slice is not copied.
func List(l []Value) Value {
	if l == nil {
		l = []Value{}
	}
	return Value{kind: KindList, l: l}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsScalar reports whether v is a string, number or bool.
func (v Value) IsScalar() bool {
	return v.kind == KindString || v.kind == KindNumber || v.kind == KindBool
}

func (v Value) AsString() (string, bool)          { return v.str, v.kind == KindString }
func (v Value) AsNumber() (decimal.Decimal, bool) { return v.num, v.kind == KindNumber }
func (v Value) AsBool() (bool, bool)              { return v.b, v.kind == KindBool }
func (v Value) AsMap() (map[string]Value, bool)   { return v.m, v.kind == KindMap }
func (v Value) AsList() ([]Value, bool)           { return v.l, v.kind == KindList }

// AsInt64 returns the integer held by a numeric value.
// It fails for non-numbers and for numbers with a fractional part or out of range.
func (v Value) AsInt64() (int64, bool) {
	if v.kind != KindNumber || !v.num.IsInteger() {
		return 0, false
	}
	bi := v.num.BigInt()
	if !bi.IsInt64() {
		return 0, false
	}
	return bi.Int64(), true
}

// Interface converts v back to plain Go values: nil, string, decimal.Decimal,
// bool, map[string]any or []any.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Interface()
		}
		return out
	case KindList:
		out := make([]any, len(v.l))
		for i, e := range v.l {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether v and o hold the same variant and content.
// Numbers compare by value, so 1.50 equals 1.5.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num.Equal(o.num)
	case KindBool:
		return v.b == o.b
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	case KindList:
		if len(v.l) != len(o.l) {
			return false
		}
		for i := range v.l {
			if !v.l[i].Equal(o.l[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders v as canonical JSON.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<%s>", v.kind)
	}
	return string(data)
}

// MarshalJSON encodes v as canonical JSON: map keys are sorted and numbers
// are written as exact decimal literals.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindString:
		data, err := json.Marshal(v.str)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindNumber:
		buf.WriteString(v.num.String())
	case KindBool:
		if v.b {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
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
			key, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(key)
			buf.WriteByte(':')
			if err := v.m[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case KindList:
		buf.WriteByte('[')
		for i, e := range v.l {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedValueType, v.kind)
	}
	return nil
}

// UnmarshalJSON decodes any JSON document into v. Numbers keep their exact
// decimal representation.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}

	decoded, err := fromJSON(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromJSON(raw any) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null(), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return Number(d), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := fromJSON(e)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Map(m), nil
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			ev, err := fromJSON(e)
			if err != nil {
				return Value{}, err
			}
			l[i] = ev
		}
		return List(l), nil
	default:
		return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValueType, raw)
	}
}

// ValueOf converts a plain Go value into a Value. Supported inputs are nil,
// Value, strings, booleans, integers, finite floats, decimal.Decimal,
// json.Number, maps with string keys and slices or arrays of supported values.
func ValueOf(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint8:
		return fromUint(uint64(t)), nil
	case uint16:
		return fromUint(uint64(t)), nil
	case uint32:
		return fromUint(uint64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return fromFloat(float64(t))
	case float64:
		return fromFloat(t)
	case decimal.Decimal:
		return Number(t), nil
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid number %q", ErrUnsupportedValueType, t)
		}
		return Number(d), nil
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, nestKey(k, err)
			}
			m[k] = ev
		}
		return Map(m), nil
	case []any:
		l := make([]Value, len(t))
		for i, e := range t {
			ev, err := ValueOf(e)
			if err != nil {
				return Value{}, nestKey(fmt.Sprintf("[%d]", i), err)
			}
			l[i] = ev
		}
		return List(l), nil
	}
	return valueOfReflect(reflect.ValueOf(x))
}

func valueOfReflect(rv reflect.Value) (Value, error) {
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedValueType, rv.Type())
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			ev, err := ValueOf(iter.Value().Interface())
			if err != nil {
				return Value{}, nestKey(k, err)
			}
			m[k] = ev
		}
		return Map(m), nil
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedValueType, rv.Type())
		}
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return Null(), nil
		}
		l := make([]Value, rv.Len())
		for i := range l {
			ev, err := ValueOf(rv.Index(i).Interface())
			if err != nil {
				return Value{}, nestKey(fmt.Sprintf("[%d]", i), err)
			}
			l[i] = ev
		}
		return List(l), nil
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		return ValueOf(rv.Elem().Interface())
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return fromFloat(rv.Float())
	}
	return Value{}, fmt.Errorf("%w: %s", ErrUnsupportedValueType, rv.Type())
}

func fromUint(u uint64) Value {
	return Number(decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0))
}

func fromFloat(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, fmt.Errorf("%w: non-finite float %v", ErrUnsupportedValueType, f)
	}
	return Number(decimal.NewFromFloat(f)), nil
}
