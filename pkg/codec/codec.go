// Package codec maps flexible transaction payloads onto a storage record made
// of native fields plus one overflow field holding the remaining keys as
// canonical JSON.
package codec

import (
	"fmt"
	"maps"
	"sort"
	"unicode/utf8"
)

// Payload is the caller-facing key/value data of a transaction.
type Payload map[string]Value

// Record is a storage row: field name to value.
type Record map[string]Value

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return Payload{}
	}
	return maps.Clone(p)
}

// Equal reports whether p and o hold the same keys and values.
func (p Payload) Equal(o Payload) bool {
	return Map(p).Equal(Map(o))
}

// Keys returns the keys of p in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// PayloadOf converts a plain Go map into a Payload.
func PayloadOf(m map[string]any) (Payload, error) {
	p := make(Payload, len(m))
	for k, x := range m {
		v, err := ValueOf(x)
		if err != nil {
			return nil, nestKey(k, err)
		}
		p[k] = v
	}
	return p, nil
}

// FieldKind is the value kind a native field can hold.
type FieldKind int

const (
	// FieldAny accepts any scalar value.
	FieldAny FieldKind = iota
	FieldString
	FieldNumber
	FieldBool
)

// Field describes one native storage field.
type Field struct {
	Name string
	Kind FieldKind
}

// Accepts reports whether v can be stored in f without losing its kind.
// Nulls, maps and lists never go to a native field.
func (f Field) Accepts(v Value) bool {
	switch v.Kind() {
	case KindString:
		return f.Kind == FieldAny || f.Kind == FieldString
	case KindNumber:
		return f.Kind == FieldAny || f.Kind == FieldNumber
	case KindBool:
		return f.Kind == FieldAny || f.Kind == FieldBool
	default:
		return false
	}
}

// FieldNames returns the names of fields.
func FieldNames(fields []Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// Codec translates between payloads and records.
type Codec struct {
	// OverflowField is the record field that stores non-native keys.
	OverflowField string
}

// New creates a Codec that uses overflowField for non-native keys.
func New(overflowField string) *Codec {
	return &Codec{OverflowField: overflowField}
}

// Serialize copies keys matching a native field verbatim into the record and
// writes all remaining keys into the overflow field. The overflow field is
// omitted when every key found a native field.
func (c *Codec) Serialize(payload Payload, fields []Field) (Record, error) {
	native := make(map[string]Field, len(fields))
	for _, f := range fields {
		native[f.Name] = f
	}

	record := make(Record, len(payload)+1)
	overflow := make(map[string]Value)

	for key, v := range payload {
		if c.OverflowField != "" && key == c.OverflowField {
			return nil, &KeyError{Key: key, Err: ErrReservedKeyConflict}
		}
		if !utf8.ValidString(key) {
			return nil, &KeyError{Key: key, Err: fmt.Errorf("%w: key is not valid UTF-8", ErrUnsupportedValueType)}
		}
		if err := validate(v); err != nil {
			return nil, nestKey(key, err)
		}
		if f, ok := native[key]; ok && f.Accepts(v) {
			record[key] = v
			continue
		}
		if c.OverflowField == "" {
			return nil, &KeyError{Key: key, Err: ErrNoOverflowField}
		}
		overflow[key] = v
	}

	if len(overflow) > 0 {
		data, err := Map(overflow).MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("failed to encode overflow field %q: %w", c.OverflowField, err)
		}
		record[c.OverflowField] = String(string(data))
	}

	return record, nil
}

// Unserialize maps native fields back to their keys and merges the decoded
// overflow field. Native nulls are treated as absent. When the overflow field
// cannot be decoded the payload built from the other fields is returned
// together with an error wrapping ErrCorruptPayload.
func (c *Codec) Unserialize(record Record) (Payload, error) {
	payload := make(Payload, len(record))
	for key, v := range record {
		if key == c.OverflowField || v.IsNull() {
			continue
		}
		payload[key] = v
	}

	raw, ok := record[c.OverflowField]
	if c.OverflowField == "" || !ok || raw.IsNull() {
		return payload, nil
	}

	s, isString := raw.AsString()
	if !isString {
		return payload, &KeyError{Key: c.OverflowField, Err: fmt.Errorf("%w: overflow field holds %s", ErrCorruptPayload, raw.Kind())}
	}
	if s == "" {
		return payload, nil
	}

	var decoded Value
	if err := decoded.UnmarshalJSON([]byte(s)); err != nil {
		return payload, &KeyError{Key: c.OverflowField, Err: fmt.Errorf("%w: %v", ErrCorruptPayload, err)}
	}
	m, isMap := decoded.AsMap()
	if !isMap {
		return payload, &KeyError{Key: c.OverflowField, Err: fmt.Errorf("%w: overflow is a %s, not a map", ErrCorruptPayload, decoded.Kind())}
	}
	for k, v := range m {
		payload[k] = v
	}

	return payload, nil
}

// validate rejects values that cannot be encoded. Strings and map keys must
// be valid UTF-8, as JSON would replace invalid bytes.
func validate(v Value) error {
	switch v.Kind() {
	case KindNull, KindNumber, KindBool:
		return nil
	case KindString:
		if s, _ := v.AsString(); !utf8.ValidString(s) {
			return fmt.Errorf("%w: string is not valid UTF-8", ErrUnsupportedValueType)
		}
		return nil
	case KindMap:
		m, _ := v.AsMap()
		for k, e := range m {
			if !utf8.ValidString(k) {
				return &KeyError{Key: k, Err: fmt.Errorf("%w: key is not valid UTF-8", ErrUnsupportedValueType)}
			}
			if err := validate(e); err != nil {
				return nestKey(k, err)
			}
		}
		return nil
	case KindList:
		l, _ := v.AsList()
		for i, e := range l {
			if err := validate(e); err != nil {
				return nestKey(fmt.Sprintf("[%d]", i), err)
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedValueType, v.Kind())
}
