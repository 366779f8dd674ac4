package codec

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testFields = []Field{
	{Name: "note", Kind: FieldString},
	{Name: "quantity", Kind: FieldNumber},
	{Name: "cleared", Kind: FieldBool},
	{Name: "anything", Kind: FieldAny},
}

func requirePayloadEqual(t *testing.T, want, got Payload) {
	t.Helper()
	require.Truef(t, want.Equal(got), "payload mismatch\nwant: %v\ngot:  %v", Map(want), Map(got))
}

func TestSerializeNativeAndOverflow(t *testing.T) {
	c := New("data")
	payload := Payload{
		"note":         String("rent"),
		"unknownField": String("x"),
	}

	record, err := c.Serialize(payload, testFields)
	require.NoError(t, err)

	assert.True(t, record["note"].Equal(String("rent")))
	_, hasUnknown := record["unknownField"]
	assert.False(t, hasUnknown, "unknown keys must not get a column of their own")

	overflow, ok := record["data"].AsString()
	require.True(t, ok)
	assert.Equal(t, `{"unknownField":"x"}`, overflow)

	decoded, err := c.Unserialize(record)
	require.NoError(t, err)
	requirePayloadEqual(t, payload, decoded)
}

func TestSerializeOmitsEmptyOverflow(t *testing.T) {
	c := New("data")

	record, err := c.Serialize(Payload{"note": String("salary")}, testFields)
	require.NoError(t, err)

	_, ok := record["data"]
	assert.False(t, ok)
	assert.Len(t, record, 1)
}

func TestSerializeRoutesByKind(t *testing.T) {
	c := New("data")

	tests := []struct {
		name       string
		key        string
		value      Value
		wantNative bool
	}{
		{"string in string field", "note", String("a"), true},
		{"number in string field", "note", Int(5), false},
		{"number in number field", "quantity", Number(decimal.RequireFromString("1.25")), true},
		{"bool in number field", "quantity", Bool(true), false},
		{"bool in bool field", "cleared", Bool(false), true},
		{"string in any field", "anything", String("z"), true},
		{"null in native field", "note", Null(), false},
		{"map in native field", "anything", Map(map[string]Value{"a": Int(1)}), false},
		{"list in native field", "anything", List([]Value{Int(1)}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := Payload{tt.key: tt.value}
			record, err := c.Serialize(payload, testFields)
			require.NoError(t, err)

			_, native := record[tt.key]
			assert.Equal(t, tt.wantNative, native)
			_, overflow := record["data"]
			assert.Equal(t, !tt.wantNative, overflow)

			decoded, err := c.Unserialize(record)
			require.NoError(t, err)
			requirePayloadEqual(t, payload, decoded)
		})
	}
}

func TestRoundTripLaw(t *testing.T) {
	c := New("data")

	payloads := []Payload{
		{},
		{"note": String("")},
		{"note": String("rent"), "memo": String("march")},
		{"quantity": Number(decimal.RequireFromString("-0.001")), "big": Number(decimal.RequireFromString("123456789012345678901234567890.5"))},
		{"cleared": Bool(true), "flag": Bool(false), "nothing": Null()},
		{"nested": Map(map[string]Value{
			"a": List([]Value{Int(1), String("two"), Null(), Map(nil)}),
			"b": Map(map[string]Value{"deep": Bool(true)}),
		})},
		{"unicode": String("家賃 <&> \"quoted\"")},
		{"empty_list": List(nil), "empty_map": Map(nil)},
	}

	for _, p := range payloads {
		record, err := c.Serialize(p, testFields)
		require.NoError(t, err)
		decoded, err := c.Unserialize(record)
		require.NoError(t, err)
		requirePayloadEqual(t, p, decoded)
	}
}

func TestSerializeIsDeterministic(t *testing.T) {
	c := New("data")
	payload := Payload{"z": Int(1), "a": Int(2), "m": Map(map[string]Value{"y": Null(), "b": String("c")})}

	first, err := c.Serialize(payload, nil)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := c.Serialize(payload, nil)
		require.NoError(t, err)
		assert.Equal(t, first["data"].String(), again["data"].String())
	}

	s, _ := first["data"].AsString()
	assert.Equal(t, `{"a":2,"m":{"b":"c","y":null},"z":1}`, s)
}

func TestSerializeRejectsOverflowKey(t *testing.T) {
	c := New("data")

	_, err := c.Serialize(Payload{"data": String("sneaky")}, testFields)
	require.ErrorIs(t, err, ErrReservedKeyConflict)

	var ke *KeyError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "data", ke.Key)
}

func TestSerializeWithoutOverflowField(t *testing.T) {
	c := New("")

	record, err := c.Serialize(Payload{"note": String("ok")}, testFields)
	require.NoError(t, err)
	assert.Len(t, record, 1)

	_, err = c.Serialize(Payload{"other": String("x")}, testFields)
	require.ErrorIs(t, err, ErrNoOverflowField)
}

func TestSerializeUnsupportedValue(t *testing.T) {
	c := New("data")

	tests := []struct {
		name    string
		payload Payload
		key     string
	}{
		{
			name:    "unknown kind",
			payload: Payload{"outer": Map(map[string]Value{"inner": {kind: Kind(99)}})},
			key:     "outer.inner",
		},
		{
			name:    "invalid utf-8 in overflow string",
			payload: Payload{"memo": String("caf\xe9")},
			key:     "memo",
		},
		{
			name:    "invalid utf-8 in native string",
			payload: Payload{"note": String("caf\xe9")},
			key:     "note",
		},
		{
			name:    "invalid utf-8 in nested string",
			payload: Payload{"tags": List([]Value{String("ok"), String("\xff")})},
			key:     "tags[1]",
		},
		{
			name:    "invalid utf-8 in map key",
			payload: Payload{"meta": Map(map[string]Value{"caf\xe9": Int(1)})},
			key:     "meta.caf\xe9",
		},
		{
			name:    "invalid utf-8 in payload key",
			payload: Payload{"caf\xe9": String("x")},
			key:     "caf\xe9",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Serialize(tt.payload, testFields)
			require.ErrorIs(t, err, ErrUnsupportedValueType)

			var ke *KeyError
			require.True(t, errors.As(err, &ke))
			assert.Equal(t, tt.key, ke.Key)
		})
	}
}

func TestUnserializeCorruptOverflow(t *testing.T) {
	c := New("data")

	tests := []struct {
		name     string
		overflow Value
	}{
		{"invalid json", String("{not json")},
		{"not an object", String("[1,2]")},
		{"trailing data", String(`{"a":1} {"b":2}`)},
		{"not a string", Int(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := Record{"note": String("kept"), "data": tt.overflow}

			payload, err := c.Unserialize(record)
			require.ErrorIs(t, err, ErrCorruptPayload)

			var ke *KeyError
			require.True(t, errors.As(err, &ke))
			assert.Equal(t, "data", ke.Key)

			requirePayloadEqual(t, Payload{"note": String("kept")}, payload)
		})
	}
}

func TestUnserializeSkipsNativeNullsAndEmptyOverflow(t *testing.T) {
	c := New("data")

	payload, err := c.Unserialize(Record{"note": Null(), "quantity": Int(3), "data": String("")})
	require.NoError(t, err)
	requirePayloadEqual(t, Payload{"quantity": Int(3)}, payload)
}

func TestPayloadOf(t *testing.T) {
	p, err := PayloadOf(map[string]any{
		"s":     "x",
		"i":     42,
		"f":     1.5,
		"b":     true,
		"n":     nil,
		"m":     map[string]string{"k": "v"},
		"l":     []int{1, 2},
		"u":     uint64(18446744073709551615),
		"inner": map[string]any{"ok": 1},
	})
	require.NoError(t, err)

	assert.True(t, p["i"].Equal(Int(42)))
	assert.True(t, p["f"].Equal(Number(decimal.RequireFromString("1.5"))))
	assert.True(t, p["n"].IsNull())
	assert.True(t, p["m"].Equal(Map(map[string]Value{"k": String("v")})))
	assert.True(t, p["l"].Equal(List([]Value{Int(1), Int(2)})))
	assert.Equal(t, "18446744073709551615", p["u"].String())

	_, err = PayloadOf(map[string]any{"inner": map[string]any{"ch": make(chan int)}})
	require.ErrorIs(t, err, ErrUnsupportedValueType)
	var ke *KeyError
	require.True(t, errors.As(err, &ke))
	assert.Equal(t, "inner.ch", ke.Key)
}
