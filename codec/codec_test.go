package codec

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTyped_RoundTrip(t *testing.T) {
	huge, _ := new(big.Int).SetString("18446744073709551615", 10)
	now := time.UnixMilli(time.Now().UnixMilli())

	tests := []struct {
		name  string
		value any
		flag  uint32
	}{
		{"string", "abc", FlagString},
		{"empty string", "", FlagString},
		{"boxed string", BoxedString("abc"), FlagBoxedString},
		{"bigint", huge, FlagBigInt},
		{"negative bigint", big.NewInt(-42), FlagBigInt},
		{"bytes", []byte{0, 1, 2, 255}, FlagBytes},
		{"date", now, FlagDate},
		{"float", 3.14, FlagObject},
		{"bool", true, FlagObject},
		{"null", nil, FlagObject},
		{"array", []any{1.0, 2.0, "a", "b"}, FlagObject},
		{"object", map[string]any{
			"int":   1.0,
			"float": 3.14,
			"big":   big.NewInt(1000),
			"bool":  true,
			"nul":   nil,
			"str":   "test",
			"Str":   BoxedString("abc"),
			"date":  now,
			"buff":  []byte("abc"),
			"arr":   []any{1.0, 2.0, "a", "b", now},
			"nested": map[string]any{
				"deep": []any{big.NewInt(7), BoxedString("x")},
			},
		}, FlagObject},
	}

	codec := Typed{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, flags, err := codec.Serialize(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.flag, flags)

			got, err := codec.Deserialize(data, flags)
			require.NoError(t, err)
			assert.Equal(t, tt.value, got)
		})
	}
}

func TestTyped_FlagsAreDistinct(t *testing.T) {
	all := []uint32{FlagString, FlagBigInt, FlagObject, FlagBytes, FlagDate, FlagBoxedString, FlagCompressed}
	seen := map[uint32]bool{}
	for _, f := range all {
		assert.False(t, seen[f])
		seen[f] = true
		for _, other := range all {
			if other != f {
				assert.Zero(t, f&other)
			}
		}
	}
}

func TestTyped_EnvelopeWireFormat(t *testing.T) {
	data, _, err := Typed{}.Serialize(map[string]any{"n": big.NewInt(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":{"t":"iomem:43571:36","d":"5"}}`, string(data))
}

func TestTyped_PlainObjectWithTKeyIsKept(t *testing.T) {
	value := map[string]any{"t": "something", "d": "else"}
	data, flags, err := Typed{}.Serialize(value)
	require.NoError(t, err)

	got, err := Typed{}.Deserialize(data, flags)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestTyped_DeserializeErrors(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		flags uint32
	}{
		{"unknown flag", "abc", 1 << 10},
		{"zero flag", "abc", 0},
		{"compressed", "abc", FlagString | FlagCompressed},
		{"bad bigint", "12x", FlagBigInt},
		{"bad date", "yesterday", FlagDate},
		{"bad json", "{", FlagObject},
		{"bad embedded bigint", `{"t":"iomem:43571:36","d":"zz"}`, FlagObject},
		{"bad embedded bytes", `{"t":"iomem:43571:114","d":[300]}`, FlagObject},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Typed{}.Deserialize([]byte(tt.data), tt.flags)
			require.Error(t, err)
			assert.True(t, IsDecodeError(err))
		})
	}
}

func TestTyped_SerializeError(t *testing.T) {
	_, _, err := Typed{}.Serialize(make(chan int))
	require.Error(t, err)
	assert.False(t, IsDecodeError(err))
}
