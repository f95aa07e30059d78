package message

import (
	"encoding/json"
	"math"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueMarshalJSON(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  string
	}{
		{"null", Null(), `null`},
		{"zero value is null", Value{}, `null`},
		{"bool", Bool(true), `true`},
		{"int", Int(-42), `-42`},
		{"float", Float(1.5), `1.5`},
		{"string escapes", String(`say "hi"`), `"say \"hi\""`},
		{"list", List(Int(1), String("a"), Null()), `[1,"a",null]`},
		{"empty list", List(), `[]`},
		{"map keeps order", Map(Pair("z", Int(1)), Pair("a", Int(2))), `{"z":1,"a":2}`},
		{"map keeps duplicates", Map(Pair("k", Int(1)), Pair("k", Int(2))), `{"k":1,"k":2}`},
		{"nested", List(Map(Pair("x", List(Bool(false))))), `[{"x":[false]}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.value.MarshalJSON()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}

	t.Run("rejects NaN and Inf", func(t *testing.T) {
		_, err := Float(math.NaN()).MarshalJSON()
		assert.ErrorIs(t, err, ErrUnsupportedValue)

		_, err = json.Marshal(List(Float(math.Inf(1))))
		assert.ErrorIs(t, err, ErrUnsupportedValue)
	})
}

func TestValueAMQP(t *testing.T) {
	v := Map(
		Pair("n", Int(3)),
		Pair("f", Float(2.5)),
		Pair("s", String("x")),
		Pair("b", Bool(true)),
		Pair("nil", Null()),
		Pair("l", List(Int(1), String("two"))),
	)

	table, ok := v.AMQP().(amqp.Table)
	require.True(t, ok)
	assert.Equal(t, amqp.Table{
		"n":   int64(3),
		"f":   2.5,
		"s":   "x",
		"b":   true,
		"nil": nil,
		"l":   []interface{}{int64(1), "two"},
	}, table)
	assert.NoError(t, table.Validate())
}

func TestOf(t *testing.T) {
	t.Run("scalars", func(t *testing.T) {
		for _, x := range []interface{}{nil, true, "s", 1, int8(1), int32(1), int64(1), uint16(1), uint64(1), 1.5, float32(0.5)} {
			_, err := Of(x)
			assert.NoError(t, err, "%T", x)
		}
	})

	t.Run("maps are ordered by key", func(t *testing.T) {
		v, err := Of(map[string]interface{}{"b": 1, "a": []interface{}{"x"}})
		require.NoError(t, err)
		assert.Equal(t, `{"a":["x"],"b":1}`, v.String())
	})

	t.Run("typed slices", func(t *testing.T) {
		v, err := Of([]string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, KindList, v.Kind())
		assert.Equal(t, `["a","b"]`, v.String())
	})

	t.Run("unsupported", func(t *testing.T) {
		_, err := Of(struct{}{})
		assert.ErrorIs(t, err, ErrUnsupportedValue)

		_, err = Of(uint64(math.MaxUint64))
		assert.ErrorIs(t, err, ErrUnsupportedValue)
	})
}

func TestDecodeJSON(t *testing.T) {
	t.Run("preserves key order and duplicates", func(t *testing.T) {
		v, err := DecodeJSON([]byte(`{"z": 1, "a": [true, null, 2.5, "s"], "z": {"k": -7}}`))
		require.NoError(t, err)

		require.Equal(t, KindMap, v.Kind())
		fields := v.Fields()
		require.Len(t, fields, 3)
		assert.Equal(t, "z", fields[0].Key)
		assert.Equal(t, int64(1), fields[0].Value.Int())
		assert.Equal(t, "a", fields[1].Key)
		assert.Equal(t, KindFloat, fields[1].Value.Items()[2].Kind())
		assert.Equal(t, `{"z":1,"a":[true,null,2.5,"s"],"z":{"k":-7}}`, v.String())
	})

	t.Run("integers stay integers", func(t *testing.T) {
		v, err := DecodeJSON([]byte(`9007199254740993`))
		require.NoError(t, err)
		assert.Equal(t, KindInt, v.Kind())
		assert.Equal(t, int64(9007199254740993), v.Int())
	})

	t.Run("rejects trailing data", func(t *testing.T) {
		_, err := DecodeJSON([]byte(`[1] [2]`))
		assert.Error(t, err)
	})

	t.Run("rejects invalid JSON", func(t *testing.T) {
		_, err := DecodeJSON([]byte(`{"a":`))
		assert.Error(t, err)
	})
}

func TestArgsAndKwArgs(t *testing.T) {
	args, err := ArgsOf(1, "two", 3.0)
	require.NoError(t, err)
	b, err := json.Marshal(args)
	require.NoError(t, err)
	assert.Equal(t, `[1,"two",3]`, string(b))
	assert.Equal(t, []interface{}{int64(1), "two", 3.0}, args.AMQP())

	kwargs, err := KwArgsOf("x", 1, "y", "b", "x", 2)
	require.NoError(t, err)
	b, err = json.Marshal(kwargs)
	require.NoError(t, err)
	assert.Equal(t, `{"x":1,"y":"b","x":2}`, string(b))

	last, ok := kwargs.Get("x")
	require.True(t, ok)
	assert.Equal(t, int64(2), last.Int())
	assert.Equal(t, int64(2), kwargs.AMQP()["x"])

	_, err = KwArgsOf("dangling")
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = KwArgsOf(1, 2)
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}
