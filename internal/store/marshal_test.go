package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDocument_NilIsEmptyObject(t *testing.T) {
	got, err := MarshalDocument(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", got)
}

func TestMarshalDocument_SortedKeysNoEscape(t *testing.T) {
	got, err := MarshalDocument(Document{"b": 1, "a": "<x&y>"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x&y>","b":1}`, got)

	nested, err := MarshalDocument(Document{"err": map[string]any{"msg": "a > b & c"}})
	require.NoError(t, err)
	assert.Equal(t, `{"err":{"msg":"a > b & c"}}`, nested)
}

func TestUnmarshalDocument_LargeIntegersSurvive(t *testing.T) {
	d, err := UnmarshalDocument(`{"qty":9007199254740993,"px":101.25,"sym":"AAPL"}`)
	require.NoError(t, err)

	qty, ok := d.Int64("qty")
	require.True(t, ok)
	assert.Equal(t, int64(9007199254740993), qty)

	px, ok := d.Float64("px")
	require.True(t, ok)
	assert.InDelta(t, 101.25, px, 1e-9)

	assert.Equal(t, "AAPL", d.String("sym"))
	assert.Equal(t, "", d.String("missing"))
}

func TestUnmarshalDocument_NonObjectIsWrapped(t *testing.T) {
	d, err := UnmarshalDocument(`"hello"`)
	require.NoError(t, err)
	assert.Equal(t, "hello", d["raw"])
}

func TestUnmarshalDocument_Empty(t *testing.T) {
	for _, in := range []string{"", "{}"} {
		d, err := UnmarshalDocument(in)
		require.NoError(t, err)
		assert.Empty(t, d)
		assert.NotNil(t, d)
	}
}

func TestUnmarshalDocument_Invalid(t *testing.T) {
	_, err := UnmarshalDocument(`{"a":`)
	assert.Error(t, err)
}

func TestMarshalNullable(t *testing.T) {
	v, err := MarshalNullable(nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = MarshalNullable(Document{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, v)
}

func TestDocument_NumericAccessors(t *testing.T) {
	d := Document{"i": 3, "i64": int64(4), "f": 2.5, "whole": 7.0, "s": "x"}

	n, ok := d.Int64("i")
	assert.True(t, ok)
	assert.Equal(t, int64(3), n)

	n, ok = d.Int64("i64")
	assert.True(t, ok)
	assert.Equal(t, int64(4), n)

	_, ok = d.Int64("f")
	assert.False(t, ok, "fractional float is not an integer")

	n, ok = d.Int64("whole")
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)

	_, ok = d.Int64("s")
	assert.False(t, ok)

	f, ok := d.Float64("i")
	assert.True(t, ok)
	assert.Equal(t, 3.0, f)

	_, ok = d.Float64("nan")
	assert.False(t, ok)
}
