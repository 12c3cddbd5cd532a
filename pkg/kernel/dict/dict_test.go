package dict_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

func TestLookupNested(t *testing.T) {
	d := dict.From(map[string]any{
		"a": map[string]any{
			"b": map[string]any{"c": 3},
		},
		"list": []any{"x", map[string]any{"name": "y"}},
	})

	v, err := d.Lookup("a.b.c")
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	v, err = d.Lookup("list.1.name")
	require.NoError(t, err)
	assert.Equal(t, "y", v)

	_, err = d.Lookup("a.missing")
	assert.ErrorIs(t, err, dict.ErrPathNotFound)

	_, err = d.Lookup("list.7")
	assert.ErrorIs(t, err, dict.ErrPathNotFound)

	_, err = d.Lookup("a.b.c.d")
	assert.ErrorIs(t, err, dict.ErrNotIndexable)

	_, err = d.Lookup("")
	assert.ErrorIs(t, err, dict.ErrEmptyPath)
}

func TestLookupTypedCollections(t *testing.T) {
	d := dict.Dict{
		"names":  []string{"ann", "bob"},
		"counts": map[string]int{"x": 4},
	}

	v, err := d.Lookup("names.1")
	require.NoError(t, err)
	assert.Equal(t, "bob", v)

	v, err = d.Lookup("counts.x")
	require.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestSetPath(t *testing.T) {
	d := dict.New()
	require.NoError(t, d.SetPath("top", 1))
	assert.Equal(t, 1, d["top"])

	d["user"] = dict.New()
	require.NoError(t, d.SetPath("user.name", "ann"))
	assert.Equal(t, "ann", d.Get("user.name"))

	d["items"] = []any{1, 2}
	require.NoError(t, d.SetPath("items.0", 9))
	assert.Equal(t, []any{9, 2}, d["items"])

	err := d.SetPath("nope.name", "x")
	assert.ErrorIs(t, err, dict.ErrPathNotFound)

	err = d.SetPath("top.name", "x")
	assert.ErrorIs(t, err, dict.ErrNotIndexable)

	err = d.SetPath("items.5", "x")
	assert.ErrorIs(t, err, dict.ErrPathNotFound)
}

func TestWrapConvertsNestedMaps(t *testing.T) {
	v := dict.Wrap(map[string]any{
		"inner": map[string]any{"k": "v"},
		"list":  []any{map[string]any{"n": 1}},
	})

	d, ok := v.(dict.Dict)
	require.True(t, ok)
	assert.IsType(t, dict.Dict{}, d["inner"])
	assert.IsType(t, dict.Dict{}, d["list"].([]any)[0])
	assert.Equal(t, 42, dict.Wrap(42))
}

func TestCloneIsShallow(t *testing.T) {
	nested := dict.Dict{"n": 1}
	d := dict.Dict{"nested": nested, "x": 1}

	c := d.Clone()
	assert.False(t, dict.Same(d, c))
	assert.Equal(t, d, c)

	c["y"] = 2
	assert.False(t, d.Has("y"))

	c["nested"].(dict.Dict)["n"] = 5
	assert.Equal(t, 5, d.Get("nested.n"))
}

func TestSameAndKeys(t *testing.T) {
	a := dict.Dict{"b": 1, "a": 2}
	alias := a
	assert.True(t, dict.Same(a, alias))
	assert.False(t, dict.Same(a, dict.Dict{"b": 1, "a": 2}))
	assert.Equal(t, []string{"a", "b"}, a.Keys())
}

func TestWrapDoesNotMutateInput(t *testing.T) {
	list := []any{map[string]any{"n": 1}}
	_ = dict.Wrap(list)
	assert.IsType(t, map[string]any{}, list[0])
}
