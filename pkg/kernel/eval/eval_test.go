package eval_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
)

func TestNew(t *testing.T) {
	ev, err := eval.New("")
	require.NoError(t, err)
	assert.Equal(t, eval.NameExpr, ev.Name())

	ev, err = eval.New("lua")
	require.NoError(t, err)
	assert.Equal(t, eval.NameLua, ev.Name())

	_, err = eval.New("cel")
	assert.ErrorIs(t, err, eval.ErrUnknownEvaluator)
	assert.True(t, eval.Known("lua"))
	assert.False(t, eval.Known("cel"))
}

func TestExprEval(t *testing.T) {
	ev := eval.NewExpr()
	env := map[string]any{
		"count":  2,
		"locals": dict.Dict{"i": 3, "_": 1},
		"user":   dict.Dict{"name": "ann"},
	}

	tests := []struct {
		name     string
		text     string
		expected any
	}{
		{"arithmetic", "count + 1", 3},
		{"boolean", "true and not false", true},
		{"locals_member", "locals.i < 4", true},
		{"locals_index", `locals["_"] == 1`, true},
		{"string_concat", `"test_" + string(locals.i)`, "test_3"},
		{"nested", "user.name", "ann"},
		{"undefined_is_nil", "missing == nil", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ev.Eval(tt.text, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestExprFunctions(t *testing.T) {
	ev := eval.NewExpr()
	var got []any
	env := map[string]any{
		"set": eval.Func(func(args ...any) (any, error) {
			got = args
			return nil, nil
		}),
		"get": eval.Func(func(args ...any) (any, error) {
			return "value", nil
		}),
		"fail": eval.Func(func(args ...any) (any, error) {
			return nil, errors.New("boom")
		}),
	}

	_, err := ev.Eval("set('a.b', 1)", env)
	require.NoError(t, err)
	assert.Equal(t, []any{"a.b", 1}, got)

	out, err := ev.Eval("get('x')", env)
	require.NoError(t, err)
	assert.Equal(t, "value", out)

	_, err = ev.Eval("fail()", env)
	assert.ErrorIs(t, err, eval.ErrRun)
	assert.ErrorContains(t, err, "boom")
}

func TestExprCompileError(t *testing.T) {
	_, err := eval.NewExpr().Eval("1 +", nil)
	assert.ErrorIs(t, err, eval.ErrCompile)
}

func TestBool(t *testing.T) {
	ev := eval.NewExpr()
	ok, err := eval.Bool(ev, "1 < 2", nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = eval.Bool(ev, "1 + 2", nil)
	assert.ErrorIs(t, err, eval.ErrNotBool)
}

func TestLuaEval(t *testing.T) {
	ev := eval.NewLua()
	env := map[string]any{
		"count":  2,
		"locals": dict.Dict{"i": 3},
		"items":  []any{"a", "b"},
	}

	tests := []struct {
		name     string
		text     string
		expected any
	}{
		{"arithmetic", "count + 1", 3},
		{"boolean", "true and not false", true},
		{"locals", "locals.i < 4", true},
		{"concat", `"test_" .. tostring(locals.i)`, "test_3"},
		{"list_index", "items[2]", "b"},
		{"float", "count / 4", 0.5},
		{"statement", "local x = 1", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ev.Eval(tt.text, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}
}

func TestLuaTables(t *testing.T) {
	ev := eval.NewLua()

	out, err := ev.Eval("{1, 2, 3}", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = ev.Eval("{name = 'ann'}", nil)
	require.NoError(t, err)
	assert.Equal(t, dict.Dict{"name": "ann"}, out)
}

func TestLuaFunctions(t *testing.T) {
	ev := eval.NewLua()
	env := map[string]any{
		"double": eval.Func(func(args ...any) (any, error) {
			return args[0].(int) * 2, nil
		}),
		"fail": eval.Func(func(args ...any) (any, error) {
			return nil, errors.New("boom")
		}),
	}

	out, err := ev.Eval("double(21)", env)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	_, err = ev.Eval("fail()", env)
	assert.ErrorIs(t, err, eval.ErrLuaExecution)
	assert.ErrorContains(t, err, "boom")
}

func TestLuaErrors(t *testing.T) {
	ev := eval.NewLua()

	_, err := ev.Eval("1 +", nil)
	assert.ErrorIs(t, err, eval.ErrLuaLoad)

	_, err = ev.Eval("nothing.field", nil)
	assert.ErrorIs(t, err, eval.ErrLuaExecution)
}

func TestLuaGlobalsDoNotLeak(t *testing.T) {
	ev := eval.NewLua()
	_, err := ev.Eval("secret", map[string]any{"secret": 1})
	require.NoError(t, err)

	out, err := ev.Eval("secret", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCheck(t *testing.T) {
	for _, name := range eval.Names() {
		ev, err := eval.New(name)
		require.NoError(t, err)

		assert.NoError(t, eval.Check(ev, `x == 1`), name)
		assert.Error(t, eval.Check(ev, `x ==`), name)
	}

	lua := eval.NewLua()
	assert.NoError(t, lua.Check(`x = 1`))
	assert.ErrorIs(t, lua.Check(`x = = 1`), eval.ErrLuaLoad)
	assert.ErrorIs(t, eval.NewExpr().Check(`(`), eval.ErrCompile)
}

func TestLuaTypedValues(t *testing.T) {
	ev := eval.NewLua()
	env := map[string]any{
		"names":  []string{"a", "b"},
		"counts": map[string]int{"x": 2},
		"small":  int32(7),
		"ratio":  float32(0.5),
		"err":    errors.New("boom"),
	}

	tests := []struct {
		name     string
		text     string
		expected any
	}{
		{"typed_slice_len", "#names", 2},
		{"typed_slice_index", "names[2]", "b"},
		{"typed_map", "counts.x + 1", 3},
		{"typed_int", "small * 2", 14},
		{"typed_float", "ratio * 2", 1},
		{"error_text", "err", "boom"},
		{"error_is_string", "type(err)", "string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ev.Eval(tt.text, env)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, out)
		})
	}

	out, err := ev.Eval("names", env)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}
