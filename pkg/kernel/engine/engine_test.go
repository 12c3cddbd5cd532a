package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/trace"
)

var errBoom = errors.New("boom")

func newEngine(
	t *testing.T, doc string, data map[string]any, cfg ...engine.Config,
) *engine.Engine {
	t.Helper()
	nodes, err := schema.ParseNodes([]byte(doc))
	require.NoError(t, err)
	var c engine.Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	e := engine.New(nodes, data, c)
	e.RegisterComponent("boom", func(*engine.Engine, *engine.Context) error {
		return errBoom
	})
	return e
}

func TestDoStepsOrder(t *testing.T) {
	e := newEngine(t, `
- step: a
- step: b
- step: c
`, nil)
	var got []string
	for _, name := range []string{"a", "b", "c"} {
		e.RegisterComponent(name, func(*engine.Engine, *engine.Context) error {
			got = append(got, name)
			return nil
		})
	}

	require.NoError(t, e.Run())
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestComponentSetsContext(t *testing.T) {
	e := newEngine(t, `- step: teststep`, nil)
	e.RegisterComponent("teststep", func(_ *engine.Engine, c *engine.Context) error {
		return c.Set("test", "Pass")
	})

	assert.False(t, e.IsFinished())
	require.NoError(t, e.Run())
	assert.True(t, e.IsFinished())
	assert.Equal(t, "Pass", e.Context().Get("test"))
}

func TestExpressionSet(t *testing.T) {
	e := newEngine(t, `- expressions: ['set("thing", true)']`, nil)
	require.NoError(t, e.Run())
	assert.Equal(t, true, e.Context().Get("thing"))
}

func TestCustomExpression(t *testing.T) {
	e := newEngine(t, `- expressions: ['set("thing", testexpression(name_field, "is"))']`,
		map[string]any{"name_field": "timmy"})
	e.RegisterExpression("testexpression",
		func(_ *engine.Context, args ...any) (any, error) {
			return args[0].(string) + "_" + args[1].(string), nil
		},
	)

	require.NoError(t, e.Run())
	assert.True(t, e.IsFinished())
	assert.Equal(t, "timmy_is", e.Context().Get("thing"))
}

func TestIf(t *testing.T) {
	doc := `
- flow: if
  conditions: ['t1 == true']
  steps:
    - expressions: ['set("test", true)']
`
	e := newEngine(t, doc, map[string]any{"t1": false})
	require.NoError(t, e.Run())
	assert.False(t, e.Context().Has("test"))

	e = newEngine(t, doc, map[string]any{"t1": true})
	require.NoError(t, e.Run())
	assert.Equal(t, true, e.Context().Get("test"))
}

func TestIfElse(t *testing.T) {
	e := newEngine(t, `
- flow: if
  conditions: ['t1 == true']
  steps:
    - expressions: ['set("then", true)']
  elsesteps:
    - expressions: ['set("else", true)']
`, map[string]any{"t1": false})

	require.NoError(t, e.Run())
	assert.False(t, e.Context().Has("then"))
	assert.Equal(t, true, e.Context().Get("else"))
}

func TestIfConditionsAreANDed(t *testing.T) {
	doc := `
- flow: if
  conditions: ['t1 == true', 't2 == false']
  steps:
    - expressions: ['set("branch", "then")']
  elsesteps:
    - expressions: ['set("branch", "else")']
`
	e := newEngine(t, doc, map[string]any{"t1": true, "t2": true})
	require.NoError(t, e.Run())
	assert.Equal(t, "else", e.Context().Get("branch"))

	e = newEngine(t, doc, map[string]any{"t1": true, "t2": false})
	require.NoError(t, e.Run())
	assert.Equal(t, "then", e.Context().Get("branch"))
}

func loopCounterAfter(e *engine.Engine, kind schema.FlowKind) **int {
	var counter *int
	e.AddListener(engine.Hooks{
		OnAfter: func(e *engine.Engine, n *engine.Node, err error) {
			if n.Flow && n.Template.Flow == kind {
				v := e.LoopCounter(n)
				counter = &v
			}
		},
	})
	return &counter
}

func TestWhile(t *testing.T) {
	e := newEngine(t, `
- flow: while
  conditions: ['cond1 == true and not cond2']
  steps:
    - expressions:
        - 'push("list", 1)'
        - 'set("counter", locals["_"])'
        - 'set("cond2", len(list) > 2)'
`, map[string]any{"cond1": true, "cond2": false})
	counter := loopCounterAfter(e, schema.FlowWhile)

	require.NoError(t, e.Run())
	assert.Len(t, e.Context().Get("list"), 3)
	assert.Equal(t, 2, e.Context().Get("counter"), "last pass sees k-1")
	require.NotNil(t, *counter)
	assert.Equal(t, 3, **counter, "counter equals the number of passes")
}

func TestWhileNeverEntered(t *testing.T) {
	e := newEngine(t, `
- flow: while
  var: i
  conditions: ['false']
  steps:
    - step: boom
`, nil)
	counter := loopCounterAfter(e, schema.FlowWhile)

	require.NoError(t, e.Run())
	assert.Equal(t, 0, **counter)
}

func TestDoWhileRunsOnce(t *testing.T) {
	e := newEngine(t, `
- flow: do while
  conditions: ['false']
  steps:
    - expressions: ['push("list", 1)']
`, nil)
	counter := loopCounterAfter(e, schema.FlowDoWhile)

	require.NoError(t, e.Run())
	assert.Len(t, e.Context().Get("list"), 1)
	assert.Equal(t, 1, **counter)
}

func TestDoWhileRepeats(t *testing.T) {
	e := newEngine(t, `
- flow: do while
  var: n
  conditions: ['locals.n < 3']
  steps:
    - expressions: ['push("seen", locals.n)']
`, nil)

	require.NoError(t, e.Run())
	assert.Equal(t, []any{0, 1, 2}, e.Context().Get("seen"))
}

func TestNestedLoopsRestartCounter(t *testing.T) {
	e := newEngine(t, `
- flow: while
  conditions: ['locals["_"] < 2']
  steps:
    - flow: while
      conditions: ['locals["_"] < 3']
      steps:
        - expressions: ['push("inner", locals["_"])']
`, nil)

	require.NoError(t, e.Run())
	assert.Equal(t, []any{0, 1, 2, 0, 1, 2}, e.Context().Get("inner"))
}

func TestForEachSingleVar(t *testing.T) {
	e := newEngine(t, `
- flow: for each
  collection: items
  var: i
  steps:
    - expressions: ['set("test_" + string(locals.i), true)']
`, map[string]any{"items": []any{0, 1, 2, 3}})

	require.NoError(t, e.Run())
	for _, key := range []string{"test_0", "test_1", "test_2", "test_3"} {
		assert.Equal(t, true, e.Context().Get(key), key)
	}
}

func TestForEachIndexValue(t *testing.T) {
	e := newEngine(t, `
- flow: for each
  collection: items
  var: [k, v]
  steps:
    - expressions: ['set("test_" + string(locals.k), locals.v)']
`, map[string]any{"items": []any{1, 2}})

	require.NoError(t, e.Run())
	assert.Equal(t, 1, e.Context().Get("test_0"))
	assert.Equal(t, 2, e.Context().Get("test_1"))
}

func TestForEachMapping(t *testing.T) {
	p, err := schema.Parse([]byte(`
context:
  m: {zeta: 1, alpha: 2, mid: 3}
process:
  - flow: for each
    collection: m
    var: key
    steps:
      - expressions: ['push("keys", locals.key)']
  - flow: for each
    collection: m
    var: [k, v]
    steps:
      - expressions: ['push("pairs", locals.k + "=" + string(locals.v))']
`))
	require.NoError(t, err)
	e, err := engine.NewFromProcess(p, nil, engine.Config{})
	require.NoError(t, err)

	require.NoError(t, e.Run())
	assert.Equal(t, []any{"zeta", "alpha", "mid"}, e.Context().Get("keys"))
	assert.Equal(t, []any{"zeta=1", "alpha=2", "mid=3"}, e.Context().Get("pairs"))
}

func TestForEachMappingInsertionOrder(t *testing.T) {
	e := newEngine(t, `
- expressions:
    - 'set("d", new_dict())'
    - 'set("d.zeta", 1)'
    - 'set("d.alpha", 2)'
    - 'set("d.mid", 3)'
- step: later
- flow: for each
  collection: d
  var: key
  steps:
    - expressions: ['push("keys", locals.key)']
`, nil)
	e.RegisterComponent("later", func(_ *engine.Engine, c *engine.Context) error {
		return c.Set("d.beta", 4)
	})

	require.NoError(t, e.Run())
	assert.Equal(t, []any{"zeta", "alpha", "mid", "beta"}, e.Context().Get("keys"))
}

func TestForEachMappingSeedOrder(t *testing.T) {
	p, err := schema.Parse([]byte(`
context:
  m: {b: 1, a: 2}
  n: {y: 1, x: 2}
process:
  - flow: for each
    collection: m
    var: key
    steps:
      - expressions: ['push("m_keys", locals.key)']
  - flow: for each
    collection: n
    var: key
    steps:
      - expressions: ['push("n_keys", locals.key)']
`))
	require.NoError(t, err)

	order := dict.NewKeyOrder()
	order.Record("", "m")
	order.Record("m", "q", "p", "r")
	data := map[string]any{"m": map[string]any{"p": 1, "q": 2, "r": 3}}

	e, err := engine.NewFromProcess(p, data, engine.Config{Order: order})
	require.NoError(t, err)
	require.NoError(t, e.Run())
	assert.Equal(t, []any{"q", "p", "r"}, e.Context().Get("m_keys"), "seed order replaces the document's")
	assert.Equal(t, []any{"y", "x"}, e.Context().Get("n_keys"))
}

func TestForEachMappingWithoutOrderIsSorted(t *testing.T) {
	e := newEngine(t, `
- flow: for each
  collection: m
  var: key
  steps:
    - expressions: ['push("keys", locals.key)']
`, map[string]any{"m": map[string]any{"b": 2, "c": 3, "a": 1}})

	require.NoError(t, e.Run())
	assert.Equal(t, []any{"a", "b", "c"}, e.Context().Get("keys"))
}

func TestForEachNestedPathAndExpression(t *testing.T) {
	e := newEngine(t, `
- flow: for each
  collection: order.lines
  var: line
  steps:
    - expressions: ['push("skus", locals.line.sku)']
- flow: for each
  collection: 1..3
  var: n
  steps:
    - expressions: ['push("range", locals.n)']
`, map[string]any{
		"order": map[string]any{
			"lines": []any{
				map[string]any{"sku": "x"},
				map[string]any{"sku": "y"},
			},
		},
	})

	require.NoError(t, e.Run())
	assert.Equal(t, []any{"x", "y"}, e.Context().Get("skus"))
	assert.Equal(t, []any{1, 2, 3}, e.Context().Get("range"))
}

func TestForEachNotIterable(t *testing.T) {
	e := newEngine(t, `
- flow: for each
  collection: count
  var: x
  steps: [{step: boom}]
`, map[string]any{"count": 3})

	err := e.Run()
	assert.ErrorIs(t, err, engine.ErrNotIterable)
}

func TestTryCatches(t *testing.T) {
	e := newEngine(t, `
- flow: try
  var: err
  steps:
    - expressions: ['set("before", true)']
    - step: boom
    - expressions: ['set("after", true)']
  catchsteps:
    - step: capture
`, nil)
	e.RegisterComponent("capture", func(_ *engine.Engine, c *engine.Context) error {
		return c.Set("error", c.Locals()["err"])
	})
	var tryNode *engine.Node
	e.AddListener(engine.Hooks{
		OnAfter: func(_ *engine.Engine, n *engine.Node, _ error) {
			if n.Flow && n.Template.Flow == schema.FlowTry {
				tryNode = n
			}
		},
	})

	require.NoError(t, e.Run())
	assert.True(t, e.IsFinished())

	ctx := e.Context()
	assert.Equal(t, true, ctx.Get("before"))
	assert.False(t, ctx.Has("after"), "steps after the failure are skipped")

	caught, ok := ctx.Get("error").(*engine.CaughtError)
	require.True(t, ok, "catch var holds the wrapped failure")
	assert.ErrorIs(t, caught, errBoom)

	require.NotNil(t, tryNode)
	assert.NotContains(t, tryNode.Locals, "err", "catch var is removed after catchsteps")
	assert.Same(t, caught, tryNode.Err)
}

func TestTryDefaultVarWithoutCatchSteps(t *testing.T) {
	e := newEngine(t, `
- flow: try
  steps:
    - step: boom
- expressions: ['set("done", true)']
`, nil)
	var caughtVar any
	e.AddListener(engine.Hooks{
		OnCaught: func(_ *engine.Engine, flow *engine.Node, _ *engine.CaughtError) {
			caughtVar = flow.Locals["_"]
		},
	})

	require.NoError(t, e.Run())
	assert.Equal(t, true, e.Context().Get("done"))
	assert.IsType(t, &engine.CaughtError{}, caughtVar)
}

func TestTryUnwindsNestedFlows(t *testing.T) {
	e := newEngine(t, `
- flow: try
  steps:
    - flow: while
      conditions: ['true']
      steps:
        - flow: block
          steps:
            - step: boom
  catchsteps:
    - step: depth
`, nil)
	var depth engine.Depth
	e.RegisterComponent("depth", func(e *engine.Engine, _ *engine.Context) error {
		depth = e.Frame().Depth()
		return nil
	})

	require.NoError(t, e.Run())
	assert.Equal(t, engine.Depth{Steps: 1, Flows: 1}, depth)
	assert.True(t, e.IsFinished())
}

func TestTryCatchesPanics(t *testing.T) {
	e := newEngine(t, `
- flow: try
  var: err
  steps: [{step: explode}]
  catchsteps:
    - expressions: ['set("error", locals.err)']
`, nil)
	e.RegisterComponent("explode", func(*engine.Engine, *engine.Context) error {
		panic("kaboom")
	})

	require.NoError(t, e.Run())
	var p *engine.ComponentPanic
	require.ErrorAs(t, e.Context().Get("error").(error), &p)
	assert.Equal(t, "explode", p.Step)
}

func TestTryCatchStepsFailurePropagates(t *testing.T) {
	e := newEngine(t, `
- flow: try
  steps: [{step: boom}]
  catchsteps: [{step: missing}]
`, nil)

	err := e.Run()
	assert.ErrorIs(t, err, engine.ErrUnknownStep)
	assert.False(t, e.IsFinished())
}

func TestUncaughtFailureLeavesFramePartiallyPopped(t *testing.T) {
	e := newEngine(t, `
- flow: block
  steps:
    - step: missing
- expressions: ['set("unreached", true)']
`, nil)

	err := e.Run()
	assert.ErrorIs(t, err, engine.ErrUnknownStep)
	assert.False(t, e.IsFinished())
	assert.Equal(t, engine.Depth{Steps: 1, Flows: 1}, e.Frame().Depth())
	assert.False(t, e.Context().Has("unreached"))
}

func TestRunAgainStartsFromEmptyFrame(t *testing.T) {
	e := newEngine(t, `- step: flaky`, nil)
	fail := true
	e.RegisterComponent("flaky", func(*engine.Engine, *engine.Context) error {
		if fail {
			return errBoom
		}
		return nil
	})

	require.Error(t, e.Run())
	assert.False(t, e.IsFinished())

	fail = false
	require.NoError(t, e.Run())
	assert.True(t, e.IsFinished())
}

func TestExpressionError(t *testing.T) {
	e := newEngine(t, `- expressions: ['1 +']`, nil)

	err := e.Run()
	var exprErr *engine.ExpressionError
	require.ErrorAs(t, err, &exprErr)
	assert.Equal(t, "1 +", exprErr.Expr)
}

func TestConditionMustBeBool(t *testing.T) {
	e := newEngine(t, `
- flow: if
  conditions: ['1 + 1']
  steps: [{step: boom}]
`, nil)

	assert.ErrorIs(t, e.Run(), eval.ErrNotBool)
}

func TestUnknownFlow(t *testing.T) {
	e := newEngine(t, `
- flow: loop
  steps: [{step: boom}]
`, nil)

	assert.ErrorIs(t, e.Run(), engine.ErrUnknownFlow)
}

func TestCustomFlow(t *testing.T) {
	e := newEngine(t, `
- flow: twice
  steps:
    - expressions: ['push("hits", 1)']
`, nil)
	e.RegisterFlow("twice", func(e *engine.Engine, flow *engine.Node) error {
		if err := e.DoSteps(flow.Template.Steps); err != nil {
			return err
		}
		return e.DoSteps(flow.Template.Steps)
	})

	require.NoError(t, e.Run())
	assert.Len(t, e.Context().Get("hits"), 2)
}

func TestFlowExpressionsRunOnce(t *testing.T) {
	e := newEngine(t, `
- flow: while
  expressions: ['push("entered", 1)']
  conditions: ['locals["_"] < 3']
  steps: []
`, nil)

	require.NoError(t, e.Run())
	assert.Len(t, e.Context().Get("entered"), 1)
}

func TestArgs(t *testing.T) {
	e := newEngine(t, `
- step: greet
  args: $user
- step: literal
  args: {x: 1}
- flow: for each
  collection: names
  var: name
  steps:
    - step: echo
      args: $name
`, map[string]any{
		"user":  map[string]any{"name": "ann"},
		"names": []any{"bob", "cy"},
	})
	var got []any
	e.RegisterComponent("greet", func(_ *engine.Engine, c *engine.Context) error {
		got = append(got, c.ArgsDict()["name"])
		return nil
	})
	e.RegisterComponent("literal", func(_ *engine.Engine, c *engine.Context) error {
		got = append(got, c.ArgsDict()["x"])
		return nil
	})
	e.RegisterComponent("echo", func(_ *engine.Engine, c *engine.Context) error {
		args, err := c.Args()
		got = append(got, args)
		return err
	})

	require.NoError(t, e.Run())
	assert.Equal(t, []any{"ann", 1, "bob", "cy"}, got)
}

func TestSetLocalWrapsMaps(t *testing.T) {
	e := newEngine(t, `
- flow: block
  steps:
    - step: remember
    - expressions: ['set("seen", locals.m.a)']
`, nil)
	e.RegisterComponent("remember", func(e *engine.Engine, _ *engine.Context) error {
		return e.SetLocal("m", map[string]any{"a": 1})
	})
	var locals dict.Dict
	e.AddListener(engine.Hooks{
		OnAfter: func(_ *engine.Engine, n *engine.Node, _ error) {
			if n.Flow {
				locals = n.Locals
			}
		},
	})

	require.NoError(t, e.Run())
	assert.Equal(t, 1, e.Context().Get("seen"))
	assert.IsType(t, dict.Dict{}, locals["m"])
}

func TestBuiltins(t *testing.T) {
	e := newEngine(t, `
- expressions:
    - 'set("d", new_dict())'
    - 'set("d.x", 1)'
    - 'set("l", new_list(1, 2))'
    - 'push("l", 3)'
    - 'set("hx", has("d.x"))'
    - 'set("hy", has("d.y"))'
    - 'set("gx", get("d.x"))'
- flow: block
  steps:
    - expressions:
        - 'set("locals.tmp", 5)'
        - 'set("fromLocal", get("locals.tmp"))'
`, nil)

	require.NoError(t, e.Run())
	ctx := e.Context()
	assert.Equal(t, dict.Dict{"x": 1}, ctx.Get("d"))
	assert.Equal(t, []any{1, 2, 3}, ctx.Get("l"))
	assert.Equal(t, true, ctx.Get("hx"))
	assert.Equal(t, false, ctx.Get("hy"))
	assert.Equal(t, 1, ctx.Get("gx"))
	assert.Equal(t, 5, ctx.Get("fromLocal"))
	assert.False(t, ctx.Has("tmp"))
}

func TestHaltIsNotCaught(t *testing.T) {
	e := newEngine(t, `
- flow: try
  steps:
    - step: first
    - step: second
`, nil)
	var ran []string
	for _, name := range []string{"first", "second"} {
		e.RegisterComponent(name, func(*engine.Engine, *engine.Context) error {
			ran = append(ran, name)
			return nil
		})
	}
	e.AddListener(engine.Hooks{
		OnBefore: func(_ *engine.Engine, n *engine.Node) error {
			if n.Template.Step == "second" {
				return engine.ErrHalted
			}
			return nil
		},
	})

	assert.ErrorIs(t, e.Run(), engine.ErrHalted)
	assert.Equal(t, []string{"first"}, ran)
}

func TestLuaProcess(t *testing.T) {
	p, err := schema.Parse([]byte(`
evaluator: lua
context:
  total: 0
process:
  - flow: while
    var: i
    conditions: ["locals.i < 3"]
    steps:
      - expressions: ['set("total", total + locals.i)']
`))
	require.NoError(t, err)

	e, err := engine.NewFromProcess(p, nil, engine.Config{})
	require.NoError(t, err)
	assert.Equal(t, eval.NameLua, e.Context().Evaluator().Name())

	require.NoError(t, e.Run())
	assert.Equal(t, 3, e.Context().Get("total"))
}

func TestNewFromProcessOverrides(t *testing.T) {
	p := &schema.Process{
		Name:    "demo",
		Context: map[string]any{"a": 1, "b": 1},
	}
	e, err := engine.NewFromProcess(p, map[string]any{"b": 2}, engine.Config{})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Context().Get("a"))
	assert.Equal(t, 2, e.Context().Get("b"))

	_, err = engine.NewFromProcess(&schema.Process{Evaluator: "cel"}, nil, engine.Config{})
	assert.ErrorIs(t, err, eval.ErrUnknownEvaluator)
}

func TestTraceEvents(t *testing.T) {
	var buf bytes.Buffer
	tw := trace.NewWriter(&buf, "run-1")
	e := newEngine(t, `
- flow: for each
  collection: items
  var: x
  steps:
    - flow: try
      steps: [{step: boom}]
`, map[string]any{"items": []any{1}}, engine.Config{Name: "traced", Trace: tw})

	require.NoError(t, e.Run())

	events, err := trace.ReadEvents(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	var types []trace.EventType
	for _, evt := range events {
		types = append(types, evt.Type)
	}
	assert.Equal(t, []trace.EventType{
		trace.EventRunStart,
		trace.EventFlowEnter,
		trace.EventLoopIteration,
		trace.EventFlowEnter,
		trace.EventStepStart,
		trace.EventStepComplete,
		trace.EventErrorCaught,
		trace.EventFlowExit,
		trace.EventFlowExit,
		trace.EventRunComplete,
	}, types)

	res, err := trace.Verify(bytes.NewReader(buf.Bytes()), nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestEmptyNodeDoesNothing(t *testing.T) {
	e := newEngine(t, `
- {}
- flow: block
  steps:
    - {}
`, map[string]any{"x": 1})

	require.NoError(t, e.Run())
	assert.True(t, e.IsFinished())
	assert.Equal(t, dict.Dict{"x": 1}, e.Context().Data)
}

func TestRunContextStopsEndlessLoop(t *testing.T) {
	e := newEngine(t, `
- flow: try
  var: err
  steps:
    - flow: while
      conditions: ['true']
      steps:
        - expressions: ['set("spins", true)']
  catchsteps:
    - expressions: ['set("caught", true)']
`, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.RunContext(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCanceled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "canceled", engine.FailureKind(err))
	assert.True(t, e.Context().Has("spins"))
	assert.False(t, e.Context().Has("caught"), "cancellation is not caught")
}

func TestRunContextCanceledBeforeStart(t *testing.T) {
	e := newEngine(t, `- expressions: ['set("ran", true)']`, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, e.RunContext(ctx), context.Canceled)
	assert.False(t, e.Context().Has("ran"))
}
