package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	"github.com/ormasoftchile/ctxflow/pkg/log"
)

func registerFlows(e *Engine) {
	e.RegisterFlow(schema.FlowBlock, blockFlow)
	e.RegisterFlow(schema.FlowIf, ifFlow)
	e.RegisterFlow(schema.FlowWhile, whileFlow)
	e.RegisterFlow(schema.FlowDoWhile, doWhileFlow)
	e.RegisterFlow(schema.FlowForEach, forEachFlow)
	e.RegisterFlow(schema.FlowTry, tryFlow)
}

func blockFlow(e *Engine, flow *Node) error {
	return e.DoSteps(flow.Template.Steps)
}

func ifFlow(e *Engine, flow *Node) error {
	ok, err := e.EvaluateConditions(flow)
	if err != nil {
		return err
	}
	if ok {
		return e.DoSteps(flow.Template.Steps)
	}
	if len(flow.Template.ElseSteps) > 0 {
		return e.DoSteps(flow.Template.ElseSteps)
	}
	return nil
}

// whileFlow counts from 0: during the k-th pass the body sees k-1, and
// after the loop the counter equals the number of passes.
func whileFlow(e *Engine, flow *Node) error {
	if err := startLoopCounter(e, flow); err != nil {
		return err
	}
	return loop(e, flow)
}

func doWhileFlow(e *Engine, flow *Node) error {
	if err := startLoopCounter(e, flow); err != nil {
		return err
	}
	if err := iteration(e, flow); err != nil {
		return err
	}
	return loop(e, flow)
}

// startLoopCounter drops a counter inherited from an enclosing scope so
// every loop starts at 0.
func startLoopCounter(e *Engine, flow *Node) error {
	delete(flow.Locals, flow.Var())
	return e.IncrementLoopCounter(flow)
}

func loop(e *Engine, flow *Node) error {
	for {
		if err := e.checkCanceled(); err != nil {
			return err
		}
		ok, err := e.EvaluateConditions(flow)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := iteration(e, flow); err != nil {
			return err
		}
	}
}

func iteration(e *Engine, flow *Node) error {
	n := e.LoopCounter(flow)
	e.notifyIteration(flow, n+1, map[string]any{flow.Var(): n})
	if err := e.DoSteps(flow.Template.Steps); err != nil {
		return err
	}
	return e.IncrementLoopCounter(flow)
}

type binding struct {
	key   any
	value any
}

func forEachFlow(e *Engine, flow *Node) error {
	tpl := flow.Template
	coll, keys, err := resolveCollection(e, flow)
	if err != nil {
		return err
	}
	items, mapping, err := bindings(coll, keys)
	if err != nil {
		return fmt.Errorf("for each %s: collection %q: %w", flow.Label(), tpl.Collection, err)
	}

	for i, item := range items {
		bound := map[string]any{}
		switch {
		case tpl.Var.IsList():
			k, v := tpl.Var.Pair()
			bound[k], bound[v] = item.key, item.value
		case mapping:
			bound[flow.Var()] = item.key
		default:
			bound[flow.Var()] = item.value
		}
		for name, v := range bound {
			flow.Locals[name] = v
		}
		e.notifyIteration(flow, i+1, bound)
		if err := e.DoSteps(tpl.Steps); err != nil {
			return err
		}
	}
	return nil
}

// keyOrder lists the keys of a mapping in iteration order.
type keyOrder func(m map[string]any) []string

func sortedKeys(m map[string]any) []string { return dict.Dict(m).Keys() }

// resolveCollection looks the collection up as a dotted path in the
// Context and falls back to evaluating it as an expression. A mapping
// found by path iterates in definition order; one produced by an
// expression iterates sorted.
func resolveCollection(e *Engine, flow *Node) (any, keyOrder, error) {
	path := flow.Template.Collection
	if v, err := e.ctx.Lookup(path); err == nil {
		return v, func(m map[string]any) []string { return e.ctx.Keys(path, m) }, nil
	}
	v, err := e.ctx.Eval(path)
	if err != nil {
		return nil, nil, fmt.Errorf("for each %s: %w", flow.Label(), err)
	}
	return v, sortedKeys, nil
}

// bindings enumerates coll. Mappings yield (key, value) in the order keys
// gives; sequences yield (index, value).
func bindings(coll any, keys keyOrder) ([]binding, bool, error) {
	if keys == nil {
		keys = sortedKeys
	}
	switch c := coll.(type) {
	case dict.Dict:
		return mapBindings(c, keys), true, nil
	case map[string]any:
		return mapBindings(c, keys), true, nil
	case []any:
		out := make([]binding, len(c))
		for i, v := range c {
			out[i] = binding{key: i, value: v}
		}
		return out, false, nil
	case nil:
		return nil, false, ErrNotIterable
	}

	rv := reflect.ValueOf(coll)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]binding, rv.Len())
		for i := range out {
			out[i] = binding{key: i, value: rv.Index(i).Interface()}
		}
		return out, false, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := rv.MapKeys()
		slices.SortFunc(keys, func(a, b reflect.Value) int {
			switch {
			case a.String() < b.String():
				return -1
			case a.String() > b.String():
				return 1
			}
			return 0
		})
		out := make([]binding, len(keys))
		for i, k := range keys {
			out[i] = binding{key: k.String(), value: rv.MapIndex(k).Interface()}
		}
		return out, true, nil
	}
	return nil, false, fmt.Errorf("%w: %T", ErrNotIterable, coll)
}

func mapBindings(m map[string]any, order keyOrder) []binding {
	keys := order(m)
	out := make([]binding, len(keys))
	for i, k := range keys {
		out[i] = binding{key: k, value: m[k]}
	}
	return out
}

// tryFlow runs its steps and catches the first failure. The frame is
// unwound to the try's own level, the failure is bound to the catch var
// while catchsteps run, and the binding is removed afterwards.
func tryFlow(e *Engine, flow *Node) error {
	tpl := flow.Template
	depth := e.ctx.frame.Depth()

	err := e.DoSteps(tpl.Steps)
	if err == nil || errors.Is(err, ErrHalted) || errors.Is(err, ErrCanceled) {
		return err
	}

	e.ctx.frame.Unwind(depth)
	name := flow.Var()
	caught := &CaughtError{Flow: flow.Label(), Err: err}
	flow.Err = caught
	flow.Locals[name] = caught
	e.notifyCaught(flow, caught)

	if len(tpl.CatchSteps) > 0 {
		if err := e.DoSteps(tpl.CatchSteps); err != nil {
			return err
		}
	}
	delete(flow.Locals, name)
	return nil
}

func (e *Engine) notifyIteration(flow *Node, n int, bound map[string]any) {
	e.log.Debug("loop iteration", log.Node(flow.Label()), log.Flow(flow.Template.Flow), log.Iteration(n))
	if e.trace != nil {
		e.trace.EmitLoopIteration(flow.Label(), string(flow.Template.Flow), n, bound)
	}
	for _, l := range e.listeners {
		l.Iteration(e, flow, n, bound)
	}
}

func (e *Engine) notifyCaught(flow *Node, caught *CaughtError) {
	e.log.Warn("error caught", log.Node(flow.Label()), slog.String("var", flow.Var()), log.Error(caught.Err))
	if e.trace != nil {
		e.trace.EmitErrorCaught(flow.Label(), flow.Var(), caught.Err.Error())
	}
	for _, l := range e.listeners {
		l.Caught(e, flow, caught)
	}
}
