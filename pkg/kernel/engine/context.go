package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
)

// ExpressionFunc is a named callable available to every expression.
type ExpressionFunc func(c *Context, args ...any) (any, error)

// Names the Context binds into every expression environment. They shadow
// Context keys of the same name.
const (
	EnvLocals = "locals"
	EnvArgs   = "args"
)

// RefPrefix marks an args string as a reference to another value.
const RefPrefix = "$"

// Context is the single store shared by every step of a run. It outlives
// the run and is the run's result. Reads of the current step, flow, args
// and locals go through the Frame.
type Context struct {
	Data dict.Dict

	frame       *Frame
	evaluator   eval.Evaluator
	expressions map[string]ExpressionFunc
	order       *dict.KeyOrder
}

// NewContext creates a Context over data with its own Frame. A nil
// evaluator selects the default one.
func NewContext(data map[string]any, ev eval.Evaluator) *Context {
	if ev == nil {
		ev = eval.NewExpr()
	}
	c := &Context{
		Data:        dict.From(data),
		frame:       NewFrame(),
		evaluator:   ev,
		expressions: map[string]ExpressionFunc{},
		order:       dict.NewKeyOrder(),
	}
	registerBuiltins(c)
	return c
}

// Frame returns the call stack the Context reads through.
func (c *Context) Frame() *Frame { return c.frame }

// Evaluator returns the expression evaluator.
func (c *Context) Evaluator() eval.Evaluator { return c.evaluator }

// CurrentStep returns the step being executed.
func (c *Context) CurrentStep() (*Node, error) { return c.frame.CurrentStep() }

// CurrentFlow returns the innermost live flow.
func (c *Context) CurrentFlow() (*Node, error) { return c.frame.CurrentFlow() }

// Locals returns the scope of the active node, or nil outside any node.
func (c *Context) Locals() dict.Dict {
	if n := c.frame.Active(); n != nil {
		return n.Locals
	}
	return nil
}

// Args returns the current step's args. A string starting with "$" is a
// reference: the rest is a dotted path looked up in the locals, then in
// the Context.
func (c *Context) Args() (any, error) {
	n, err := c.frame.CurrentStep()
	if err != nil {
		return nil, err
	}
	args := n.Template.Args
	ref, ok := args.(string)
	if !ok || !strings.HasPrefix(ref, RefPrefix) {
		return dict.Wrap(args), nil
	}
	path := strings.TrimPrefix(ref, RefPrefix)
	if v, err := dict.Lookup(n.Locals, path); err == nil {
		return v, nil
	}
	v, err := c.Data.Lookup(path)
	if err != nil {
		return nil, fmt.Errorf("args %s: %w", ref, err)
	}
	return v, nil
}

// ArgsDict returns the current step's args when they are a mapping.
func (c *Context) ArgsDict() dict.Dict {
	args, err := c.Args()
	if err != nil {
		return nil
	}
	d, _ := args.(dict.Dict)
	return d
}

// Get resolves a dotted path in the Context, nil when missing.
func (c *Context) Get(path string) any { return c.Data.Get(path) }

// Lookup resolves a dotted path in the Context.
func (c *Context) Lookup(path string) (any, error) { return c.Data.Lookup(path) }

// Has reports whether a dotted path resolves in the Context.
func (c *Context) Has(path string) bool { return c.Data.Has(path) }

// Set writes value at a dotted path in the Context. Plain maps are
// wrapped into Dict.
func (c *Context) Set(path string, value any) error {
	if err := c.Data.SetPath(path, dict.Wrap(value)); err != nil {
		return err
	}
	c.recordWrite(path)
	return nil
}

// Keys returns the keys of the mapping at path in definition order: the
// order the document or seed declared them in, then the order later
// writes added them. Keys with no known order follow sorted.
func (c *Context) Keys(path string, m map[string]any) []string {
	return c.order.Keys(path, m)
}

// recordWrite keeps the key order in step with a new value written at
// path: the value's own order is unknown.
func (c *Context) recordWrite(path string) {
	c.order.Forget(path)
	c.recordKey(path)
}

// recordKey appends the last segment of path to its parent's key order.
func (c *Context) recordKey(path string) {
	parent, key := "", path
	if i := strings.LastIndex(path, dict.Separator); i >= 0 {
		parent, key = path[:i], path[i+1:]
	}
	c.order.Record(parent, key)
}

// Delete removes a top-level key.
func (c *Context) Delete(key string) {
	delete(c.Data, key)
}

// RegisterExpression makes fn callable by name from every expression.
func (c *Context) RegisterExpression(name string, fn ExpressionFunc) {
	c.expressions[name] = fn
}

// Expressions lists the registered expression names.
func (c *Context) Expressions() []string {
	return slices.Sorted(maps.Keys(c.expressions))
}

// Env builds the environment handed to the evaluator: the Context values,
// the registered expressions, the active locals and the current args.
func (c *Context) Env() map[string]any {
	env := make(map[string]any, len(c.Data)+len(c.expressions)+2)
	maps.Copy(env, c.Data)
	for name, fn := range c.expressions {
		env[name] = eval.Func(func(args ...any) (any, error) {
			return fn(c, args...)
		})
	}
	locals := c.Locals()
	if locals == nil {
		locals = dict.New()
	}
	env[EnvLocals] = locals
	if args, err := c.Args(); err == nil {
		env[EnvArgs] = args
	}
	return env
}

// Eval evaluates one expression. Failures are returned as
// *ExpressionError.
func (c *Context) Eval(text string) (any, error) {
	out, err := c.evaluator.Eval(text, c.Env())
	if err != nil {
		return nil, &ExpressionError{Expr: text, Err: err}
	}
	return dict.Wrap(out), nil
}

// EvalBool evaluates a condition, which must produce a bool.
func (c *Context) EvalBool(text string) (bool, error) {
	ok, err := eval.Bool(c.evaluator, text, c.Env())
	if err != nil {
		return false, &ExpressionError{Expr: text, Err: err}
	}
	return ok, nil
}
