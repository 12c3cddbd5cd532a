// Package engine interprets a process tree: it dispatches steps to
// registered components, drives the flow state machine and maintains the
// Frame that scopes locals across nested flows.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/trace"
	"github.com/ormasoftchile/ctxflow/pkg/log"
)

type (
	// Component is the handler registered for a step name. It reads its
	// inputs from the Context and writes its results back into it.
	Component func(e *Engine, c *Context) error

	// FlowHandler drives one flow kind. The flow node is already pushed
	// and its expressions evaluated.
	FlowHandler func(e *Engine, flow *Node) error
)

// Config configures an Engine.
type Config struct {
	Name      string         // process name, used in traces and logs
	Evaluator eval.Evaluator // nil selects the expr evaluator
	Trace     *trace.Writer
	Logger    *slog.Logger
	Listeners []Listener
	Order     *dict.KeyOrder // key order of the mappings in data; nil iterates them sorted
}

// Engine executes one process against one Context.
type Engine struct {
	name       string
	process    []schema.Node
	ctx        *Context
	components map[string]Component
	flows      map[schema.FlowKind]FlowHandler
	listeners  []Listener
	trace      *trace.Writer
	log        *slog.Logger
	started    bool
	runCtx     context.Context
}

// New creates an engine for process over the initial context data.
func New(process []schema.Node, data map[string]any, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Discard()
	}
	e := &Engine{
		name:       cfg.Name,
		process:    process,
		ctx:        NewContext(data, cfg.Evaluator),
		components: map[string]Component{},
		flows:      map[schema.FlowKind]FlowHandler{},
		listeners:  slices.Clone(cfg.Listeners),
		trace:      cfg.Trace,
		log:        logger,
	}
	e.ctx.order = cfg.Order.Clone()
	registerFlows(e)
	return e
}

// NewFromProcess creates an engine for a loaded document. The document's
// context is seeded first and data overrides it. When cfg has no
// evaluator the one named by the document is used.
func NewFromProcess(p *schema.Process, data map[string]any, cfg Config) (*Engine, error) {
	if cfg.Evaluator == nil {
		ev, err := eval.New(p.Evaluator)
		if err != nil {
			return nil, err
		}
		cfg.Evaluator = ev
	}
	if cfg.Name == "" {
		cfg.Name = p.Name
	}
	seed := make(map[string]any, len(p.Context)+len(data))
	maps.Copy(seed, p.Context)
	maps.Copy(seed, data)
	order := p.ContextOrder.Clone()
	for _, k := range cfg.Order.Keys("", data) {
		order.Forget(k)
		order.Record("", k)
	}
	order.Merge(cfg.Order)
	cfg.Order = order
	return New(p.Process, seed, cfg), nil
}

// Ctx returns the context.Context bounding the current run. Components
// that block pass it on.
func (e *Engine) Ctx() context.Context {
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// Context returns the run's Context.
func (e *Engine) Context() *Context { return e.ctx }

// Frame returns the run's call stack.
func (e *Engine) Frame() *Frame { return e.ctx.frame }

// Process returns the top-level node list.
func (e *Engine) Process() []schema.Node { return e.process }

// RegisterComponent binds a step name to its handler.
func (e *Engine) RegisterComponent(name string, c Component) {
	e.components[name] = c
}

// RegisterFlow binds a flow kind to its handler, replacing any built-in.
func (e *Engine) RegisterFlow(kind schema.FlowKind, h FlowHandler) {
	e.flows[kind] = h
}

// RegisterExpression makes fn callable from every expression.
func (e *Engine) RegisterExpression(name string, fn ExpressionFunc) {
	e.ctx.RegisterExpression(name, fn)
}

// AddListener attaches an execution observer.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Components lists the registered step names.
func (e *Engine) Components() []string {
	return slices.Sorted(maps.Keys(e.components))
}

// HasComponent reports whether a step name is registered.
func (e *Engine) HasComponent(name string) bool {
	_, ok := e.components[name]
	return ok
}

// IsFinished reports whether a run has started and both stacks are
// empty again.
func (e *Engine) IsFinished() bool {
	return e.started && e.ctx.frame.Empty()
}

// Run executes the top-level node list. A failure that no try flow
// catches aborts the run and leaves the Frame as it was at the failure.
func (e *Engine) Run() error {
	return e.RunContext(context.Background())
}

// RunContext is Run bounded by ctx. Cancellation is checked before every
// node and every loop pass; once ctx is done the run fails with
// ErrCanceled, which no try flow catches.
func (e *Engine) RunContext(ctx context.Context) error {
	e.runCtx = ctx
	e.ctx.frame.Unwind(Depth{})
	e.started = true
	start := time.Now()

	e.log.Info("run started", log.Process(e.name), slog.Int("nodes", len(e.process)))
	if e.trace != nil {
		e.trace.EmitRunStart(e.name, e.ctx.Data)
	}

	err := e.DoSteps(e.process)
	duration := time.Since(start)

	if e.trace != nil {
		status := trace.StatusCompleted
		var failure *trace.Failure
		if err != nil {
			status = trace.StatusFailed
			failure = &trace.Failure{Kind: FailureKind(err), Message: err.Error()}
		}
		e.trace.EmitRunComplete(status, duration, failure)
	}
	if err != nil {
		e.log.Error("run failed", log.Process(e.name), log.Error(err),
			slog.Duration("duration", duration))
		return err
	}
	e.log.Info("run completed", log.Process(e.name), slog.Duration("duration", duration))
	return nil
}

// DoSteps executes nodes in order. Flow nodes go through DoFlow; plain
// steps are pushed, dispatched and popped.
func (e *Engine) DoSteps(nodes []schema.Node) error {
	for i := range nodes {
		if err := e.checkCanceled(); err != nil {
			return err
		}
		tpl := &nodes[i]
		if tpl.IsFlow() {
			if err := e.DoFlow(tpl); err != nil {
				return err
			}
			continue
		}
		n := e.ctx.frame.PushStep(tpl)
		if err := e.DoStep(n); err != nil {
			return err
		}
		if _, err := e.ctx.frame.PopStep(); err != nil {
			return err
		}
	}
	return nil
}

// DoStep evaluates the node's expressions in order, discarding results,
// then invokes the component named by its step.
func (e *Engine) DoStep(n *Node) error {
	if err := e.before(n); err != nil {
		return err
	}
	start := time.Now()
	tpl := n.Template
	depth := e.ctx.frame.Depth().Flows
	e.log.Debug("step start", log.Node(n.Label()), log.Step(tpl.Step), log.Depth(depth))
	if e.trace != nil {
		e.trace.EmitStepStart(n.Label(), tpl.Step, depth)
	}

	err := e.runStep(n)
	if err != nil {
		err = fmt.Errorf("step %s: %w", n.Label(), err)
	}

	e.after(n, err)
	if e.trace != nil {
		e.trace.EmitStepComplete(n.Label(), statusOf(err), time.Since(start), failureOf(err))
	}
	e.log.Debug("step complete", log.Node(n.Label()), log.Status(statusOf(err)))
	return err
}

func (e *Engine) runStep(n *Node) error {
	tpl := n.Template
	for _, text := range tpl.Expressions {
		if _, err := e.ctx.Eval(text); err != nil {
			return err
		}
	}
	if tpl.Step == "" {
		return nil
	}
	comp, ok := e.components[tpl.Step]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStep, tpl.Step)
	}
	return e.invoke(tpl.Step, comp)
}

func (e *Engine) invoke(name string, comp Component) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ComponentPanic{Step: name, Value: r}
		}
	}()
	return comp(e, e.ctx)
}

// DoFlow pushes a flow node, evaluates its expressions once, runs the
// handler for its kind and pops it.
func (e *Engine) DoFlow(tpl *schema.Node) error {
	flow := e.ctx.frame.PushFlow(tpl)
	if err := e.before(flow); err != nil {
		return err
	}
	start := time.Now()
	depth := e.ctx.frame.Depth().Flows
	e.log.Debug("flow enter", log.Node(flow.Label()), log.Flow(tpl.Flow), log.Depth(depth))
	if e.trace != nil {
		e.trace.EmitFlowEnter(flow.Label(), string(tpl.Flow), depth)
	}

	err := e.runFlow(flow)

	e.after(flow, err)
	if e.trace != nil {
		e.trace.EmitFlowExit(flow.Label(), string(tpl.Flow), statusOf(err), time.Since(start))
	}
	e.log.Debug("flow exit", log.Node(flow.Label()), log.Flow(tpl.Flow), log.Status(statusOf(err)))
	if err != nil {
		return err
	}
	_, err = e.ctx.frame.PopFlow()
	return err
}

func (e *Engine) runFlow(flow *Node) error {
	tpl := flow.Template
	for _, text := range tpl.Expressions {
		if _, err := e.ctx.Eval(text); err != nil {
			return fmt.Errorf("%s %s: %w", tpl.Flow, flow.Label(), err)
		}
	}
	h, ok := e.flows[tpl.Flow]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFlow, tpl.Flow)
	}
	return h(e, flow)
}

// SetLocal writes into the active scope. A dotted name writes into a
// nested value that must already exist. Plain maps are wrapped into Dict.
func (e *Engine) SetLocal(name string, value any) error {
	locals := e.ctx.Locals()
	if locals == nil {
		return ErrNoActiveFrame
	}
	if strings.Contains(name, dict.Separator) {
		return locals.SetPath(name, dict.Wrap(value))
	}
	locals[name] = dict.Wrap(value)
	return nil
}

// IncrementLoopCounter starts the flow's counter at 0 when absent and
// adds one otherwise.
func (e *Engine) IncrementLoopCounter(flow *Node) error {
	name := flow.Var()
	cur, ok := flow.Locals[name]
	if !ok {
		flow.Locals[name] = 0
		return nil
	}
	i, ok := toInt(cur)
	if !ok {
		return fmt.Errorf("%w: %q holds %T", ErrLoopCounter, name, cur)
	}
	flow.Locals[name] = i + 1
	return nil
}

// LoopCounter returns the flow's current counter value.
func (e *Engine) LoopCounter(flow *Node) int {
	i, _ := toInt(flow.Locals[flow.Var()])
	return i
}

// EvaluateConditions reports whether every condition of the flow holds.
// Conditions run left to right and stop at the first false one.
func (e *Engine) EvaluateConditions(flow *Node) (bool, error) {
	for _, cond := range flow.Template.Conditions {
		ok, err := e.ctx.EvalBool(cond)
		if err != nil {
			return false, fmt.Errorf("%s %s: %w", flow.Template.Flow, flow.Label(), err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) checkCanceled() error {
	if e.runCtx == nil || e.runCtx.Err() == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrCanceled, context.Cause(e.runCtx))
}

func (e *Engine) before(n *Node) error {
	for _, l := range e.listeners {
		if err := l.BeforeNode(e, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) after(n *Node, err error) {
	for _, l := range e.listeners {
		l.AfterNode(e, n, err)
	}
}

func statusOf(err error) trace.Status {
	if err != nil {
		return trace.StatusFailed
	}
	return trace.StatusSuccess
}

func failureOf(err error) *trace.Failure {
	if err == nil {
		return nil
	}
	return &trace.Failure{Kind: FailureKind(err), Message: err.Error()}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}
