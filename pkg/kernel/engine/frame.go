package engine

import (
	"cmp"
	"slices"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// Node is the runtime counterpart of a schema.Node. It is created on push
// and discarded on pop; the template it points to is never modified.
type Node struct {
	Template *schema.Node
	Locals   dict.Dict
	Flow     bool

	// Err holds the failure caught by a try flow.
	Err *CaughtError

	seq uint64
}

// Label names the node for traces, logs and the debugger.
func (n *Node) Label() string {
	return n.Template.Label()
}

// Kind returns the flow kind, or "step".
func (n *Node) Kind() string {
	if n.Flow {
		return string(n.Template.Flow)
	}
	return "step"
}

// Var returns the node's single variable name, defaulting to "_".
func (n *Node) Var() string {
	return n.Template.Var.Name(schema.DefaultVar)
}

// Frame is the run's call stack: one stack of live steps and one of live
// flows. The most recently pushed node across both is the active node.
type Frame struct {
	steps []*Node
	flows []*Node
	seq   uint64
}

// Depth records the height of both stacks.
type Depth struct {
	Steps int
	Flows int
}

// NewFrame returns an empty Frame.
func NewFrame() *Frame {
	return &Frame{}
}

// PushStep pushes a step node. Inside a flow the step shares the flow's
// locals; otherwise it gets a fresh scope.
func (f *Frame) PushStep(tpl *schema.Node) *Node {
	n := f.newNode(tpl, false)
	if cur := f.topFlow(); cur != nil {
		n.Locals = cur.Locals
	}
	f.steps = append(f.steps, n)
	return n
}

// PushFlow pushes a flow node. Inside another flow its locals start as a
// shallow copy of the enclosing flow's locals.
func (f *Frame) PushFlow(tpl *schema.Node) *Node {
	n := f.newNode(tpl, true)
	if cur := f.topFlow(); cur != nil {
		n.Locals = cur.Locals.Clone()
	}
	f.flows = append(f.flows, n)
	return n
}

func (f *Frame) newNode(tpl *schema.Node, flow bool) *Node {
	f.seq++
	return &Node{
		Template: tpl,
		Locals:   dict.New(),
		Flow:     flow,
		seq:      f.seq,
	}
}

// PopStep removes and returns the top step node.
func (f *Frame) PopStep() (*Node, error) {
	if len(f.steps) == 0 {
		return nil, ErrEmptyStack
	}
	n := f.steps[len(f.steps)-1]
	f.steps = f.steps[:len(f.steps)-1]
	return n, nil
}

// PopFlow removes and returns the top flow node.
func (f *Frame) PopFlow() (*Node, error) {
	if len(f.flows) == 0 {
		return nil, ErrEmptyStack
	}
	n := f.flows[len(f.flows)-1]
	f.flows = f.flows[:len(f.flows)-1]
	return n, nil
}

// CurrentStep returns the top step node.
func (f *Frame) CurrentStep() (*Node, error) {
	if len(f.steps) == 0 {
		return nil, ErrNoActiveFrame
	}
	return f.steps[len(f.steps)-1], nil
}

// CurrentFlow returns the top flow node.
func (f *Frame) CurrentFlow() (*Node, error) {
	if cur := f.topFlow(); cur != nil {
		return cur, nil
	}
	return nil, ErrNoActiveFrame
}

func (f *Frame) topFlow() *Node {
	if len(f.flows) == 0 {
		return nil
	}
	return f.flows[len(f.flows)-1]
}

// Active returns the most recently pushed live node, or nil.
func (f *Frame) Active() *Node {
	var step, flow *Node
	if len(f.steps) > 0 {
		step = f.steps[len(f.steps)-1]
	}
	flow = f.topFlow()
	switch {
	case step == nil:
		return flow
	case flow == nil:
		return step
	case step.seq > flow.seq:
		return step
	}
	return flow
}

// Empty reports whether both stacks are empty.
func (f *Frame) Empty() bool {
	return len(f.steps) == 0 && len(f.flows) == 0
}

// Depth returns the current height of both stacks.
func (f *Frame) Depth() Depth {
	return Depth{Steps: len(f.steps), Flows: len(f.flows)}
}

// Unwind pops both stacks back down to d. Heights already below d are left
// alone.
func (f *Frame) Unwind(d Depth) {
	if len(f.steps) > d.Steps {
		clear(f.steps[d.Steps:])
		f.steps = f.steps[:d.Steps]
	}
	if len(f.flows) > d.Flows {
		clear(f.flows[d.Flows:])
		f.flows = f.flows[:d.Flows]
	}
}

// Snapshot returns every live node in push order, oldest first.
func (f *Frame) Snapshot() []*Node {
	out := make([]*Node, 0, len(f.steps)+len(f.flows))
	out = append(out, f.steps...)
	out = append(out, f.flows...)
	slices.SortFunc(out, func(a, b *Node) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}
