package engine

// Listener observes execution. BeforeNode runs after a node is pushed and
// before it executes; returning an error (typically ErrHalted) fails the
// node as if it had raised the error itself.
type Listener interface {
	BeforeNode(e *Engine, n *Node) error
	AfterNode(e *Engine, n *Node, err error)
	Iteration(e *Engine, flow *Node, iteration int, binding map[string]any)
	Caught(e *Engine, flow *Node, caught *CaughtError)
}

// Hooks adapts optional functions to Listener.
type Hooks struct {
	OnBefore    func(e *Engine, n *Node) error
	OnAfter     func(e *Engine, n *Node, err error)
	OnIteration func(e *Engine, flow *Node, iteration int, binding map[string]any)
	OnCaught    func(e *Engine, flow *Node, caught *CaughtError)
}

var _ Listener = Hooks{}

func (h Hooks) BeforeNode(e *Engine, n *Node) error {
	if h.OnBefore == nil {
		return nil
	}
	return h.OnBefore(e, n)
}

func (h Hooks) AfterNode(e *Engine, n *Node, err error) {
	if h.OnAfter != nil {
		h.OnAfter(e, n, err)
	}
}

func (h Hooks) Iteration(e *Engine, flow *Node, iteration int, binding map[string]any) {
	if h.OnIteration != nil {
		h.OnIteration(e, flow, iteration, binding)
	}
}

func (h Hooks) Caught(e *Engine, flow *Node, caught *CaughtError) {
	if h.OnCaught != nil {
		h.OnCaught(e, flow, caught)
	}
}
