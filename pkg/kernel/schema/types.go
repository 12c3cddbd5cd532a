// Package schema defines the process document: a static tree of steps and
// flow control blocks.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

// DefaultVar is the loop counter and catch variable name used when a flow
// declares no var.
const DefaultVar = "_"

// ---------------------------------------------------------------------------
// Process
// ---------------------------------------------------------------------------

// Process is the top-level document.
type Process struct {
	Name        string         `yaml:"name,omitempty"        json:"name,omitempty"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Evaluator   string         `yaml:"evaluator,omitempty"   json:"evaluator,omitempty" jsonschema:"enum=expr,enum=lua"`
	Context     map[string]any `yaml:"context,omitempty"     json:"context,omitempty"`
	Process     []Node         `yaml:"process"               json:"process"`

	// ContextOrder is the key order of every mapping under context, as
	// written in the document.
	ContextOrder *dict.KeyOrder `yaml:"-" json:"-"`
}

// ---------------------------------------------------------------------------
// Node
// ---------------------------------------------------------------------------

// FlowKind selects the flow handler for a flow node.
type FlowKind string

const (
	FlowBlock   FlowKind = "block"
	FlowIf      FlowKind = "if"
	FlowWhile   FlowKind = "while"
	FlowDoWhile FlowKind = "do while"
	FlowForEach FlowKind = "for each"
	FlowTry     FlowKind = "try"
)

// FlowKinds lists the built-in flow kinds.
var FlowKinds = []FlowKind{FlowBlock, FlowIf, FlowWhile, FlowDoWhile, FlowForEach, FlowTry}

// Known reports whether k is a built-in flow kind.
func (k FlowKind) Known() bool {
	for _, f := range FlowKinds {
		if f == k {
			return true
		}
	}
	return false
}

// Node is one element of the process tree. A node with Flow set is a flow
// node; otherwise it is a plain step. A node with neither Step nor
// Expressions only occupies a scope.
type Node struct {
	Name        string   `yaml:"name,omitempty"        json:"name,omitempty"`
	Step        string   `yaml:"step,omitempty"        json:"step,omitempty"`
	Expressions []string `yaml:"expressions,omitempty" json:"expressions,omitempty"`
	Args        any      `yaml:"args,omitempty"        json:"args,omitempty"`

	// Flow nodes
	Flow        FlowKind `yaml:"flow,omitempty"          json:"flow,omitempty"`
	Conditions  []string `yaml:"conditions,omitempty"    json:"conditions,omitempty"`
	Steps       []Node   `yaml:"steps,omitempty"         json:"steps,omitempty"`
	ElseSteps   []Node   `yaml:"elsesteps,omitempty"     json:"elsesteps,omitempty"`
	Collection  string   `yaml:"collection,omitempty"    json:"collection,omitempty"`
	Var         VarSpec  `yaml:"var,omitempty"           json:"var,omitempty"`
	CatchSteps  []Node   `yaml:"catchsteps,omitempty"    json:"catchsteps,omitempty"`
	FailOnError bool     `yaml:"fail_on_error,omitempty" json:"fail_on_error,omitempty"`
}

// IsFlow reports whether n is a flow node.
func (n *Node) IsFlow() bool {
	return n.Flow != ""
}

// Label returns a short human-readable identifier for n.
func (n *Node) Label() string {
	switch {
	case n.Name != "":
		return n.Name
	case n.IsFlow():
		return string(n.Flow)
	case n.Step != "":
		return n.Step
	case len(n.Expressions) > 0:
		return "expressions"
	}
	return "scope"
}

// ---------------------------------------------------------------------------
// VarSpec
// ---------------------------------------------------------------------------

// VarSpec is a variable declaration: either a single name or a
// [key, value] pair. It decodes from a string or a two-element list.
type VarSpec []string

// Var builds a single-name VarSpec.
func Var(name string) VarSpec {
	return VarSpec{name}
}

// VarPair builds a [key, value] VarSpec.
func VarPair(key, value string) VarSpec {
	return VarSpec{key, value}
}

// IsList reports whether v holds a key/value pair.
func (v VarSpec) IsList() bool {
	return len(v) == 2
}

// Name returns the single variable name, or def when none is declared.
func (v VarSpec) Name(def string) string {
	if len(v) == 0 || v[0] == "" {
		return def
	}
	return v[0]
}

// Pair returns the key and value names of a list VarSpec.
func (v VarSpec) Pair() (string, string) {
	if !v.IsList() {
		return v.Name(DefaultVar), ""
	}
	return v[0], v[1]
}

func (v VarSpec) check() error {
	if len(v) > 2 {
		return fmt.Errorf("var: expected a name or a [key, value] pair, got %d names", len(v))
	}
	for _, name := range v {
		if name == "" {
			return fmt.Errorf("var: empty name")
		}
	}
	return nil
}

// UnmarshalYAML accepts a scalar name or a sequence of names.
func (v *VarSpec) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			*v = nil
			return nil
		}
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		*v = VarSpec{name}
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return err
		}
		*v = VarSpec(names)
	default:
		return fmt.Errorf("line %d: var: expected string or list of strings", node.Line)
	}
	return v.check()
}

// UnmarshalJSON accepts a string or an array of strings.
func (v *VarSpec) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch val := raw.(type) {
	case nil:
		*v = nil
		return nil
	case string:
		*v = VarSpec{val}
	case []any:
		names := make(VarSpec, 0, len(val))
		for _, item := range val {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("var: list entries must be strings, got %T", item)
			}
			names = append(names, s)
		}
		*v = names
	default:
		return fmt.Errorf("var: expected string or list of strings, got %T", raw)
	}
	return v.check()
}

// MarshalJSON renders a single name as a string and a pair as a list.
func (v VarSpec) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

// JSONSchema describes the string-or-pair shape for schema export.
func (VarSpec) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		OneOf: []*jsonschema.Schema{
			{Type: "string"},
			{Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		},
	}
}
