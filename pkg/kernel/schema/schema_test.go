package schema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestLoad_ValidProcess(t *testing.T) {
	doc := `
name: counter
evaluator: expr
context:
  total: 0
process:
  - step: start
    args: {message: hi}
  - flow: while
    var: i
    conditions: ["locals.i < 3"]
    steps:
      - expressions: ["set('total', total + 1)"]
  - flow: for each
    collection: items
    var: [k, v]
    steps:
      - step: visit
`
	p, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name != "counter" {
		t.Errorf("name = %q, want counter", p.Name)
	}
	if len(p.Process) != 3 {
		t.Fatalf("process = %d nodes, want 3", len(p.Process))
	}
	if p.Context["total"] != 0 {
		t.Errorf("context total = %v", p.Context["total"])
	}
	loop := p.Process[1]
	if !loop.IsFlow() || loop.Flow != FlowWhile {
		t.Errorf("flow = %q, want while", loop.Flow)
	}
	if loop.Var.IsList() || loop.Var.Name(DefaultVar) != "i" {
		t.Errorf("while var = %v", loop.Var)
	}
	each := p.Process[2]
	if !each.Var.IsList() {
		t.Fatalf("for each var should be a list, got %v", each.Var)
	}
	if k, v := each.Var.Pair(); k != "k" || v != "v" {
		t.Errorf("pair = (%s, %s)", k, v)
	}
}

func TestLoad_UnknownField(t *testing.T) {
	doc := `
process:
  - step: a
    retries: 3
`
	_, err := Load(strings.NewReader(doc))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "structural decode") {
		t.Errorf("error = %v", err)
	}
}

func TestLoad_JSONDocument(t *testing.T) {
	doc := `{"process": [{"flow": "try", "var": "err", "steps": [{"step": "boom"}], "catchsteps": [{"step": "log"}]}]}`
	p, err := Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n := p.Process[0]
	if n.Flow != FlowTry || len(n.CatchSteps) != 1 {
		t.Errorf("unexpected node: %+v", n)
	}
	if p.Context == nil {
		t.Error("context should default to an empty map")
	}
}

func TestLoad_Empty(t *testing.T) {
	if _, err := Load(strings.NewReader("")); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestVarSpec_Decode(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    VarSpec
		wantErr bool
	}{
		{"scalar", "var: x", VarSpec{"x"}, false},
		{"pair", "var: [a, b]", VarSpec{"a", "b"}, false},
		{"absent", "name: n", nil, false},
		{"triple", "var: [a, b, c]", nil, true},
		{"mapping", "var: {a: b}", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nodes, err := ParseNodes([]byte("- " + tt.doc))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := nodes[0].Var
			if len(got) != len(tt.want) {
				t.Fatalf("var = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("var[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestVarSpec_JSON(t *testing.T) {
	data, err := json.Marshal(Node{Flow: FlowForEach, Var: Var("x")})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"var":"x"`) {
		t.Errorf("single var should encode as string: %s", data)
	}
	data, _ = json.Marshal(Node{Flow: FlowForEach, Var: VarPair("k", "v")})
	if !strings.Contains(string(data), `"var":["k","v"]`) {
		t.Errorf("pair should encode as list: %s", data)
	}

	var n Node
	if err := json.Unmarshal([]byte(`{"var": ["k", 1]}`), &n); err == nil {
		t.Error("expected error for non-string var entry")
	}
	if err := json.Unmarshal([]byte(`{"var": ["k", "v"]}`), &n); err != nil || !n.Var.IsList() {
		t.Errorf("var = %v, err = %v", n.Var, err)
	}
}

func TestVarSpec_NameDefault(t *testing.T) {
	var v VarSpec
	if v.Name(DefaultVar) != "_" {
		t.Errorf("default name = %q", v.Name(DefaultVar))
	}
	if v.IsList() {
		t.Error("empty var is not a list")
	}
}

func TestWalk(t *testing.T) {
	nodes := []Node{
		{Step: "a"},
		{Flow: FlowIf, Conditions: []string{"true"},
			Steps:     []Node{{Step: "b"}},
			ElseSteps: []Node{{Step: "c"}, {Step: "a"}},
		},
		{Flow: FlowTry, Steps: []Node{{Step: "d"}}, CatchSteps: []Node{{Step: "e"}}},
	}
	var paths []string
	Walk(nodes, func(path string, n *Node, depth int) bool {
		paths = append(paths, path)
		return true
	})
	want := []string{
		"process[0]",
		"process[1]",
		"process[1].steps[0]",
		"process[1].elsesteps[0]",
		"process[1].elsesteps[1]",
		"process[2]",
		"process[2].steps[0]",
		"process[2].catchsteps[0]",
	}
	if strings.Join(paths, ",") != strings.Join(want, ",") {
		t.Errorf("paths = %v\nwant    %v", paths, want)
	}
	if Count(nodes) != len(want) {
		t.Errorf("count = %d", Count(nodes))
	}
	if got := strings.Join(StepNames(nodes), ","); got != "a,b,c,d,e" {
		t.Errorf("step names = %s", got)
	}
}

func TestFlowKindKnown(t *testing.T) {
	if !FlowDoWhile.Known() {
		t.Error("do while should be known")
	}
	if FlowKind("loop").Known() {
		t.Error("loop should not be known")
	}
}

func TestGenerateProcessJSONSchema(t *testing.T) {
	data, err := GenerateProcessJSONSchema()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if doc["$id"] != SchemaID {
		t.Errorf("$id = %v", doc["$id"])
	}
	for _, want := range []string{`"Node"`, `"catchsteps"`, `"oneOf"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("schema missing %s", want)
		}
	}
}

func TestLoad_ContextOrder(t *testing.T) {
	p, err := Parse([]byte(`
context:
  zeta: {b: 1, a: 2}
  alpha: [{y: 1, x: 2}]
process: []
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	checks := map[string][]string{
		"":        {"zeta", "alpha"},
		"zeta":    {"b", "a"},
		"alpha.0": {"y", "x"},
	}
	for path, want := range checks {
		got := p.ContextOrder.Recorded(path)
		if strings.Join(got, ",") != strings.Join(want, ",") {
			t.Errorf("order at %q = %v, want %v", path, got, want)
		}
	}

	p, err = Parse([]byte("process: []\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ContextOrder == nil || len(p.ContextOrder.Recorded("")) != 0 {
		t.Errorf("expected an empty order, got %v", p.ContextOrder)
	}
}
