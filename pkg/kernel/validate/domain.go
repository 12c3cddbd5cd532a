package validate

import (
	"fmt"
	"slices"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// validateDomain runs the process-level rules a JSON Schema cannot express.
func validateDomain(p *schema.Process, opts Options) []*ValidationError {
	var errs []*ValidationError

	// The semantic phase already restricts the evaluator name.
	ev, _ := eval.New(p.Evaluator)

	if len(p.Process) == 0 {
		errs = append(errs, warningf(PhaseDomain, "process", "process has no nodes"))
	}

	names := map[string]string{} // name → path
	schema.Walk(p.Process, func(path string, n *schema.Node, _ int) bool {
		// D1: node shape per flow kind
		if n.IsFlow() {
			errs = append(errs, validateFlow(n, path, opts)...)
		} else {
			errs = append(errs, validateStep(n, path, opts)...)
		}

		// D2: var declaration shape
		if err := checkVar(n.Var); err != "" {
			errs = append(errs, errorf(PhaseDomain, path+".var", "%s", err))
		}

		// D3: expressions and conditions must parse
		if ev != nil {
			errs = append(errs, validateExpressions(ev, n, path)...)
		}

		// D4: node names should be unique so traces stay unambiguous
		if n.Name != "" {
			if prev, ok := names[n.Name]; ok {
				errs = append(errs, warningf(PhaseDomain, path+".name", "duplicate node name %q (first at %s)", n.Name, prev))
			} else {
				names[n.Name] = path
			}
		}
		return true
	})
	return errs
}

func validateFlow(n *schema.Node, path string, opts Options) []*ValidationError {
	var errs []*ValidationError
	kind := n.Flow

	if !kind.Known() {
		if slices.Contains(opts.Flows, kind) {
			return nil
		}
		return []*ValidationError{
			errorf(PhaseDomain, path+".flow", "unknown flow %q (supported: %v)", kind, schema.FlowKinds),
		}
	}
	if n.Step != "" {
		errs = append(errs, errorf(PhaseDomain, path+".step", "flow node cannot also name a step"))
	}
	if n.Args != nil {
		errs = append(errs, errorf(PhaseDomain, path+".args", "args are only passed to steps"))
	}
	if len(n.Steps) == 0 && kind != schema.FlowWhile && kind != schema.FlowDoWhile {
		errs = append(errs, warningf(PhaseDomain, path+".steps", "%s flow has no steps", kind))
	}

	switch kind {
	case schema.FlowIf, schema.FlowWhile, schema.FlowDoWhile:
		if len(n.Conditions) == 0 {
			errs = append(errs, errorf(PhaseDomain, path+".conditions", "%s flow requires 'conditions'", kind))
		}
	default:
		if len(n.Conditions) > 0 {
			errs = append(errs, errorf(PhaseDomain, path+".conditions", "'conditions' is not used by %s flow", kind))
		}
	}

	if kind == schema.FlowForEach {
		if n.Collection == "" {
			errs = append(errs, errorf(PhaseDomain, path+".collection", "for each flow requires 'collection'"))
		}
		if len(n.Var) == 0 {
			errs = append(errs, errorf(PhaseDomain, path+".var", "for each flow requires 'var'"))
		}
	} else {
		if n.Collection != "" {
			errs = append(errs, errorf(PhaseDomain, path+".collection", "'collection' is only valid on for each flow"))
		}
		if n.Var.IsList() {
			errs = append(errs, errorf(PhaseDomain, path+".var", "a [key, value] var is only valid on for each flow"))
		}
	}

	if kind != schema.FlowIf && len(n.ElseSteps) > 0 {
		errs = append(errs, errorf(PhaseDomain, path+".elsesteps", "'elsesteps' is only valid on if flow"))
	}
	if kind != schema.FlowTry && len(n.CatchSteps) > 0 {
		errs = append(errs, errorf(PhaseDomain, path+".catchsteps", "'catchsteps' is only valid on try flow"))
	}
	return errs
}

func validateStep(n *schema.Node, path string, opts Options) []*ValidationError {
	var errs []*ValidationError
	flowOnly := []struct {
		set   bool
		field string
	}{
		{len(n.Conditions) > 0, "conditions"},
		{len(n.Steps) > 0, "steps"},
		{len(n.ElseSteps) > 0, "elsesteps"},
		{len(n.CatchSteps) > 0, "catchsteps"},
		{n.Collection != "", "collection"},
		{len(n.Var) > 0, "var"},
		{n.FailOnError, "fail_on_error"},
	}
	for _, f := range flowOnly {
		if f.set {
			errs = append(errs, errorf(PhaseDomain, path+"."+f.field, "%q is only valid on flow nodes (missing 'flow'?)", f.field))
		}
	}

	if n.Step == "" && len(n.Expressions) == 0 {
		errs = append(errs, warningf(PhaseDomain, path, "node has neither 'step' nor 'expressions'"))
	}
	if n.Step != "" && len(opts.Components) > 0 && !slices.Contains(opts.Components, n.Step) {
		errs = append(errs, warningf(PhaseDomain, path+".step", "no component registered for step %q", n.Step))
	}
	return errs
}

func checkVar(v schema.VarSpec) string {
	if len(v) > 2 {
		return "expected a name or a [key, value] pair"
	}
	for _, name := range v {
		if name == "" {
			return "empty variable name"
		}
	}
	if v.IsList() && v[0] == v[1] {
		return "key and value variables must differ"
	}
	return ""
}

func validateExpressions(ev eval.Evaluator, n *schema.Node, path string) []*ValidationError {
	var errs []*ValidationError
	for i, text := range n.Expressions {
		if err := eval.Check(ev, text); err != nil {
			errs = append(errs, errorf(PhaseDomain, indexed(path+".expressions", i), "invalid expression: %s", err))
		}
	}
	for i, text := range n.Conditions {
		if err := eval.Check(ev, text); err != nil {
			errs = append(errs, errorf(PhaseDomain, indexed(path+".conditions", i), "invalid condition: %s", err))
		}
	}
	return errs
}

func indexed(path string, i int) string {
	return fmt.Sprintf("%s[%d]", path, i)
}
