package debugger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// maxValueWidth bounds the display width of a printed value.
const maxValueWidth = 100

// handleBreak toggles a breakpoint on a node label, or lists them.
func (d *Debugger) handleBreak(label string) {
	if label == "" {
		if len(d.breakpoints) == 0 {
			fmt.Fprintf(d.output, "No breakpoints set.\n")
			return
		}
		for _, l := range slices.Sorted(maps.Keys(d.breakpoints)) {
			fmt.Fprintf(d.output, "  ● %s\n", l)
		}
		return
	}
	if d.breakpoints[label] {
		delete(d.breakpoints, label)
		fmt.Fprintf(d.output, "Breakpoint removed: %s\n", label)
		return
	}
	d.breakpoints[label] = true
	fmt.Fprintf(d.output, "Breakpoint set: %s\n", label)
}

// handleLocals prints the active scope.
func (d *Debugger) handleLocals() {
	locals := d.engine.Context().Locals()
	if len(locals) == 0 {
		fmt.Fprintf(d.output, "No locals in scope.\n")
		return
	}
	d.printDict(locals, nil)
}

// handleContext prints the Context, optionally restricted to a glob
// pattern such as "order.**".
func (d *Debugger) handleContext(pattern string) {
	var vis *dict.Visibility
	if pattern != "" {
		vis = &dict.Visibility{Allow: strings.Fields(pattern)}
	}
	if !d.printDict(d.engine.Context().Data, vis) {
		fmt.Fprintf(d.output, "No context values match.\n")
	}
}

func (d *Debugger) printDict(data dict.Dict, vis *dict.Visibility) bool {
	paths, flat := dict.Filter(data, vis)
	for _, path := range paths {
		fmt.Fprintf(d.output, "  %s = %s\n", keyStyle.Render(path), formatValue(flat[path]))
	}
	return len(paths) > 0
}

// handleStack prints the live nodes, outermost first.
func (d *Debugger) handleStack() {
	nodes := d.engine.Frame().Snapshot()
	if len(nodes) == 0 {
		fmt.Fprintf(d.output, "Stack is empty.\n")
		return
	}
	for i, n := range nodes {
		fmt.Fprintf(d.output, "  %s%s %s\n", strings.Repeat("  ", i), dimStyle.Render("#"+fmt.Sprint(i)), describe(n))
	}
}

// handleEval evaluates an expression against the live Context and scope.
func (d *Debugger) handleEval(text string) {
	if text == "" {
		fmt.Fprintf(d.output, "Usage: eval <expression>\n")
		return
	}
	out, err := d.engine.Context().Eval(text)
	if err != nil {
		fmt.Fprintf(d.output, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(d.output, "  = %s\n", formatValue(out))
}

// handleHelp lists the commands.
func (d *Debugger) handleHelp() {
	help := [][2]string{
		{"next, n", "run the current node and pause before the next one"},
		{"continue, c", "run until a breakpoint or the end"},
		{"break, b [label]", "toggle a breakpoint on a node label, or list them"},
		{"locals, l", "show the active scope"},
		{"context, ctx [glob]", "show context values, e.g. 'context order.**'"},
		{"stack, s", "show the live steps and flows"},
		{"eval, e <expr>", "evaluate an expression in the current scope"},
		{"help, ?", "show this help"},
		{"quit, q", "halt the run and exit"},
	}
	width := 0
	for _, h := range help {
		width = max(width, runewidth.StringWidth(h[0]))
	}
	for _, h := range help {
		fmt.Fprintf(d.output, "  %s  %s\n", runewidth.FillRight(h[0], width), h[1])
	}
}

func describe(n *engine.Node) string {
	tpl := n.Template
	if tpl.Flow == "" {
		if tpl.Step == "" {
			return fmt.Sprintf("%s (%d expressions)", n.Label(), len(tpl.Expressions))
		}
		return "step " + n.Label()
	}

	var s string
	switch tpl.Flow {
	case schema.FlowForEach:
		s = fmt.Sprintf("for each %s in %s", strings.Join(tpl.Var, ", "), tpl.Collection)
	case schema.FlowIf, schema.FlowWhile, schema.FlowDoWhile:
		s = fmt.Sprintf("%s %s", tpl.Flow, strings.Join(tpl.Conditions, " and "))
	default:
		s = string(tpl.Flow)
	}
	if tpl.Name != "" {
		s = tpl.Name + ": " + s
	}
	return s
}

func formatBinding(binding map[string]any) string {
	parts := make([]string, 0, len(binding))
	for _, k := range slices.Sorted(maps.Keys(binding)) {
		parts = append(parts, k+"="+formatValue(binding[k]))
	}
	return strings.Join(parts, " ")
}

// formatValue renders v as compact JSON, truncated to maxValueWidth.
func formatValue(v any) string {
	s := fmt.Sprint(v)
	if data, err := json.Marshal(v); err == nil {
		s = string(data)
	}
	return runewidth.Truncate(s, maxValueWidth, "…")
}
