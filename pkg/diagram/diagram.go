// Package diagram generates visual diagrams from parsed processes.
// Supports Mermaid flowchart, ASCII tree and Markdown formats.
package diagram

import (
	"fmt"
	"slices"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// Format represents the output diagram format.
type Format string

const (
	FormatMermaid  Format = "mermaid"
	FormatASCII    Format = "ascii"
	FormatMarkdown Format = "markdown"
)

// Formats lists the supported formats.
var Formats = []Format{FormatMermaid, FormatASCII, FormatMarkdown}

// maxLabel bounds the display width of a node label.
const maxLabel = 48

// Generate produces a diagram string from a parsed process.
func Generate(p *schema.Process, format Format) (string, error) {
	if p == nil {
		return "", fmt.Errorf("nil process")
	}
	switch format {
	case FormatMermaid:
		return generateMermaid(p), nil
	case FormatASCII:
		return generateASCII(p), nil
	case FormatMarkdown:
		return generateMarkdown(p), nil
	default:
		return "", fmt.Errorf("unsupported diagram format: %s", format)
	}
}

// Describe returns the one-line summary of a node used by every format,
// e.g. "for each line in order.lines" or "charge".
func Describe(n *schema.Node) string {
	var s string
	switch n.Flow {
	case "":
		switch {
		case n.Step != "" && n.Name != "" && n.Name != n.Step:
			s = n.Name + " (" + n.Step + ")"
		case n.Step != "":
			s = n.Step
		case n.Name != "":
			s = n.Name
		case len(n.Expressions) == 1:
			s = n.Expressions[0]
		default:
			s = fmt.Sprintf("%d expressions", len(n.Expressions))
		}
		return s
	case schema.FlowIf:
		s = "if " + conditions(n)
	case schema.FlowWhile:
		s = "while " + conditions(n)
	case schema.FlowDoWhile:
		s = "do while " + conditions(n)
	case schema.FlowForEach:
		s = "for each " + strings.Join(n.Var, ", ") + " in " + n.Collection
	case schema.FlowTry:
		s = "try"
		if len(n.Var) > 0 {
			s += " as " + n.Var.Name(schema.DefaultVar)
		}
	default:
		s = string(n.Flow)
	}
	if n.Name != "" {
		s = n.Name + ": " + s
	}
	return s
}

func conditions(n *schema.Node) string {
	return strings.Join(n.Conditions, " and ")
}

func icon(n *schema.Node) string {
	switch n.Flow {
	case "":
		if n.Step == "" {
			return "ƒ"
		}
		return "○"
	case schema.FlowIf:
		return "◇"
	case schema.FlowWhile, schema.FlowDoWhile:
		return "⟳"
	case schema.FlowForEach:
		return "↻"
	case schema.FlowTry:
		return "⚑"
	default:
		return "▢"
	}
}

// --- Mermaid flowchart ---

// exit is a dangling edge waiting for the next node.
type exit struct {
	from   string
	label  string
	dotted bool
}

type mermaid struct {
	b   strings.Builder
	seq int
}

func generateMermaid(p *schema.Process) string {
	m := &mermaid{}
	m.b.WriteString("flowchart TD\n")
	m.line("START([Start])")
	out := m.nodes(p.Process, []exit{{from: "START"}})
	m.line("END([End])")
	m.link(out, "END")
	return m.b.String()
}

func (m *mermaid) id() string {
	m.seq++
	return fmt.Sprintf("n%d", m.seq)
}

func (m *mermaid) line(s string) {
	m.b.WriteString("    " + s + "\n")
}

func (m *mermaid) link(in []exit, to string) {
	for _, e := range in {
		arrow := "-->"
		if e.dotted {
			arrow = "-.->"
		}
		if e.label != "" {
			m.line(fmt.Sprintf("%s %s|%q| %s", e.from, arrow, e.label, to))
		} else {
			m.line(fmt.Sprintf("%s %s %s", e.from, arrow, to))
		}
	}
}

func (m *mermaid) nodes(nodes []schema.Node, in []exit) []exit {
	for i := range nodes {
		in = m.node(&nodes[i], in)
	}
	return in
}

func (m *mermaid) node(n *schema.Node, in []exit) []exit {
	label := escMermaid(truncate(Describe(n), maxLabel))
	id := m.id()

	switch n.Flow {
	case "":
		if n.Step == "" {
			m.line(fmt.Sprintf(`%s[/"%s"/]`, id, label))
		} else {
			m.line(fmt.Sprintf(`%s["%s"]`, id, label))
		}
		m.link(in, id)
		return []exit{{from: id}}

	case schema.FlowIf:
		m.line(fmt.Sprintf(`%s{"%s"}`, id, label))
		m.link(in, id)
		out := m.nodes(n.Steps, []exit{{from: id, label: "yes"}})
		return append(out, m.nodes(n.ElseSteps, []exit{{from: id, label: "no"}})...)

	case schema.FlowWhile:
		m.line(fmt.Sprintf(`%s{"%s"}`, id, label))
		m.link(in, id)
		m.link(m.nodes(n.Steps, []exit{{from: id, label: "yes"}}), id)
		return []exit{{from: id, label: "no"}}

	case schema.FlowDoWhile:
		m.line(fmt.Sprintf(`%s(["do"])`, id))
		m.link(in, id)
		cond := m.id()
		m.line(fmt.Sprintf(`%s{"%s"}`, cond, label))
		m.link(m.nodes(n.Steps, []exit{{from: id}}), cond)
		m.link([]exit{{from: cond, label: "yes"}}, id)
		return []exit{{from: cond, label: "no"}}

	case schema.FlowForEach:
		m.line(fmt.Sprintf(`%s{{"%s"}}`, id, label))
		m.link(in, id)
		m.link(m.nodes(n.Steps, []exit{{from: id, label: "next"}}), id)
		return []exit{{from: id, label: "done"}}

	case schema.FlowTry:
		m.line(fmt.Sprintf(`%s(["%s"])`, id, label))
		m.link(in, id)
		out := m.nodes(n.Steps, []exit{{from: id}})
		catch := m.nodes(n.CatchSteps, []exit{{from: id, label: "on error", dotted: true}})
		return append(out, catch...)

	default:
		m.line(fmt.Sprintf(`%s(["%s"])`, id, label))
		m.link(in, id)
		return m.nodes(n.Steps, []exit{{from: id}})
	}
}

// --- ASCII ---

func generateASCII(p *schema.Process) string {
	var b strings.Builder

	name := p.Name
	if name == "" {
		name = "Process"
	}
	if len(p.Process) == 0 {
		b.WriteString(name + " (empty)\n")
		return b.String()
	}

	// Header box sized to the name; the tree hangs from its centre.
	width := max(runewidth.StringWidth(name)+4, 22)
	mid := width / 2
	b.WriteString("╔" + strings.Repeat("═", width) + "╗\n")
	b.WriteString("║" + centerPad(name, width) + "║\n")
	b.WriteString("╚" + strings.Repeat("═", mid) + "╤" + strings.Repeat("═", width-mid-1) + "╝\n")
	writeTree(&b, strings.Repeat(" ", mid+1), p.Process)
	return b.String()
}

// branch is a labelled child list of a node in the ASCII tree.
type branch struct {
	label string
	nodes []schema.Node
}

func branches(n *schema.Node) []branch {
	switch n.Flow {
	case schema.FlowIf:
		if len(n.ElseSteps) == 0 {
			return []branch{{nodes: n.Steps}}
		}
		return []branch{{"then", n.Steps}, {"else", n.ElseSteps}}
	case schema.FlowTry:
		if len(n.CatchSteps) == 0 {
			return []branch{{nodes: n.Steps}}
		}
		return []branch{{"try", n.Steps}, {"catch", n.CatchSteps}}
	}
	return []branch{{nodes: n.Steps}}
}

func writeTree(b *strings.Builder, prefix string, nodes []schema.Node) {
	for i := range nodes {
		n := &nodes[i]
		last := i == len(nodes)-1
		joint, next := "├─ ", "│  "
		if last {
			joint, next = "└─ ", "   "
		}
		b.WriteString(prefix + joint + icon(n) + " " + runewidth.Truncate(Describe(n), maxLabel, "…") + "\n")

		brs := branches(n)
		if len(brs) == 1 {
			writeTree(b, prefix+next, brs[0].nodes)
			continue
		}
		for j, br := range brs {
			bj, bn := "├─ ", "│  "
			if j == len(brs)-1 {
				bj, bn = "└─ ", "   "
			}
			b.WriteString(prefix + next + bj + br.label + ":\n")
			writeTree(b, prefix+next+bn, br.nodes)
		}
	}
}

// centerPad centers s within width using spaces, based on display width.
func centerPad(s string, width int) string {
	sw := runewidth.StringWidth(s)
	if sw >= width {
		return s
	}
	total := width - sw
	left := total / 2
	right := total - left
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", right)
}

// --- Markdown ---

func generateMarkdown(p *schema.Process) string {
	var b strings.Builder

	name := p.Name
	if name == "" {
		name = "Process"
	}
	b.WriteString("# " + name + "\n\n")
	if p.Description != "" {
		b.WriteString(strings.TrimSpace(p.Description) + "\n\n")
	}

	evaluator := p.Evaluator
	if evaluator == "" {
		evaluator = "expr"
	}
	fmt.Fprintf(&b, "- **Evaluator:** `%s`\n", evaluator)
	fmt.Fprintf(&b, "- **Nodes:** %d\n", schema.Count(p.Process))
	if steps := schema.StepNames(p.Process); len(steps) > 0 {
		fmt.Fprintf(&b, "- **Components:** `%s`\n", strings.Join(steps, "`, `"))
	}
	if len(p.Context) > 0 {
		keys := make([]string, 0, len(p.Context))
		for k := range p.Context {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		fmt.Fprintf(&b, "- **Context:** `%s`\n", strings.Join(keys, "`, `"))
	}

	b.WriteString("\n## Steps\n\n")
	writeOutline(&b, "", p.Process)

	b.WriteString("\n## Flow\n\n```mermaid\n")
	b.WriteString(generateMermaid(p))
	b.WriteString("```\n")
	return b.String()
}

func writeOutline(b *strings.Builder, indent string, nodes []schema.Node) {
	for i := range nodes {
		n := &nodes[i]
		fmt.Fprintf(b, "%s%d. %s `%s`\n", indent, i+1, icon(n), strings.ReplaceAll(Describe(n), "`", "'"))
		for _, expr := range expressionsOf(n) {
			fmt.Fprintf(b, "%s   - `%s`\n", indent, strings.ReplaceAll(expr, "`", "'"))
		}
		for _, br := range branches(n) {
			child := indent + "   "
			if br.label != "" {
				fmt.Fprintf(b, "%s   - *%s*\n", indent, br.label)
				child += "   "
			}
			writeOutline(b, child, br.nodes)
		}
	}
}

// expressionsOf returns the expressions worth listing under a node; a
// plain expression node already shows its single expression as its label.
func expressionsOf(n *schema.Node) []string {
	if !n.IsFlow() && n.Step == "" && n.Name == "" && len(n.Expressions) == 1 {
		return nil
	}
	return n.Expressions
}

// --- string helpers ---

func escMermaid(s string) string {
	s = strings.ReplaceAll(s, `"`, "#quot;")
	s = strings.ReplaceAll(s, `'`, "#apos;")
	return s
}

func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
