// Package debugger implements the interactive REPL debugger for processes.
// It attaches to an engine as a listener and pauses before nodes.
package debugger

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// LineReader is the part of a readline instance the debugger uses.
type LineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
	Close() error
}

// Options configures a Debugger.
type Options struct {
	HistoryFile string
	Output      io.Writer // defaults to os.Stdout
	Input       LineReader
}

// Debugger provides an interactive REPL for stepping through a run.
type Debugger struct {
	process     *schema.Process
	engine      *engine.Engine
	output      io.Writer
	rl          LineReader
	historyFile string

	stepping    bool
	breakpoints map[string]bool
	quit        bool
}

var _ engine.Listener = (*Debugger)(nil)

// commands drives completion and help.
var commands = []string{"next", "continue", "break", "locals", "context",
	"stack", "eval", "help", "quit"}

// New creates a debugger for the engine running p and attaches to it.
func New(p *schema.Process, eng *engine.Engine, opts Options) *Debugger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	d := &Debugger{
		process:     p,
		engine:      eng,
		output:      out,
		rl:          opts.Input,
		historyFile: opts.HistoryFile,
		stepping:    true,
		breakpoints: map[string]bool{},
	}
	eng.AddListener(d)
	return d
}

// Engine returns the engine being debugged.
func (d *Debugger) Engine() *engine.Engine {
	return d.engine
}

// Run executes the process, pausing for commands before each node. Quitting
// halts the run and is not reported as an error.
func (d *Debugger) Run() error {
	if d.rl == nil {
		completer := readline.NewPrefixCompleter()
		for _, cmd := range commands {
			completer.Children = append(completer.Children, readline.PcItem(cmd))
		}
		rl, err := readline.NewEx(&readline.Config{
			Prompt:          "ctxflow> ",
			AutoComplete:    completer,
			HistoryFile:     d.historyFile,
			InterruptPrompt: "^C",
			EOFPrompt:       "quit",
		})
		if err != nil {
			return fmt.Errorf("init readline: %w", err)
		}
		d.rl = rl
	}
	defer d.rl.Close()

	fmt.Fprintf(d.output, "%s — %d nodes, evaluator=%s\n",
		headerStyle.Render("ctxflow debugger"), schema.Count(d.process.Process),
		d.engine.Context().Evaluator().Name())
	fmt.Fprintf(d.output, "Type 'help' for available commands, 'next' to execute the next node.\n\n")

	err := d.engine.Run()
	switch {
	case errors.Is(err, engine.ErrHalted):
		fmt.Fprintf(d.output, "Run halted.\n")
		return nil
	case err != nil:
		fmt.Fprintf(d.output, "%s run failed: %v\n", failedStyle.Render(GlyphFailed), err)
		if !d.quit {
			d.pause(nil)
		}
		return err
	}
	fmt.Fprintf(d.output, "%s run completed.\n", passedStyle.Render(GlyphPassed))
	return nil
}

// BeforeNode pauses when stepping or when the node matches a breakpoint.
func (d *Debugger) BeforeNode(_ *engine.Engine, n *engine.Node) error {
	if d.quit {
		return engine.ErrHalted
	}
	if !d.stepping && !d.breakpoints[n.Label()] {
		return nil
	}
	d.stepping = true
	fmt.Fprintf(d.output, "%s %s\n", currentStyle.Render(GlyphCurrent), describe(n))
	d.pause(n)
	if d.quit {
		return engine.ErrHalted
	}
	return nil
}

// AfterNode reports the outcome of a node while stepping.
func (d *Debugger) AfterNode(_ *engine.Engine, n *engine.Node, err error) {
	if !d.stepping || d.quit {
		return
	}
	if err != nil && !errors.Is(err, engine.ErrHalted) {
		fmt.Fprintf(d.output, "  %s %s failed: %v\n", failedStyle.Render(GlyphFailed), n.Label(), err)
		return
	}
	if err == nil {
		fmt.Fprintf(d.output, "  %s %s\n", passedStyle.Render(GlyphPassed), n.Label())
	}
}

// Iteration reports loop progress while stepping.
func (d *Debugger) Iteration(_ *engine.Engine, flow *engine.Node, iteration int, binding map[string]any) {
	if !d.stepping {
		return
	}
	fmt.Fprintf(d.output, "  %s %s iteration %d %s\n",
		iteratingStyle.Render(GlyphIterating), flow.Label(), iteration, formatBinding(binding))
}

// Caught reports a failure absorbed by a try flow.
func (d *Debugger) Caught(_ *engine.Engine, flow *engine.Node, caught *engine.CaughtError) {
	fmt.Fprintf(d.output, "  %s %s caught: %v\n", caughtStyle.Render(GlyphCaught), flow.Label(), caught.Err)
}

// pause reads commands until one resumes execution. n is nil once the
// run has ended.
func (d *Debugger) pause(n *engine.Node) {
	for {
		d.rl.SetPrompt(d.buildPrompt(n))
		line, err := d.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				d.quit = true
				return
			}
			fmt.Fprintf(d.output, "Error: %v\n", err)
			d.quit = true
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(line, " ")
		rest = strings.TrimSpace(rest)

		switch cmd {
		case "next", "n":
			if n == nil {
				fmt.Fprintf(d.output, "The run has ended.\n")
				continue
			}
			d.stepping = true
			return
		case "continue", "c":
			if n == nil {
				fmt.Fprintf(d.output, "The run has ended.\n")
				continue
			}
			d.stepping = false
			return
		case "break", "b":
			d.handleBreak(rest)
		case "locals", "l":
			d.handleLocals()
		case "context", "ctx":
			d.handleContext(rest)
		case "stack", "s":
			d.handleStack()
		case "eval", "e":
			d.handleEval(rest)
		case "help", "?":
			d.handleHelp()
		case "quit", "q":
			fmt.Fprintf(d.output, "Exiting debugger.\n")
			d.quit = true
			return
		default:
			fmt.Fprintf(d.output, "Unknown command: %q. Type 'help' for available commands.\n", cmd)
		}
	}
}

// buildPrompt creates the prompt string: ctxflow[depth | label]>
func (d *Debugger) buildPrompt(n *engine.Node) string {
	if n == nil {
		return "ctxflow[done]> "
	}
	depth := d.engine.Frame().Depth()
	return fmt.Sprintf("ctxflow[%d | %s]> ", depth.Steps+depth.Flows, n.Label())
}
