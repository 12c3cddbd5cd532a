package eval

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Expr evaluates expressions with expr-lang. Compiled programs are cached
// by source text.
type Expr struct {
	programs sync.Map
}

var (
	ErrCompile = errors.New("compile expression")
	ErrRun     = errors.New("run expression")
)

// NewExpr creates an expr-lang evaluator.
func NewExpr() *Expr {
	return &Expr{}
}

func (e *Expr) Name() string { return NameExpr }

// Eval compiles (once) and runs text against env. Names missing from env
// evaluate to nil.
func (e *Expr) Eval(text string, env map[string]any) (any, error) {
	program, err := e.compile(text)
	if err != nil {
		return nil, err
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrRun, text, err)
	}
	return out, nil
}

// Check compiles text without running it.
func (e *Expr) Check(text string) error {
	_, err := e.compile(text)
	return err
}

func (e *Expr) compile(text string) (*vm.Program, error) {
	text = strings.TrimSpace(text)
	if p, ok := e.programs.Load(text); ok {
		return p.(*vm.Program), nil
	}
	program, err := expr.Compile(text,
		expr.AllowUndefinedVariables(),
		// get is registered as an expression by the engine
		expr.DisableBuiltin("get"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrCompile, text, err)
	}
	e.programs.Store(text, program)
	return program, nil
}
