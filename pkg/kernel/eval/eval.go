// Package eval provides the pluggable expression evaluators used for
// conditions, flow expressions and step expressions.
package eval

import (
	"errors"
	"fmt"
	"slices"
)

// Evaluator evaluates one expression string against an environment of
// named values and functions. Functions are passed as Func values.
type Evaluator interface {
	Name() string
	Eval(text string, env map[string]any) (any, error)
}

// Checker is implemented by evaluators that can reject an expression
// without running it.
type Checker interface {
	Check(text string) error
}

// Func is a callable exposed to expressions.
type Func func(args ...any) (any, error)

const (
	NameExpr = "expr"
	NameLua  = "lua"
)

// Default is the evaluator used when a process names none.
const Default = NameExpr

var (
	ErrUnknownEvaluator = errors.New("unknown evaluator")
	ErrNotBool          = errors.New("expression did not return bool")
)

// New returns a fresh evaluator by name. An empty name selects Default.
func New(name string) (Evaluator, error) {
	switch name {
	case "", NameExpr:
		return NewExpr(), nil
	case NameLua:
		return NewLua(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvaluator, name)
}

// Names lists the supported evaluator names.
func Names() []string {
	return []string{NameExpr, NameLua}
}

// Known reports whether name selects a supported evaluator.
func Known(name string) bool {
	return name == "" || slices.Contains(Names(), name)
}

// Bool evaluates text and requires a boolean result.
func Bool(ev Evaluator, text string, env map[string]any) (bool, error) {
	out, err := ev.Eval(text, env)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T (%v)", ErrNotBool, text, out, out)
	}
	return b, nil
}

// Check compiles text when ev supports it and is a no-op otherwise.
func Check(ev Evaluator, text string) error {
	if c, ok := ev.(Checker); ok {
		return c.Check(text)
	}
	return nil
}
