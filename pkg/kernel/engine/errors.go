package engine

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownStep   = errors.New("unknown step")
	ErrUnknownFlow   = errors.New("unknown flow")
	ErrEmptyStack    = errors.New("pop from empty stack")
	ErrNoActiveFrame = errors.New("no active frame")
	ErrHalted        = errors.New("run halted")
	ErrCanceled      = errors.New("run canceled")
	ErrNotIterable   = errors.New("collection is not iterable")
	ErrLoopCounter   = errors.New("loop counter is not an integer")
)

// ExpressionError reports a failure raised while evaluating an expression.
type ExpressionError struct {
	Expr string
	Err  error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("expression %q: %v", e.Expr, e.Err)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// CaughtError is the value a try flow binds to its catch variable.
type CaughtError struct {
	Flow string
	Err  error
}

func (e *CaughtError) Error() string {
	return e.Err.Error()
}

func (e *CaughtError) Unwrap() error { return e.Err }

// MarshalJSON renders the caught failure as {"flow", "error", "kind"}.
func (e *CaughtError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"flow":  e.Flow,
		"error": e.Err.Error(),
		"kind":  FailureKind(e.Err),
	})
}

// ComponentPanic is returned when a component panics.
type ComponentPanic struct {
	Step  string
	Value any
}

func (e *ComponentPanic) Error() string {
	return fmt.Sprintf("component %q panicked: %v", e.Step, e.Value)
}

// FailureKind classifies err for traces and logs.
func FailureKind(err error) string {
	var exprErr *ExpressionError
	var panicErr *ComponentPanic
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrHalted):
		return "halted"
	case errors.Is(err, ErrCanceled):
		return "canceled"
	case errors.Is(err, ErrUnknownStep):
		return "unknown_step"
	case errors.Is(err, ErrUnknownFlow):
		return "unknown_flow"
	case errors.As(err, &exprErr):
		return "expression"
	case errors.As(err, &panicErr):
		return "panic"
	case errors.Is(err, ErrEmptyStack), errors.Is(err, ErrNoActiveFrame):
		return "internal"
	}
	return "component"
}
