// Package validate implements the 3-phase process validation pipeline:
// structural → semantic → domain.
package validate

import (
	"fmt"
	"slices"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

// Phases and severities reported by the pipeline.
const (
	PhaseStructural = "structural"
	PhaseSemantic   = "semantic"
	PhaseDomain     = "domain"

	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents one error or warning from the validation pipeline.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`  // location such as process[0].steps[1]
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("[%s] %s at %s", e.Phase, e.Message, e.Path)
	}
	return fmt.Sprintf("[%s] %s", e.Phase, e.Message)
}

func errorf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: SeverityError,
	}
}

func warningf(phase, path, msg string, args ...any) *ValidationError {
	return &ValidationError{
		Phase:    phase,
		Path:     path,
		Message:  fmt.Sprintf(msg, args...),
		Severity: SeverityWarning,
	}
}

// Options tunes the domain phase.
type Options struct {
	// Components lists the registered step names. When non-empty, steps
	// naming anything else are reported as warnings.
	Components []string
	// Flows lists custom flow kinds registered beside the built-in ones.
	Flows []schema.FlowKind
}

// ValidateFile runs the full 3-phase pipeline on a process file.
func ValidateFile(path string, opts Options) (*schema.Process, []*ValidationError) {
	// Phase 1: Structural (strict YAML decode)
	p, err := schema.LoadFile(path)
	if err != nil {
		return nil, []*ValidationError{errorf(PhaseStructural, "", "failed to load: %s", err)}
	}
	return p, ValidateProcess(p, opts)
}

// ValidateProcess runs phases 2+3 on an already-loaded process.
func ValidateProcess(p *schema.Process, opts Options) []*ValidationError {
	errs := validateSemantic(p)
	// Domain rules assume a schema-conformant document.
	if HasErrors(errs) {
		return errs
	}
	return append(errs, validateDomain(p, opts)...)
}

// HasErrors reports whether any entry has error severity.
func HasErrors(errs []*ValidationError) bool {
	return slices.ContainsFunc(errs, func(e *ValidationError) bool {
		return e.Severity == SeverityError
	})
}

// Errors returns only the error-severity entries.
func Errors(errs []*ValidationError) []*ValidationError {
	var out []*ValidationError
	for _, e := range errs {
		if e.Severity == SeverityError {
			out = append(out, e)
		}
	}
	return out
}
