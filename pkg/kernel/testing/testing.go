// Package testing implements the scenario-based test harness. A scenario
// seeds the Context, mocks components and asserts on the final Context,
// the run status and the nodes that were visited.
package testing

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

// Run statuses reported by RunResult.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// TestSpec declares a scenario and what to assert about its run.
// All assertion fields are optional: omitted fields produce no assertions.
type TestSpec struct {
	Description string                   `yaml:"description,omitempty" json:"description,omitempty"`
	Context     map[string]any           `yaml:"context,omitempty" json:"context,omitempty"`       // seed values, override the process context
	Components  map[string]ComponentMock `yaml:"components,omitempty" json:"components,omitempty"` // step name → canned behavior

	ExpectedStatus  string         `yaml:"expected_status,omitempty" json:"expected_status,omitempty"`   // completed, failed
	ExpectedError   string         `yaml:"expected_error,omitempty" json:"expected_error,omitempty"`     // substring of the run error
	ExpectedContext map[string]any `yaml:"expected_context,omitempty" json:"expected_context,omitempty"` // gjson path → expected value
	Absent          []string       `yaml:"absent,omitempty" json:"absent,omitempty"`                     // gjson paths that must not resolve
	MustReach       []string       `yaml:"must_reach,omitempty" json:"must_reach,omitempty"`             // node labels that must be visited
	MustNotReach    []string       `yaml:"must_not_reach,omitempty" json:"must_not_reach,omitempty"`     // node labels that must NOT be visited
	Tags            []string       `yaml:"tags,omitempty" json:"tags,omitempty"`

	ContextOrder *dict.KeyOrder `yaml:"-" json:"-"` // key order of the seed mappings
}

// ComponentMock is the canned behavior of a mocked step: write Set into
// the Context, then fail with Fail when it is non-empty.
type ComponentMock struct {
	Set  map[string]any `yaml:"set,omitempty" json:"set,omitempty"`
	Fail string         `yaml:"fail,omitempty" json:"fail,omitempty"`
}

// LoadTestSpec loads a test spec from a YAML file.
func LoadTestSpec(path string) (*TestSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read test spec: %w", err)
	}
	return ParseTestSpec(data)
}

// ParseTestSpec parses test spec YAML.
func ParseTestSpec(data []byte) (*TestSpec, error) {
	var s TestSpec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse test spec: %w", err)
	}
	var order struct {
		Context *dict.KeyOrder `yaml:"context"`
	}
	if err := yaml.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("parse test spec: %w", err)
	}
	s.ContextOrder = order.Context
	switch s.ExpectedStatus {
	case "", StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("parse test spec: expected_status %q must be %q or %q",
			s.ExpectedStatus, StatusCompleted, StatusFailed)
	}
	return &s, nil
}

// ---------------------------------------------------------------------------
// Run Result (input to assertion evaluator)
// ---------------------------------------------------------------------------

// RunResult captures execution data for assertion evaluation.
type RunResult struct {
	Status  string   // completed, failed
	Visited []string // node labels in visit order
	Context []byte   // final Context as JSON
	Error   error
}

// ---------------------------------------------------------------------------
// Assertion Evaluation
// ---------------------------------------------------------------------------

// AssertionResult is the result of a single assertion.
type AssertionResult struct {
	Type     string `json:"type"` // expected_status, expected_context, absent, etc.
	Key      string `json:"key,omitempty"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
	Passed   bool   `json:"passed"`
	Message  string `json:"message,omitempty"`
}

// Evaluate runs all assertions from a TestSpec against a RunResult.
func Evaluate(spec *TestSpec, run *RunResult) []AssertionResult {
	var results []AssertionResult

	if spec.ExpectedStatus != "" {
		results = append(results, AssertionResult{
			Type:     "expected_status",
			Expected: spec.ExpectedStatus,
			Actual:   run.Status,
			Passed:   run.Status == spec.ExpectedStatus,
			Message:  fmt.Sprintf("status: expected %q, got %q", spec.ExpectedStatus, run.Status),
		})
	}

	if spec.ExpectedError != "" {
		actual := ""
		if run.Error != nil {
			actual = run.Error.Error()
		}
		results = append(results, AssertionResult{
			Type:     "expected_error",
			Expected: spec.ExpectedError,
			Actual:   actual,
			Passed:   run.Error != nil && strings.Contains(actual, spec.ExpectedError),
			Message:  fmt.Sprintf("error: expected %q in %q", spec.ExpectedError, actual),
		})
	}

	for _, label := range spec.MustReach {
		passed := slices.Contains(run.Visited, label)
		results = append(results, AssertionResult{
			Type:     "must_reach",
			Key:      label,
			Expected: "visited",
			Actual:   boolToVisited(passed),
			Passed:   passed,
			Message:  fmt.Sprintf("must_reach %q: %s", label, boolToVisited(passed)),
		})
	}

	for _, label := range spec.MustNotReach {
		visited := slices.Contains(run.Visited, label)
		results = append(results, AssertionResult{
			Type:     "must_not_reach",
			Key:      label,
			Expected: "not visited",
			Actual:   boolToVisited(visited),
			Passed:   !visited,
			Message:  fmt.Sprintf("must_not_reach %q: %s", label, boolToVisited(visited)),
		})
	}

	for _, path := range sortedKeys(spec.ExpectedContext) {
		expected := spec.ExpectedContext[path]
		res := gjson.GetBytes(run.Context, path)
		actual := "<missing>"
		if res.Exists() {
			actual = res.Raw
		}
		results = append(results, AssertionResult{
			Type:     "expected_context",
			Key:      path,
			Expected: render(expected),
			Actual:   actual,
			Passed:   res.Exists() && compareValue(expected, res),
			Message:  fmt.Sprintf("context %q: expected %s, got %s", path, render(expected), actual),
		})
	}

	for _, path := range spec.Absent {
		res := gjson.GetBytes(run.Context, path)
		actual := "<missing>"
		if res.Exists() {
			actual = res.Raw
		}
		results = append(results, AssertionResult{
			Type:     "absent",
			Key:      path,
			Expected: "<missing>",
			Actual:   actual,
			Passed:   !res.Exists(),
			Message:  fmt.Sprintf("absent %q: got %s", path, actual),
		})
	}

	return results
}

// HasFailures returns true if any assertion failed.
func HasFailures(results []AssertionResult) bool {
	for _, r := range results {
		if !r.Passed {
			return true
		}
	}
	return false
}

// compareValue supports two match modes:
//   - "/pattern/" → regex match against the value's string form
//   - anything else → deep equality after a JSON round trip
func compareValue(expected any, actual gjson.Result) bool {
	if s, ok := expected.(string); ok && len(s) > 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		re, err := regexp.Compile(s[1 : len(s)-1])
		if err != nil {
			return false
		}
		return re.MatchString(actual.String())
	}
	want, err := normalize(expected)
	if err != nil {
		return false
	}
	return reflect.DeepEqual(want, actual.Value())
}

// normalize maps v onto the shapes gjson produces: float64 numbers,
// map[string]any objects and []any arrays.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func render(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func boolToVisited(b bool) string {
	if b {
		return "visited"
	}
	return "not visited"
}
