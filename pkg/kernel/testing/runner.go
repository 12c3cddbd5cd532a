package testing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/validate"
)

// Scenario statuses reported by TestResult.
const (
	ResultPassed = "passed"
	ResultFailed = "failed"
	ResultError  = "error"
)

// TestSpecSuffix names the scenario file that sits next to a process.
const TestSpecSuffix = ".test.yaml"

// TestResult is the result of running one scenario.
type TestResult struct {
	ProcessName  string            `json:"process_name"`
	ScenarioName string            `json:"scenario_name"`
	Description  string            `json:"description,omitempty"`
	Status       string            `json:"status"` // passed, failed, error
	DurationMs   int64             `json:"duration_ms"`
	Assertions   []AssertionResult `json:"assertions,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// TestSummary aggregates counts across scenarios.
type TestSummary struct {
	Total  int `json:"total"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Errors int `json:"errors"`
}

// Add counts one scenario result.
func (s *TestSummary) Add(status string) {
	switch status {
	case ResultPassed:
		s.Passed++
	case ResultFailed:
		s.Failed++
	default:
		s.Errors++
	}
	s.Total++
}

// OK reports whether every scenario passed.
func (s *TestSummary) OK() bool {
	return s.Failed == 0 && s.Errors == 0
}

// TestOutput is the top-level output of a test run.
type TestOutput struct {
	Process   string       `json:"process"`
	Scenarios []TestResult `json:"scenarios"`
	Summary   TestSummary  `json:"summary"`
}

// Runner executes scenario-based tests against a process.
type Runner struct {
	Timeout  time.Duration
	FailFast bool
	// Components are real step handlers. Scenario mocks take precedence,
	// and steps with neither a mock nor a component are no-ops.
	Components map[string]engine.Component
	Logger     *slog.Logger
}

// ScenarioInfo describes a discovered scenario file.
type ScenarioInfo struct {
	Name string
	Path string
}

// DiscoverScenarios finds the scenarios of a process.
// Convention: `<name>.test.yaml` beside the process, plus every YAML file
// under a sibling `tests/<name>/` directory.
func DiscoverScenarios(processPath string) ([]ScenarioInfo, error) {
	dir := filepath.Dir(processPath)
	base := strings.TrimSuffix(filepath.Base(processPath), filepath.Ext(processPath))

	var scenarios []ScenarioInfo
	single := filepath.Join(dir, base+TestSpecSuffix)
	if _, err := os.Stat(single); err == nil {
		scenarios = append(scenarios, ScenarioInfo{Name: base, Path: single})
	}

	testsDir := filepath.Join(dir, "tests", base)
	entries, err := os.ReadDir(testsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return scenarios, nil
		}
		return nil, fmt.Errorf("read tests dir: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		scenarios = append(scenarios, ScenarioInfo{
			Name: strings.TrimSuffix(entry.Name(), ext),
			Path: filepath.Join(testsDir, entry.Name()),
		})
	}
	return scenarios, nil
}

// IsTestSpec reports whether path names a scenario file rather than a
// process.
func IsTestSpec(path string) bool {
	return strings.HasSuffix(path, TestSpecSuffix)
}

// RunAll discovers and runs all scenarios for a process.
func (r *Runner) RunAll(processPath string) (*TestOutput, error) {
	scenarios, err := DiscoverScenarios(processPath)
	if err != nil {
		return nil, err
	}

	p, err := r.load(processPath)
	if err != nil {
		return nil, err
	}

	output := &TestOutput{Process: p.Name, Scenarios: []TestResult{}}
	for _, si := range scenarios {
		result := r.runScenario(p, si)
		output.Scenarios = append(output.Scenarios, result)

		output.Summary.Add(result.Status)

		if r.FailFast && result.Status != ResultPassed {
			break
		}
	}
	return output, nil
}

// RunScenario runs a single scenario file against a process.
func (r *Runner) RunScenario(processPath, scenarioPath string) (*TestResult, error) {
	p, err := r.load(processPath)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(scenarioPath), TestSpecSuffix)
	name = strings.TrimSuffix(name, filepath.Ext(name))
	result := r.runScenario(p, ScenarioInfo{Name: name, Path: scenarioPath})
	return &result, nil
}

// RunSpec runs an in-memory scenario against an already-loaded process.
func (r *Runner) RunSpec(p *schema.Process, name string, spec *TestSpec) TestResult {
	start := time.Now()
	result := TestResult{
		ProcessName:  p.Name,
		ScenarioName: name,
		Description:  spec.Description,
	}

	run, err := r.execute(p, spec)
	result.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = ResultError
		result.Error = err.Error()
		return result
	}

	result.Assertions = Evaluate(spec, run)
	result.Status = ResultPassed
	if HasFailures(result.Assertions) {
		result.Status = ResultFailed
	}
	if run.Error != nil {
		result.Error = run.Error.Error()
	}
	return result
}

func (r *Runner) load(processPath string) (*schema.Process, error) {
	p, valErrs := validate.ValidateFile(processPath, validate.Options{})
	if validate.HasErrors(valErrs) {
		return nil, fmt.Errorf("process validation failed: %s", validate.Errors(valErrs)[0])
	}
	return p, nil
}

// runScenario loads a scenario file and executes it.
func (r *Runner) runScenario(p *schema.Process, si ScenarioInfo) TestResult {
	spec, err := LoadTestSpec(si.Path)
	if err != nil {
		return TestResult{
			ProcessName:  p.Name,
			ScenarioName: si.Name,
			Status:       ResultError,
			Error:        fmt.Sprintf("load test spec: %s", err),
		}
	}
	return r.RunSpec(p, si.Name, spec)
}

// execute runs p once with the scenario's seed and mocks. The returned
// error reports a harness problem; a failing run is reported in RunResult.
func (r *Runner) execute(p *schema.Process, spec *TestSpec) (*RunResult, error) {
	eng, err := engine.NewFromProcess(p, spec.Context, engine.Config{Logger: r.Logger, Order: spec.ContextOrder})
	if err != nil {
		return nil, err
	}
	r.register(eng, p, spec)

	var visited []string
	eng.AddListener(engine.Hooks{
		OnBefore: func(_ *engine.Engine, n *engine.Node) error {
			visited = append(visited, n.Label())
			return nil
		},
	})

	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	runErr := eng.RunContext(ctx)
	if errors.Is(runErr, context.DeadlineExceeded) {
		return nil, fmt.Errorf("timeout after %s", r.Timeout)
	}

	data, err := json.Marshal(eng.Context().Data)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}
	run := &RunResult{
		Status:  StatusCompleted,
		Visited: visited,
		Context: data,
		Error:   runErr,
	}
	if runErr != nil {
		run.Status = StatusFailed
	}
	return run, nil
}

// register installs real components, then scenario mocks, then no-ops for
// every remaining step the process names.
func (r *Runner) register(eng *engine.Engine, p *schema.Process, spec *TestSpec) {
	for name, c := range r.Components {
		eng.RegisterComponent(name, c)
	}
	for name, mock := range spec.Components {
		eng.RegisterComponent(name, mock.component())
	}
	for _, name := range schema.StepNames(p.Process) {
		if !eng.HasComponent(name) {
			eng.RegisterComponent(name, noop)
		}
	}
}

func noop(*engine.Engine, *engine.Context) error { return nil }

func (m ComponentMock) component() engine.Component {
	paths := sortedKeys(m.Set)
	return func(_ *engine.Engine, c *engine.Context) error {
		for _, path := range paths {
			if err := c.Set(path, m.Set[path]); err != nil {
				return err
			}
		}
		if m.Fail != "" {
			return errors.New(m.Fail)
		}
		return nil
	}
}
