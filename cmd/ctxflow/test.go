package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/executor"
	ktesting "github.com/ormasoftchile/ctxflow/pkg/kernel/testing"
)

var (
	testJSON     bool
	testFailFast bool
	testTimeout  string
)

var testCmd = &cobra.Command{
	Use:   "test [process.yaml...]",
	Short: "Run scenario tests for processes",
	Long: `Discover scenarios for each process, run them with mocked components, and
check the scenario assertions.

Scenarios are discovered by convention at:
  {process-dir}/{name}.test.yaml
  {process-dir}/tests/{name}/*.yaml

Steps without a mock run the built-in component of that name, or a no-op.

Exit codes:
  0  all scenarios passed
  1  at least one scenario failed
  2  a process failed to load or validate (no tests ran for it)`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTest,
}

func init() {
	testCmd.Flags().BoolVar(&testJSON, "json", false, "print results as JSON")
	testCmd.Flags().BoolVar(&testFailFast, "fail-fast", false, "stop at the first failing scenario")
	testCmd.Flags().StringVar(&testTimeout, "timeout", "30s", "timeout per scenario")
}

func runTest(cmd *cobra.Command, args []string) error {
	timeout, err := time.ParseDuration(testTimeout)
	if err != nil {
		return fmt.Errorf("invalid --timeout %q: %w", testTimeout, err)
	}

	runner := &ktesting.Runner{
		Timeout:    timeout,
		FailFast:   testFailFast,
		Components: executor.Builtins(io.Discard),
		Logger:     newLogger(cmd),
	}
	allPassed := true
	hasLoadError := false
	out := cmd.OutOrStdout()

	for _, processPath := range args {
		output, err := runner.RunAll(processPath)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "  ✗ %s: %v\n", processPath, err)
			hasLoadError = true
			continue
		}

		if testJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(output); err != nil {
				return err
			}
		} else {
			printTestOutput(out, output)
		}

		if !output.Summary.OK() {
			allPassed = false
		}
		if testFailFast && !allPassed {
			break
		}
	}

	switch {
	case hasLoadError:
		return &exitError{code: 2, err: fmt.Errorf("some processes failed to load")}
	case !allPassed:
		return &exitError{code: 1, err: fmt.Errorf("some scenarios failed")}
	}
	return nil
}

func printTestOutput(w io.Writer, output *ktesting.TestOutput) {
	fmt.Fprintf(w, "\n  %s\n", output.Process)
	for _, s := range output.Scenarios {
		switch s.Status {
		case ktesting.ResultPassed:
			fmt.Fprintf(w, "    ✓ %-30s %dms\n", s.ScenarioName, s.DurationMs)
		case ktesting.ResultFailed:
			fmt.Fprintf(w, "    ✗ %-30s %dms\n", s.ScenarioName, s.DurationMs)
			for _, a := range s.Assertions {
				if !a.Passed {
					fmt.Fprintf(w, "        %s: %s\n", a.Type, a.Message)
				}
			}
		case ktesting.ResultError:
			fmt.Fprintf(w, "    ✗ %-30s ERROR: %s\n", s.ScenarioName, s.Error)
		}
	}
	fmt.Fprintf(w, "\n  %d scenarios, %d passed, %d failed\n",
		output.Summary.Total, output.Summary.Passed, output.Summary.Failed)
	if output.Summary.Errors > 0 {
		fmt.Fprintf(w, "  %d errors\n", output.Summary.Errors)
	}
}
