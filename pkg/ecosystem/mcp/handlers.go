// Package mcp exposes ctxflow validation, execution and scenario testing as
// Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/executor"
	kschema "github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	ktesting "github.com/ormasoftchile/ctxflow/pkg/kernel/testing"
	kvalidate "github.com/ormasoftchile/ctxflow/pkg/kernel/validate"
)

// RunTimeout bounds a single ctxflow/run call.
var RunTimeout = 30 * time.Second

// HandleValidate implements the ctxflow/validate MCP tool.
func HandleValidate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	p, errs := kvalidate.ValidateFile(path, kvalidate.Options{})
	if kvalidate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}
	msg := fmt.Sprintf("✓ %s is valid (%d nodes)", p.Name, kschema.Count(p.Process))
	if len(errs) > 0 {
		msg += "\n" + formatWarnings(errs)
	}
	return textResult(msg), nil
}

// HandleSchema implements the ctxflow/schema MCP tool.
func HandleSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, err := kschema.GenerateProcessJSONSchema()
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return textResult(string(data)), nil
}

// HandleRun implements the ctxflow/run MCP tool.
func HandleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}
	stub := true
	if v, ok := args["stub"].(bool); ok {
		stub = v
	}

	p, errs := kvalidate.ValidateFile(path, kvalidate.Options{})
	if kvalidate.HasErrors(errs) {
		return errorResult(formatErrors(errs)), nil
	}

	cfg := engine.Config{}
	if name, _ := args["evaluator"].(string); name != "" {
		ev, err := eval.New(name)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		cfg.Evaluator = ev
	}
	vars, _ := args["vars"].(map[string]any)

	eng, err := engine.NewFromProcess(p, vars, cfg)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	var printed strings.Builder
	if stub {
		for _, name := range kschema.StepNames(p.Process) {
			eng.RegisterComponent(name, func(*engine.Engine, *engine.Context) error { return nil })
		}
	} else {
		executor.Register(eng, executor.Builtins(&printed))
	}

	runID := uuid.NewString()
	start := time.Now()
	err = runWithTimeout(ctx, eng)

	response := map[string]any{
		"run_id":   runID,
		"process":  p.Name,
		"status":   "completed",
		"duration": time.Since(start).String(),
	}
	switch {
	case errors.Is(err, engine.ErrCanceled):
		response["status"] = "canceled"
		response["error"] = err.Error()
	case err != nil:
		response["status"] = "failed"
		response["error"] = err.Error()
	}
	response["context"] = eng.Context().Data
	if printed.Len() > 0 {
		response["output"] = printed.String()
	}

	data, merr := json.MarshalIndent(response, "", "  ")
	if merr != nil {
		return errorResult(fmt.Sprintf("encode result: %s", merr)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: err != nil,
	}, nil
}

// runWithTimeout runs eng until it finishes or ctx is done or RunTimeout
// passes. A canceled run stops at its next node.
func runWithTimeout(ctx context.Context, eng *engine.Engine) error {
	ctx, cancel := context.WithTimeout(ctx, RunTimeout)
	defer cancel()
	return eng.RunContext(ctx)
}

// HandleTest implements the ctxflow/test MCP tool.
func HandleTest(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	path, _ := args["path"].(string)
	if path == "" {
		return errorResult("path argument is required"), nil
	}

	scenario, _ := args["scenario"].(string)

	runner := &ktesting.Runner{
		Timeout:    30 * time.Second,
		Components: executor.Builtins(io.Discard),
	}

	var output *ktesting.TestOutput
	if scenario != "" {
		result, err := runner.RunScenario(path, scenario)
		if err != nil {
			return errorResult(fmt.Sprintf("run scenario: %s", err)), nil
		}
		output = &ktesting.TestOutput{
			Process:   result.ProcessName,
			Scenarios: []ktesting.TestResult{*result},
		}
		output.Summary.Add(result.Status)
	} else {
		var err error
		output, err = runner.RunAll(path)
		if err != nil {
			return errorResult(fmt.Sprintf("run tests: %s", err)), nil
		}
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %s", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: !output.Summary.OK(),
	}, nil
}

func formatErrors(errs []*kvalidate.ValidationError) string {
	var msgs []string
	for _, e := range kvalidate.Errors(errs) {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func formatWarnings(errs []*kvalidate.ValidationError) string {
	var msgs []string
	for _, e := range errs {
		if e.Severity == kvalidate.SeverityWarning {
			msgs = append(msgs, "warning: "+e.Error())
		}
	}
	return strings.Join(msgs, "\n")
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(text),
		},
	}
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.NewTextContent(msg),
		},
		IsError: true,
	}
}
