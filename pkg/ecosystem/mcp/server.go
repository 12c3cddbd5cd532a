package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates a new MCP server with ctxflow tools registered.
func NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"ctxflow",
		version,
		server.WithToolCapabilities(true),
	)

	s.AddTool(
		mcp.NewTool("ctxflow/validate",
			mcp.WithDescription("Validate a ctxflow process YAML file (structural, semantic and domain checks)"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the process YAML file")),
		),
		HandleValidate,
	)

	s.AddTool(
		mcp.NewTool("ctxflow/run",
			mcp.WithDescription("Run a ctxflow process and return the final context. Steps run as no-ops unless stub is false, in which case the built-in components (print, fail, exec) are available"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the process YAML file")),
			mcp.WithObject("vars", mcp.Description("Context values that override the process context")),
			mcp.WithString("evaluator", mcp.Description("Expression evaluator: expr or lua")),
			mcp.WithBoolean("stub", mcp.Description("Register a no-op component for every step name (default true); false runs the built-ins")),
		),
		HandleRun,
	)

	s.AddTool(
		mcp.NewTool("ctxflow/test",
			mcp.WithDescription("Run scenario tests for a ctxflow process"),
			mcp.WithString("path", mcp.Required(), mcp.Description("Path to the process YAML file")),
			mcp.WithString("scenario", mcp.Description("Path to a single scenario file (optional)")),
		),
		HandleTest,
	)

	s.AddTool(
		mcp.NewTool("ctxflow/schema",
			mcp.WithDescription("Export the JSON Schema of ctxflow process documents"),
		),
		HandleSchema,
	)

	return s
}
