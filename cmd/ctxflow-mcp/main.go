// Package main provides the ctxflow-mcp binary: an MCP server exposing
// ctxflow validation, runs and scenario tests to AI agents over stdio.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	cmcp "github.com/ormasoftchile/ctxflow/pkg/ecosystem/mcp"
)

var version = "dev"

func main() {
	_ = godotenv.Load()
	s := cmcp.NewServer(version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
