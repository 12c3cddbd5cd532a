package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/executor"
	kschema "github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	kvalidate "github.com/ormasoftchile/ctxflow/pkg/kernel/validate"
)

var validateComponents []string

var validateCmd = &cobra.Command{
	Use:   "validate [process.yaml]",
	Short: "Validate a process YAML file (structural, semantic and domain checks)",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().StringSliceVar(&validateComponents, "component", nil, "extra component names to accept besides the built-ins")
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	ext := strings.ToLower(filepath.Ext(filePath))
	if ext == ".md" || ext == ".markdown" {
		return fmt.Errorf("%s is a Markdown file, only .yaml and .json processes are supported", filePath)
	}

	opts := kvalidate.Options{Components: builtinNames()}
	if len(validateComponents) > 0 {
		opts.Components = append(opts.Components, validateComponents...)
	}
	p, errs := kvalidate.ValidateFile(filePath, opts)
	if n := printValidation(cmd, errs); n > 0 {
		return fmt.Errorf("validation failed with %d error(s)", n)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d nodes)\n", p.Name, kschema.Count(p.Process))
	return nil
}

func builtinNames() []string {
	var names []string
	for name := range executor.Builtins(nil) {
		names = append(names, name)
	}
	return names
}
