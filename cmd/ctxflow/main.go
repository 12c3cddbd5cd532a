// Package main provides the ctxflow CLI:
//
//	ctxflow validate <file>
//	ctxflow run <file>
//	ctxflow test <file...>
//	ctxflow debug <file>
//	ctxflow describe <file>
//	ctxflow schema
//	ctxflow trace verify <trace.jsonl>
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/ctxflow/pkg/config"
	kvalidate "github.com/ormasoftchile/ctxflow/pkg/kernel/validate"
)

// Version is set at build time via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

// Global flags
var (
	configPath string
	logLevel   string

	cfg = config.Default()
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	_ = godotenv.Load() // .env is optional and never overrides the environment
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ctxflow",
	Short: "Declarative workflow interpreter",
	Long: `ctxflow runs processes: YAML trees of steps and flows (if, while,
do while, for each, try, block) over a shared context.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default: ./ctxflow.toml, then $XDG_CONFIG_HOME/ctxflow/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(validateCmd, runCmd, testCmd, debugCmd, describeCmd, schemaCmd, traceCmd, versionCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Log.Level = logLevel
		if err := c.Validate(); err != nil {
			return err
		}
	}
	cfg = c
	return nil
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	return cfg.Logger(cmd.ErrOrStderr(), version)
}

// parseVars turns key=value flags into context values. Values are read as
// YAML scalars, so numbers and booleans keep their type.
func parseVars(flags []string) (map[string]any, error) {
	vars := make(map[string]any, len(flags))
	for _, v := range flags {
		key, raw, ok := strings.Cut(v, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected key=value", v)
		}
		var val any
		if err := yaml.Unmarshal([]byte(raw), &val); err != nil || val == nil {
			val = raw
		}
		vars[key] = val
	}
	return vars, nil
}

// printValidation writes warnings and errors to stderr and reports how
// many errors there were.
func printValidation(cmd *cobra.Command, errs []*kvalidate.ValidationError) int {
	w := cmd.ErrOrStderr()
	for _, e := range errs {
		if e.Severity == kvalidate.SeverityWarning {
			fmt.Fprintf(w, "  ⚠ [%s] %s\n", e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "    at: %s\n", e.Path)
			}
		}
	}
	failed := kvalidate.Errors(errs)
	if len(failed) > 0 {
		fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(failed))
		for i, e := range failed {
			fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
			if e.Path != "" {
				fmt.Fprintf(w, "     at: %s\n", e.Path)
			}
		}
	}
	return len(failed)
}

// --- version ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version info",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ctxflow %s (%s)\n", version, commit)
	},
}
