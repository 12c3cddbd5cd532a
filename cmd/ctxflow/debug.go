package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/debugger"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/executor"
)

var (
	debugVars       []string
	debugEvaluator  string
	debugExtensions []string
)

var debugCmd = &cobra.Command{
	Use:   "debug [process.yaml]",
	Short: "Step through a process in an interactive debugger",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebug,
}

func init() {
	debugCmd.Flags().StringArrayVar(&debugVars, "var", nil, "context value key=value (repeatable)")
	debugCmd.Flags().StringVar(&debugEvaluator, "evaluator", "", "expression evaluator: expr or lua")
	debugCmd.Flags().StringArrayVar(&debugExtensions, "extension", nil, "command line of a process serving extra components (repeatable)")
}

func runDebug(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(debugVars)
	if err != nil {
		return err
	}
	s, err := newSession(cmd, args[0], vars, debugEvaluator, debugExtensions, engine.Config{})
	if err != nil {
		return err
	}
	defer s.close(context.Background())
	executor.Register(s.engine, s.components)

	d := debugger.New(s.process, s.engine, debugger.Options{
		HistoryFile: cfg.HistoryFile(),
		Output:      cmd.OutOrStdout(),
	})
	return d.Run()
}
