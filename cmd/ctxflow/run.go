package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/ctxflow/pkg/ecosystem/recorder"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/executor"
	kschema "github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/trace"
	kvalidate "github.com/ormasoftchile/ctxflow/pkg/kernel/validate"
	"github.com/ormasoftchile/ctxflow/pkg/log"
)

// SigningKeyIDEnv names the key id stamped on signed traces.
const SigningKeyIDEnv = "CTXFLOW_TRACE_SIGNING_KEY_ID"

var (
	runVars       []string
	runEvaluator  string
	runTrace      bool
	runRecord     string
	runSecrets    []string
	runExtensions []string
)

var runCmd = &cobra.Command{
	Use:   "run [process.yaml]",
	Short: "Run a process and print the final context as JSON",
	Long: `Run a process with the built-in components (print, fail, exec) and any
components served by --extension processes.

--trace writes a hash-chained JSONL trace to <trace_dir>/<run-id>.jsonl.
--record writes a scenario test that replays the run with mocked components.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringArrayVar(&runVars, "var", nil, "context value key=value (repeatable)")
	runCmd.Flags().StringVar(&runEvaluator, "evaluator", "", "expression evaluator: expr or lua")
	runCmd.Flags().BoolVar(&runTrace, "trace", false, "write a JSONL trace to the trace directory")
	runCmd.Flags().StringVar(&runRecord, "record", "", "write a replayable scenario test to this path")
	runCmd.Flags().StringSliceVar(&runSecrets, "secret", nil, "env vars whose values are redacted from --record output")
	runCmd.Flags().StringArrayVar(&runExtensions, "extension", nil, "command line (split on spaces) of a process serving extra components over JSON-RPC (repeatable)")
}

// session holds what a run needs beyond the engine itself.
type session struct {
	process    *kschema.Process
	engine     *engine.Engine
	components map[string]engine.Component
	extensions []*executor.ExtensionRunner
	closers    []func() error
}

func (s *session) close(ctx context.Context) {
	for _, ext := range s.extensions {
		ext.Shutdown(ctx)
	}
	for _, c := range s.closers {
		c()
	}
}

// newSession starts extensions, validates path against the known
// components and builds the engine from base.
func newSession(cmd *cobra.Command, path string, vars map[string]any, evaluator string, extensions []string, base engine.Config) (*session, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	s := &session{components: executor.Builtins(cmd.OutOrStdout())}

	for _, line := range extensions {
		argv := strings.Fields(line)
		if len(argv) == 0 {
			s.close(ctx)
			return nil, fmt.Errorf("invalid --extension %q", line)
		}
		ext := executor.NewExtensionRunner(argv[0], argv[1:]...)
		if err := ext.Start(ctx); err != nil {
			s.close(ctx)
			return nil, fmt.Errorf("extension %s: %w", argv[0], err)
		}
		s.extensions = append(s.extensions, ext)
		maps.Copy(s.components, ext.Components(ctx))
	}

	p, errs := kvalidate.ValidateFile(path, kvalidate.Options{
		Components: slices.Sorted(maps.Keys(s.components)),
	})
	if n := printValidation(cmd, errs); n > 0 {
		s.close(ctx)
		return nil, &exitError{code: 2, err: fmt.Errorf("validation failed with %d error(s)", n)}
	}
	s.process = p

	name := evaluator
	if name == "" {
		name = p.Evaluator
	}
	if name == "" {
		name = cfg.Evaluator
	}
	ev, err := eval.New(name)
	if err != nil {
		s.close(ctx)
		return nil, err
	}

	base.Evaluator = ev
	if base.Logger == nil {
		base.Logger = newLogger(cmd)
	}
	eng, err := engine.NewFromProcess(p, vars, base)
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	s.engine = eng
	return s, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	vars, err := parseVars(runVars)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger := newLogger(cmd).With(log.RunID(runID))

	var tw *trace.Writer
	var closers []func() error
	if runTrace {
		if err := os.MkdirAll(cfg.TraceDir, 0o755); err != nil {
			return fmt.Errorf("create trace dir: %w", err)
		}
		tracePath := filepath.Join(cfg.TraceDir, runID+".jsonl")
		w, f, err := trace.NewFileWriter(tracePath, runID)
		if err != nil {
			return err
		}
		if key := os.Getenv(trace.SigningKeyEnv); key != "" {
			w.SetSigningKey(os.Getenv(SigningKeyIDEnv), []byte(key))
		}
		tw = w
		closers = append(closers, f.Close)
		defer fmt.Fprintf(cmd.ErrOrStderr(), "trace: %s\n", tracePath)
	}

	s, err := newSession(cmd, args[0], vars, runEvaluator, runExtensions, engine.Config{
		Trace:  tw,
		Logger: logger,
	})
	if err != nil {
		for _, c := range closers {
			c()
		}
		return err
	}
	s.closers = append(s.closers, closers...)
	defer s.close(context.Background())

	var rec *recorder.Recorder
	if runRecord != "" {
		rec = recorder.New(vars)
		rec.SetSecrets(runSecrets)
		rec.Attach(s.engine, s.components)
	} else {
		executor.Register(s.engine, s.components)
	}

	logger.Info("run", log.Process(s.process.Name))
	runErr := s.engine.Run()

	out := json.NewEncoder(cmd.OutOrStdout())
	out.SetIndent("", "  ")
	if err := out.Encode(s.engine.Context().Data); err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	if rec != nil {
		spec, err := rec.Scenario(fmt.Sprintf("recorded run %s", runID), runErr, s.engine.Context().Data)
		if err != nil {
			return err
		}
		if err := recorder.Save(runRecord, spec); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "scenario: %s\n", runRecord)
	}

	if runErr != nil {
		if errors.Is(runErr, engine.ErrHalted) {
			return nil
		}
		return fmt.Errorf("run failed: %w", runErr)
	}
	return nil
}
