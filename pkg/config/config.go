// Package config loads ctxflow settings from a TOML file and the
// environment.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/eval"
	"github.com/ormasoftchile/ctxflow/pkg/log"
)

// FileName is the config file looked up in the working directory.
const FileName = "ctxflow.toml"

// Environment overrides, applied after the file.
const (
	EnvEvaluator = "CTXFLOW_EVALUATOR"
	EnvLogLevel  = "CTXFLOW_LOG_LEVEL"
	EnvTraceDir  = "CTXFLOW_TRACE_DIR"
)

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DebuggerConfig holds settings for the interactive debugger.
type DebuggerConfig struct {
	HistoryFile string `toml:"history_file"`
}

// Config is the ctxflow configuration.
type Config struct {
	// Evaluator is used when a process does not name one.
	Evaluator string `toml:"evaluator"`
	// TraceDir receives one <run-id>.jsonl file per traced run.
	TraceDir string         `toml:"trace_dir"`
	Log      LogConfig      `toml:"log"`
	Debugger DebuggerConfig `toml:"debugger"`

	// Source is the file the config was read from, empty for defaults.
	Source string `toml:"-"`
}

// Default returns a Config with defaults.
func Default() *Config {
	return &Config{
		Evaluator: eval.Default,
		TraceDir:  ".ctxflow/traces",
		Log: LogConfig{
			Level:  "warn",
			Format: log.FormatText,
		},
	}
}

// Load reads the config file at path over the defaults, then applies the
// environment. An empty path searches the standard locations: ./ctxflow.toml,
// then $XDG_CONFIG_HOME/ctxflow/config.toml. An explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = Find(".")
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
		cfg.Source = path
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Find returns the first config file that exists, or "".
func Find(dir string) string {
	candidates := []string{filepath.Join(dir, FileName)}
	if base, err := os.UserConfigDir(); err == nil {
		candidates = append(candidates, filepath.Join(base, "ctxflow", "config.toml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvEvaluator); v != "" {
		c.Evaluator = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(EnvTraceDir); v != "" {
		c.TraceDir = v
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if !eval.Known(c.Evaluator) {
		return fmt.Errorf("evaluator %q: must be one of %v", c.Evaluator, eval.Names())
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if !slices.Contains([]string{log.FormatJSON, log.FormatText}, c.Log.Format) {
		return fmt.Errorf("log format %q: must be json or text", c.Log.Format)
	}
	return nil
}

// Logger builds the logger described by the log section.
func (c *Config) Logger(w io.Writer, version string) *slog.Logger {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		lvl = slog.LevelWarn
	}
	return log.NewWithLevel(w, c.Log.Format, version, lvl)
}

// HistoryFile returns the debugger history path, defaulting to a file in
// the user's home directory.
func (c *Config) HistoryFile() string {
	if c.Debugger.HistoryFile != "" {
		return c.Debugger.HistoryFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ctxflow_history")
}
