// Package executor provides the built-in step components (print, fail,
// exec) and components served by an external extension process.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"regexp"
	"slices"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
)

var (
	ErrStepFailed = errors.New("step failed")
	ErrExitCode   = errors.New("non-zero exit code")
	ErrBadArgs    = errors.New("invalid args")
)

// DefaultInto is the Context key exec writes its result to.
const DefaultInto = "exec"

// Result is the output of an exec step.
type Result struct {
	ExitCode int            `json:"exit_code"`
	Stdout   string         `json:"stdout"`
	Stderr   string         `json:"stderr"`
	Outputs  map[string]any `json:"outputs"`
}

// Extract maps command output to a named entry of Result.Outputs.
type Extract struct {
	From    string // stdout (default), stderr or json
	Pattern string // regexp; the first group is used when present
	Path    string // gjson path, for from: json
}

// Builtins returns the built-in components. print writes to w.
func Builtins(w io.Writer) map[string]engine.Component {
	return map[string]engine.Component{
		"print": Print(w),
		"fail":  Fail,
		"exec":  Exec,
	}
}

// Register installs comps on eng.
func Register(eng *engine.Engine, comps map[string]engine.Component) {
	for name, c := range comps {
		eng.RegisterComponent(name, c)
	}
}

// Print writes its args to w: a string as is, a mapping's message field,
// anything else as JSON.
func Print(w io.Writer) engine.Component {
	return func(_ *engine.Engine, c *engine.Context) error {
		args, err := c.Args()
		if err != nil {
			return err
		}
		if d, ok := args.(dict.Dict); ok && d.Has("message") {
			args = resolve(c, d["message"])
		}
		if s, ok := args.(string); ok {
			_, err = fmt.Fprintln(w, s)
			return err
		}
		data, err := json.Marshal(args)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}
}

// Fail always fails with the message given as args.
func Fail(_ *engine.Engine, c *engine.Context) error {
	args, err := c.Args()
	if err != nil {
		return err
	}
	if d, ok := args.(dict.Dict); ok {
		args = resolve(c, d["message"])
	}
	if args == nil {
		return ErrStepFailed
	}
	return fmt.Errorf("%w: %v", ErrStepFailed, args)
}

// Exec runs a command and writes its Result into the Context.
//
//	args:
//	  argv: [curl, -s, $url]
//	  into: health          # Context key, default "exec"
//	  allow_failure: true   # keep going on a non-zero exit
//	  extract:
//	    status: {from: json, path: data.status}
func Exec(e *engine.Engine, c *engine.Context) error {
	args := c.ArgsDict()
	if args == nil {
		return fmt.Errorf("%w: exec needs a mapping with argv", ErrBadArgs)
	}
	argv, err := argvOf(c, args["argv"])
	if err != nil {
		return err
	}
	extracts, err := extractsOf(args["extract"])
	if err != nil {
		return err
	}
	into := DefaultInto
	if s, ok := args["into"].(string); ok && s != "" {
		into = s
	}

	result, runErr := run(e.Ctx(), argv, extracts)
	if result != nil {
		if err := c.Set(into, result.toMap()); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if result.ExitCode != 0 && args["allow_failure"] != true {
		return fmt.Errorf("%w: %s exited %d", ErrExitCode, argv[0], result.ExitCode)
	}
	return nil
}

func run(ctx context.Context, argv []string, extracts map[string]Extract) (*Result, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //#nosec G204 -- argv comes from the process document
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("exec %q: %w", argv[0], ctx.Err())
	}
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("exec %q: %w", argv[0], err)
		}
		exitCode = exitErr.ExitCode()
	}

	result := &Result{
		ExitCode: exitCode,
		Stdout:   normalizeLineEndings(stdout.String()),
		Stderr:   normalizeLineEndings(stderr.String()),
		Outputs:  make(map[string]any),
	}
	if err := applyExtract(extracts, result); err != nil {
		return result, fmt.Errorf("extract: %w", err)
	}
	return result, nil
}

func (r *Result) toMap() map[string]any {
	return map[string]any{
		"exit_code": r.ExitCode,
		"stdout":    r.Stdout,
		"stderr":    r.Stderr,
		"outputs":   r.Outputs,
	}
}

// applyExtract fills Result.Outputs from the command output.
func applyExtract(extracts map[string]Extract, result *Result) error {
	for name, ext := range extracts {
		var source string
		switch ext.From {
		case "stderr":
			source = result.Stderr
		case "json":
			if !gjson.Valid(result.Stdout) {
				return fmt.Errorf("extract %q: stdout is not JSON", name)
			}
			if ext.Path == "" {
				result.Outputs[name] = gjson.Parse(result.Stdout).Value()
				continue
			}
			result.Outputs[name] = gjson.Get(result.Stdout, ext.Path).Value()
			continue
		case "", "stdout":
			source = result.Stdout
		default:
			return fmt.Errorf("extract %q: unknown source %q", name, ext.From)
		}

		if ext.Pattern != "" {
			re, err := regexp.Compile(ext.Pattern)
			if err != nil {
				return fmt.Errorf("extract %q: invalid pattern: %w", name, err)
			}
			match := re.FindStringSubmatch(strings.TrimSpace(source))
			if len(match) > 1 {
				result.Outputs[name] = match[1]
			} else if len(match) == 1 {
				result.Outputs[name] = match[0]
			}
		} else {
			result.Outputs[name] = strings.TrimSpace(source)
		}
	}
	return nil
}

func argvOf(c *engine.Context, v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%w: argv must be a non-empty list", ErrBadArgs)
	}
	argv := make([]string, len(items))
	for i, item := range items {
		argv[i] = fmt.Sprint(resolve(c, item))
	}
	return argv, nil
}

func extractsOf(v any) (map[string]Extract, error) {
	if v == nil {
		return nil, nil
	}
	d, ok := v.(dict.Dict)
	if !ok {
		return nil, fmt.Errorf("%w: extract must be a mapping", ErrBadArgs)
	}
	out := make(map[string]Extract, len(d))
	for name, raw := range d {
		spec, ok := raw.(dict.Dict)
		if !ok {
			return nil, fmt.Errorf("%w: extract %q must be a mapping", ErrBadArgs, name)
		}
		out[name] = Extract{
			From:    stringOf(spec["from"]),
			Pattern: stringOf(spec["pattern"]),
			Path:    stringOf(spec["path"]),
		}
	}
	return out, nil
}

// resolve follows a "$path" reference through the locals, then the
// Context. Other values are returned unchanged.
func resolve(c *engine.Context, v any) any {
	ref, ok := v.(string)
	if !ok || !strings.HasPrefix(ref, engine.RefPrefix) {
		return v
	}
	path := strings.TrimPrefix(ref, engine.RefPrefix)
	if out, err := dict.Lookup(c.Locals(), path); err == nil {
		return out
	}
	if out, err := c.Lookup(path); err == nil {
		return out
	}
	return v
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// normalizeLineEndings replaces \r\n with \n for cross-platform consistency.
func normalizeLineEndings(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
