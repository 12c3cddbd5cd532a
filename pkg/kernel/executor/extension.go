package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
)

// ExtensionRunner serves components from an external process speaking
// JSON-RPC 2.0 over stdio, one request per line.
//
// Methods: initialize returns {"components": [names]}; execute receives
// {"step", "args", "context"} and returns {"set": {path: value}, "error"};
// shutdown ends the session.
type ExtensionRunner struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	scanner    *bufio.Scanner
	mu         sync.Mutex
	nextID     atomic.Int64
	started    bool
	components []string
}

// jsonRPCRequest is a JSON-RPC 2.0 request.
type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// jsonRPCResponse is a JSON-RPC 2.0 response.
type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
	ID      int64           `json:"id"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ExecuteResult is the extension's answer to one step.
type ExecuteResult struct {
	Set   map[string]any `json:"set,omitempty"`
	Error string         `json:"error,omitempty"`
}

// NewExtensionRunner creates an extension runner for the given command.
func NewExtensionRunner(command string, args ...string) *ExtensionRunner {
	return &ExtensionRunner{
		cmd: exec.Command(command, args...),
	}
}

// Start spawns the runner process and sends the initialize handshake.
func (r *ExtensionRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stdin, err := r.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := r.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	r.stdin = stdin
	r.scanner = bufio.NewScanner(stdout)
	r.scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	if err := r.cmd.Start(); err != nil {
		return fmt.Errorf("start runner: %w", err)
	}
	r.started = true

	if err := r.initializeLocked(ctx); err != nil {
		r.cmd.Process.Kill()
		return err
	}
	return nil
}

func (r *ExtensionRunner) initializeLocked(ctx context.Context) error {
	resp, err := r.callLocked(ctx, "initialize", map[string]any{"protocol_version": "1"})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	var caps struct {
		Components []string `json:"components"`
	}
	if err := json.Unmarshal(resp, &caps); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	r.components = caps.Components
	return nil
}

// Names returns the component names announced by the runner.
func (r *ExtensionRunner) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.components
}

// Execute sends one step to the runner.
func (r *ExtensionRunner) Execute(ctx context.Context, step string, args any, data map[string]any) (*ExecuteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	params := map[string]any{
		"step":    step,
		"args":    args,
		"context": data,
	}
	resp, err := r.callLocked(ctx, "execute", params)
	if err != nil {
		return nil, err
	}

	var result ExecuteResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("unmarshal execute result: %w", err)
	}
	return &result, nil
}

// Components returns one engine component per announced name. Each call
// sends the step's args and the Context, then applies the returned writes.
func (r *ExtensionRunner) Components(ctx context.Context) map[string]engine.Component {
	out := map[string]engine.Component{}
	for _, name := range r.Names() {
		out[name] = func(_ *engine.Engine, c *engine.Context) error {
			args, err := c.Args()
			if err != nil {
				return err
			}
			res, err := r.Execute(ctx, name, args, c.Data)
			if err != nil {
				return fmt.Errorf("extension %s: %w", name, err)
			}
			for _, path := range sortedKeys(res.Set) {
				if err := c.Set(path, res.Set[path]); err != nil {
					return err
				}
			}
			if res.Error != "" {
				return errors.New(res.Error)
			}
			return nil
		}
	}
	return out
}

// Shutdown sends a shutdown request and waits for the process to exit.
func (r *ExtensionRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	_, _ = r.callLocked(ctx, "shutdown", map[string]any{})
	r.stdin.Close()
	if r.cmd == nil {
		return nil
	}
	return r.cmd.Wait()
}

// callLocked sends a JSON-RPC request and reads the response. Must be called with mu held.
func (r *ExtensionRunner) callLocked(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := r.nextID.Add(1)
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	data = append(data, '\n')

	if _, err := r.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		return nil, fmt.Errorf("runner closed stdout")
	}

	var resp jsonRPCResponse
	if err := json.Unmarshal(r.scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.ID != id {
		return nil, fmt.Errorf("response id %d, want %d", resp.ID, id)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("runner error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	return resp.Result, nil
}
