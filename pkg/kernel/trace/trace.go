// Package trace implements the append-only JSONL record of a process run.
// Every event carries the SHA-256 of the previous line so a trace can be
// checked for tampering with Verify.
package trace

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// EventType enumerates all trace event types.
type EventType string

const (
	EventRunStart      EventType = "run_start"
	EventRunComplete   EventType = "run_complete"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventFlowEnter     EventType = "flow_enter"
	EventFlowExit      EventType = "flow_exit"
	EventLoopIteration EventType = "loop_iteration"
	EventErrorCaught   EventType = "error_caught"
)

// Status is the execution status of a step, flow or run.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// Genesis is the prev_hash of the first event in a trace.
var Genesis = strings.Repeat("0", 64)

// Event is a single trace event written to the JSONL stream.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	PrevHash  string         `json:"prev_hash"`
	Data      map[string]any `json:"data,omitempty"`
}

// Failure describes why a step, flow or run failed.
type Failure struct {
	Kind    string `json:"kind"` // component, expression, unknown_step, panic, ...
	Message string `json:"message"`
}

// Writer writes trace events to an append-only JSONL stream.
type Writer struct {
	mu       sync.Mutex
	w        io.Writer
	runID    string
	prevHash string
	keyID    string
	key      []byte
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer, runID string) *Writer {
	return &Writer{
		w:        w,
		runID:    runID,
		prevHash: Genesis,
	}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
// The caller closes the returned file after the run.
func NewFileWriter(path, runID string) (*Writer, *os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open trace file: %w", err)
	}
	return NewWriter(f, runID), f, nil
}

// RunID returns the run identifier stamped on every event.
func (tw *Writer) RunID() string {
	return tw.runID
}

// SetSigningKey makes run_complete carry an HMAC-SHA256 signature of the
// chain hash.
func (tw *Writer) SetSigningKey(keyID string, key []byte) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.keyID = keyID
	tw.key = key
}

// Emit writes a single trace event.
func (tw *Writer) Emit(eventType EventType, data map[string]any) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	return tw.emitLocked(eventType, data)
}

func (tw *Writer) emitLocked(eventType EventType, data map[string]any) error {
	evt := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     tw.runID,
		PrevHash:  tw.prevHash,
		Data:      data,
	}
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	h := sha256.Sum256(line)
	tw.prevHash = hex.EncodeToString(h[:])
	_, err = tw.w.Write(append(line, '\n'))
	return err
}

// EmitRunStart emits a run_start event with the process name and the
// initial context keys.
func (tw *Writer) EmitRunStart(process string, context map[string]any) error {
	data := map[string]any{
		"process": process,
	}
	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		data["context_keys"] = keys
	}
	return tw.Emit(EventRunStart, data)
}

// EmitRunComplete emits a run_complete event carrying the chain hash and,
// when a signing key is set, its signature.
func (tw *Writer) EmitRunComplete(status Status, duration time.Duration, failure *Failure) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	data := map[string]any{
		"status":     string(status),
		"duration":   duration.String(),
		"chain_hash": tw.prevHash,
	}
	if failure != nil {
		data["failure"] = failureMap(failure)
	}
	if len(tw.key) > 0 {
		data["signature"] = Sign(tw.key, tw.prevHash)
		data["signing_key_id"] = tw.keyID
	}
	return tw.emitLocked(EventRunComplete, data)
}

// EmitStepStart emits a step_start event.
func (tw *Writer) EmitStepStart(node, step string, depth int) error {
	data := map[string]any{
		"node":  node,
		"depth": depth,
	}
	if step != "" {
		data["step"] = step
	}
	return tw.Emit(EventStepStart, data)
}

// EmitStepComplete emits a step_complete event.
func (tw *Writer) EmitStepComplete(node string, status Status, duration time.Duration, failure *Failure) error {
	data := map[string]any{
		"node":     node,
		"status":   string(status),
		"duration": duration.String(),
	}
	if failure != nil {
		data["failure"] = failureMap(failure)
	}
	return tw.Emit(EventStepComplete, data)
}

// EmitFlowEnter emits a flow_enter event.
func (tw *Writer) EmitFlowEnter(node, flow string, depth int) error {
	return tw.Emit(EventFlowEnter, map[string]any{
		"node":  node,
		"flow":  flow,
		"depth": depth,
	})
}

// EmitFlowExit emits a flow_exit event.
func (tw *Writer) EmitFlowExit(node, flow string, status Status, duration time.Duration) error {
	return tw.Emit(EventFlowExit, map[string]any{
		"node":     node,
		"flow":     flow,
		"status":   string(status),
		"duration": duration.String(),
	})
}

// EmitLoopIteration emits a loop_iteration event. binding holds the loop
// variables visible to the iteration.
func (tw *Writer) EmitLoopIteration(node, flow string, iteration int, binding map[string]any) error {
	data := map[string]any{
		"node":      node,
		"flow":      flow,
		"iteration": iteration,
	}
	if binding != nil {
		data["binding"] = binding
	}
	return tw.Emit(EventLoopIteration, data)
}

// EmitErrorCaught emits an error_caught event for a try flow.
func (tw *Writer) EmitErrorCaught(node, catchVar, message string) error {
	return tw.Emit(EventErrorCaught, map[string]any{
		"node":    node,
		"var":     catchVar,
		"message": message,
	})
}

func failureMap(f *Failure) map[string]any {
	return map[string]any{
		"kind":    f.Kind,
		"message": f.Message,
	}
}

// Sign returns the hex HMAC-SHA256 of chainHash under key.
func Sign(key []byte, chainHash string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(chainHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// ReadEvents decodes every event of a JSONL trace.
func ReadEvents(r io.Reader) ([]Event, error) {
	var events []Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt Event
		if err := json.Unmarshal(line, &evt); err != nil {
			return nil, fmt.Errorf("event %d: %w", len(events)+1, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}
	return events, nil
}
