// Package recorder captures a live run as a replayable scenario: every
// component's effect on the Context becomes a mock, and the final Context
// becomes the expected values.
package recorder

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/engine"
	ktesting "github.com/ormasoftchile/ctxflow/pkg/kernel/testing"
)

// Redacted replaces secret values in recorded output.
const Redacted = "<REDACTED>"

// Recorder wraps components and captures what they write.
type Recorder struct {
	Responses map[string]*ktesting.ComponentMock
	seed      map[string]any
	secrets   []string // env var names whose values should be redacted
	reached   []string
}

// New creates a recorder for a run seeded with seed.
func New(seed map[string]any) *Recorder {
	return &Recorder{
		Responses: map[string]*ktesting.ComponentMock{},
		seed:      seed,
	}
}

// SetSecrets configures secret env var names whose values are redacted in captured output.
func (r *Recorder) SetSecrets(envVars []string) {
	r.secrets = envVars
}

// Wrap returns c instrumented to record its writes under name. Writes are
// compared per top-level Context key; a component called more than once
// keeps the union of its writes and the outcome of its last call.
func (r *Recorder) Wrap(name string, c engine.Component) engine.Component {
	return func(e *engine.Engine, ctx *engine.Context) error {
		before, _ := snapshot(ctx.Data)
		err := c(e, ctx)
		after, serr := snapshot(ctx.Data)
		if serr != nil {
			return errors.Join(err, fmt.Errorf("record %s: %w", name, serr))
		}

		mock := r.Responses[name]
		if mock == nil {
			mock = &ktesting.ComponentMock{}
			r.Responses[name] = mock
		}
		for k, v := range after {
			if old, ok := before[k]; ok && reflect.DeepEqual(old, v) {
				continue
			}
			if mock.Set == nil {
				mock.Set = map[string]any{}
			}
			mock.Set[k] = r.redactValue(v)
		}
		mock.Fail = ""
		if err != nil {
			mock.Fail = r.redact(err.Error())
		}
		return err
	}
}

// Attach registers every component wrapped, and records the named nodes
// the run reaches.
func (r *Recorder) Attach(eng *engine.Engine, comps map[string]engine.Component) {
	for name, c := range comps {
		eng.RegisterComponent(name, r.Wrap(name, c))
	}
	eng.AddListener(engine.Hooks{
		OnBefore: func(_ *engine.Engine, n *engine.Node) error {
			if n.Template.Name != "" && !slices.Contains(r.reached, n.Label()) {
				r.reached = append(r.reached, n.Label())
			}
			return nil
		},
	})
}

// Scenario builds the test spec that replays the recorded run. runErr is
// the error returned by the run and data its final Context.
func (r *Recorder) Scenario(description string, runErr error, data map[string]any) (*ktesting.TestSpec, error) {
	final, err := snapshot(data)
	if err != nil {
		return nil, err
	}
	spec := &ktesting.TestSpec{
		Description:     description,
		Context:         r.redactMap(r.seed),
		ExpectedStatus:  ktesting.StatusCompleted,
		ExpectedContext: map[string]any{},
		MustReach:       slices.Clone(r.reached),
	}
	if len(r.Responses) > 0 {
		spec.Components = map[string]ktesting.ComponentMock{}
		for name, mock := range r.Responses {
			spec.Components[name] = *mock
		}
	}
	if runErr != nil {
		spec.ExpectedStatus = ktesting.StatusFailed
		spec.ExpectedError = r.redact(runErr.Error())
	}
	flatten("", final, func(path string, v any) {
		spec.ExpectedContext[path] = r.redactValue(v)
	})
	return spec, nil
}

// Save writes spec as YAML to path.
func Save(path string, spec *ktesting.TestSpec) error {
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encode scenario: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// snapshot deep-copies data into plain JSON values.
func snapshot(data map[string]any) (map[string]any, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// flatten visits the leaves of m as gjson paths. Lists and empty maps are
// leaves.
func flatten(prefix string, m map[string]any, visit func(string, any)) {
	for k, v := range m {
		path := escape(k)
		if prefix != "" {
			path = prefix + "." + path
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(path, nested, visit)
			continue
		}
		visit(path, v)
	}
}

var pathEscaper = strings.NewReplacer(".", `\.`, "*", `\*`, "?", `\?`)

func escape(key string) string {
	return pathEscaper.Replace(key)
}

// redact replaces secret values with <REDACTED>.
func (r *Recorder) redact(s string) string {
	for _, envVar := range r.secrets {
		val := os.Getenv(envVar)
		if val != "" {
			s = strings.ReplaceAll(s, val, Redacted)
		}
	}
	return s
}

func (r *Recorder) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return r.redact(val)
	case map[string]any:
		return r.redactMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	}
	return v
}

// redactMap redacts secret values in a map.
func (r *Recorder) redactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = r.redactValue(v)
	}
	return out
}
