package validate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

const schemaResource = "process.json"

var (
	compiledOnce sync.Once
	compiled     *sjsonschema.Schema
	compileErr   error
)

// processSchema generates the JSON Schema from the Go types and compiles
// it once per process.
func processSchema() (*sjsonschema.Schema, error) {
	compiledOnce.Do(func() {
		raw, err := schema.GenerateProcessJSONSchema()
		if err != nil {
			compileErr = fmt.Errorf("generate schema: %w", err)
			return
		}
		doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		c := sjsonschema.NewCompiler()
		if err := c.AddResource(schemaResource, doc); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile(schemaResource)
	})
	return compiled, compileErr
}

// validateSemantic validates the process against its JSON Schema.
func validateSemantic(p *schema.Process) []*ValidationError {
	sch, err := processSchema()
	if err != nil {
		return []*ValidationError{errorf(PhaseSemantic, "", "%s", err)}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return []*ValidationError{errorf(PhaseSemantic, "", "marshal for schema validation: %v", err)}
	}
	doc, err := sjsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return []*ValidationError{errorf(PhaseSemantic, "", "unmarshal document: %v", err)}
	}

	err = sch.Validate(doc)
	if err == nil {
		return nil
	}
	ve, ok := err.(*sjsonschema.ValidationError)
	if !ok {
		return []*ValidationError{errorf(PhaseSemantic, "", "%s", err)}
	}
	var errs []*ValidationError
	for _, cause := range flattenValidationErrors(ve) {
		errs = append(errs, errorf(PhaseSemantic, instancePath(cause.InstanceLocation), "%v", cause.ErrorKind))
	}
	return errs
}

// flattenValidationErrors recursively collects all leaf validation errors.
func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// instancePath renders a JSON pointer location the way Walk names nodes:
// ["process","0","steps","1"] becomes process[0].steps[1].
func instancePath(loc []string) string {
	var b strings.Builder
	for _, seg := range loc {
		if seg != "" && strings.Trim(seg, "0123456789") == "" {
			fmt.Fprintf(&b, "[%s]", seg)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(seg)
	}
	return b.String()
}
