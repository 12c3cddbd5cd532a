package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaID identifies the exported process schema.
const SchemaID = "https://github.com/ormasoftchile/ctxflow/schemas/process.json"

// GenerateProcessJSONSchema produces a JSON Schema Draft 2020-12 document
// from the Process Go types.
func GenerateProcessJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)
	s := r.Reflect(&Process{})
	s.ID = SchemaID
	s.Title = "ctxflow process"
	s.Description = "Schema for ctxflow process documents (Draft 2020-12)"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal process schema: %w", err)
	}
	return data, nil
}
