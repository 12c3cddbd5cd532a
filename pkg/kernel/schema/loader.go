package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ormasoftchile/ctxflow/pkg/kernel/dict"
)

// LoadFile reads and structurally decodes a process document (YAML or JSON).
// Returns a structural error if the document contains unknown fields.
func LoadFile(path string) (*Process, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open process: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Load reads a process document from a reader.
func Load(r io.Reader) (*Process, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read process: %w", err)
	}
	var p Process
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // strict: reject unknown fields
	if err := dec.Decode(&p); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("structural decode: empty document")
		}
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	if p.Context == nil {
		p.Context = map[string]any{}
	}
	var order struct {
		Context *dict.KeyOrder `yaml:"context"`
	}
	if err := yaml.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	p.ContextOrder = order.Context
	if p.ContextOrder == nil {
		p.ContextOrder = dict.NewKeyOrder()
	}
	return &p, nil
}

// Parse decodes a process document held in memory.
func Parse(data []byte) (*Process, error) {
	return Load(bytes.NewReader(data))
}

// ParseNodes decodes a bare list of nodes, the shape accepted by
// Engine.Run when no surrounding document is needed.
func ParseNodes(data []byte) ([]Node, error) {
	var nodes []Node
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&nodes); err != nil {
		return nil, fmt.Errorf("structural decode: %w", err)
	}
	return nodes, nil
}
