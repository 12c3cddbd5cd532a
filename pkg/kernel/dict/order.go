package dict

import (
	"slices"
	"strconv"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"gopkg.in/yaml.v3"
)

// KeyOrder remembers the order in which the keys of each mapping were
// defined or first written, indexed by the mapping's dotted path. The
// root mapping has the empty path. A nil *KeyOrder knows no order.
type KeyOrder struct {
	paths map[string]*orderedmap.OrderedMap[string, struct{}]
}

// NewKeyOrder returns an empty KeyOrder.
func NewKeyOrder() *KeyOrder {
	return &KeyOrder{paths: map[string]*orderedmap.OrderedMap[string, struct{}]{}}
}

// Record appends keys to the order of the mapping at path. Keys already
// recorded keep their position.
func (o *KeyOrder) Record(path string, keys ...string) {
	if o.paths == nil {
		o.paths = map[string]*orderedmap.OrderedMap[string, struct{}]{}
	}
	set := o.paths[path]
	if set == nil {
		set = orderedmap.New[string, struct{}]()
		o.paths[path] = set
	}
	for _, k := range keys {
		set.Set(k, struct{}{})
	}
}

// Forget drops the order of the mapping at path and of every mapping
// nested below it.
func (o *KeyOrder) Forget(path string) {
	if o == nil {
		return
	}
	if path == "" {
		clear(o.paths)
		return
	}
	prefix := path + Separator
	for p := range o.paths {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(o.paths, p)
		}
	}
}

// Recorded returns the keys recorded for path, in order.
func (o *KeyOrder) Recorded(path string) []string {
	if o == nil || o.paths[path] == nil {
		return nil
	}
	set := o.paths[path]
	out := make([]string, 0, set.Len())
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Keys returns the keys of m, the mapping at path, in recorded order.
// Recorded keys m no longer holds are skipped and keys the order does
// not know follow in sorted order.
func (o *KeyOrder) Keys(path string, m map[string]any) []string {
	out := make([]string, 0, len(m))
	seen := make(map[string]bool, len(m))
	for _, k := range o.Recorded(path) {
		if _, ok := m[k]; ok {
			out = append(out, k)
			seen[k] = true
		}
	}
	var rest []string
	for k := range m {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	return append(out, rest...)
}

// Clone returns an independent copy of o.
func (o *KeyOrder) Clone() *KeyOrder {
	c := NewKeyOrder()
	c.Merge(o)
	return c
}

// Merge records every order src knows into o.
func (o *KeyOrder) Merge(src *KeyOrder) {
	if src == nil {
		return
	}
	for p := range src.paths {
		o.Record(p, src.Recorded(p)...)
	}
}

// UnmarshalYAML records the key order of every mapping in a YAML value.
func (o *KeyOrder) UnmarshalYAML(n *yaml.Node) error {
	o.RecordNode("", n)
	return nil
}

// RecordNode records the key order of every mapping in n, a YAML value
// found at path.
func (o *KeyOrder) RecordNode(path string, n *yaml.Node) {
	switch n.Kind {
	case yaml.DocumentNode:
		for _, c := range n.Content {
			o.RecordNode(path, c)
		}
	case yaml.AliasNode:
		if n.Alias != nil {
			o.RecordNode(path, n.Alias)
		}
	case yaml.MappingNode:
		o.Record(path)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Tag == "!!merge" {
				o.recordMerge(path, v)
				continue
			}
			o.Record(path, k.Value)
			o.RecordNode(join(path, k.Value), v)
		}
	case yaml.SequenceNode:
		for i, c := range n.Content {
			o.RecordNode(join(path, strconv.Itoa(i)), c)
		}
	}
}

// recordMerge handles a "<<" key, whose value is one mapping or a list of
// mappings merged into the mapping at path.
func (o *KeyOrder) recordMerge(path string, v *yaml.Node) {
	if v.Kind == yaml.SequenceNode {
		for _, c := range v.Content {
			o.RecordNode(path, c)
		}
		return
	}
	o.RecordNode(path, v)
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + Separator + key
}
