// Package dict implements the key/value container used for the run Context
// and for per-scope locals, together with composite (dotted-path) access.
package dict

import (
	"errors"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"
)

// Dict is a string-keyed map with dotted-path helpers. It is a reference
// type: two Dict values are the same scope when they share the same map.
type Dict map[string]any

// Separator splits a composite key into segments.
const Separator = "."

var (
	ErrPathNotFound = errors.New("path not found")
	ErrNotIndexable = errors.New("value is not indexable")
	ErrEmptyPath    = errors.New("empty path")
)

// New returns an empty Dict.
func New() Dict {
	return Dict{}
}

// From wraps m (and every nested plain map) into Dict values.
func From(m map[string]any) Dict {
	if m == nil {
		return New()
	}
	d := make(Dict, len(m))
	for k, v := range m {
		d[k] = Wrap(v)
	}
	return d
}

// Wrap converts plain maps into Dict so dotted-path access works uniformly.
// Lists are copied with maps nested inside them converted too. Any other
// value is returned unchanged.
func Wrap(v any) any {
	switch val := v.(type) {
	case Dict:
		return val
	case map[string]any:
		return From(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Wrap(item)
		}
		return out
	default:
		return v
	}
}

// Clone returns a shallow copy: new bindings added to the copy stay in the
// copy, nested values remain shared with the original.
func (d Dict) Clone() Dict {
	if d == nil {
		return New()
	}
	return maps.Clone(d)
}

// Same reports whether a and b refer to the same underlying map.
func Same(a, b Dict) bool {
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// Keys returns the keys of d in sorted order.
func (d Dict) Keys() []string {
	return slices.Sorted(maps.Keys(d))
}

// Lookup resolves a dotted path against d.
func (d Dict) Lookup(path string) (any, error) {
	return Lookup(d, path)
}

// Get resolves a dotted path, returning nil when it does not resolve.
func (d Dict) Get(path string) any {
	v, err := Lookup(d, path)
	if err != nil {
		return nil
	}
	return v
}

// Has reports whether the dotted path resolves.
func (d Dict) Has(path string) bool {
	_, err := Lookup(d, path)
	return err == nil
}

// SetPath writes value at the dotted path. Every intermediate segment must
// already exist; only the final segment is created.
func (d Dict) SetPath(path string, value any) error {
	return SetPath(d, path, value)
}

// Lookup walks base one segment at a time. Maps are indexed by key, lists
// by integer position.
func Lookup(base any, path string) (any, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	cur := base
	for _, seg := range strings.Split(path, Separator) {
		next, err := Index(cur, seg)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cur = next
	}
	return cur, nil
}

// SetPath performs a nested write into base.
func SetPath(base any, path string, value any) error {
	if path == "" {
		return ErrEmptyPath
	}
	parent := base
	key := path
	if i := strings.LastIndex(path, Separator); i >= 0 {
		p, err := Lookup(base, path[:i])
		if err != nil {
			return err
		}
		parent, key = p, path[i+1:]
	}
	switch c := parent.(type) {
	case Dict:
		c[key] = value
	case map[string]any:
		c[key] = value
	case []any:
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(c) {
			return fmt.Errorf("%s: index %q: %w", path, key, ErrPathNotFound)
		}
		c[idx] = value
	default:
		return fmt.Errorf("%s: cannot assign into %T: %w", path, parent, ErrNotIndexable)
	}
	return nil
}

// Index resolves a single path segment against v.
func Index(v any, seg string) (any, error) {
	switch c := v.(type) {
	case Dict:
		val, ok := c[seg]
		if !ok {
			return nil, fmt.Errorf("key %q: %w", seg, ErrPathNotFound)
		}
		return val, nil
	case map[string]any:
		val, ok := c[seg]
		if !ok {
			return nil, fmt.Errorf("key %q: %w", seg, ErrPathNotFound)
		}
		return val, nil
	case []any:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= len(c) {
			return nil, fmt.Errorf("index %q: %w", seg, ErrPathNotFound)
		}
		return c[idx], nil
	case nil:
		return nil, fmt.Errorf("key %q on nil: %w", seg, ErrNotIndexable)
	}
	return indexReflect(v, seg)
}

func indexReflect(v any, seg string) (any, error) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		val := rv.MapIndex(reflect.ValueOf(seg).Convert(rv.Type().Key()))
		if !val.IsValid() {
			return nil, fmt.Errorf("key %q: %w", seg, ErrPathNotFound)
		}
		return val.Interface(), nil
	case reflect.Slice, reflect.Array:
		idx, err := strconv.Atoi(seg)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, fmt.Errorf("index %q: %w", seg, ErrPathNotFound)
		}
		return rv.Index(idx).Interface(), nil
	}
	return nil, fmt.Errorf("key %q on %T: %w", seg, v, ErrNotIndexable)
}
