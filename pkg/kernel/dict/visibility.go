package dict

import (
	"slices"
	"strings"
)

// Visibility restricts which dotted paths of a Dict are shown.
//
// Glob semantics:
//   - `*` matches one dot-segment
//   - `**` matches any depth (zero or more segments)
//   - Deny overrides allow
//   - If allow is present, unlisted paths are denied by default
type Visibility struct {
	Allow []string
	Deny  []string
}

// Allows reports whether path is visible. A nil Visibility allows all.
func (v *Visibility) Allows(path string) bool {
	if v == nil {
		return true
	}

	for _, pattern := range v.Deny {
		if Match(pattern, path) {
			return false
		}
	}

	if len(v.Allow) > 0 {
		for _, pattern := range v.Allow {
			if Match(pattern, path) {
				return true
			}
		}
		return false
	}

	return true
}

// Match matches a dot-separated path against a glob pattern.
func Match(pattern, path string) bool {
	return matchParts(strings.Split(pattern, Separator), strings.Split(path, Separator))
}

func matchParts(pattern, path []string) bool {
	pi, pa := 0, 0
	for pi < len(pattern) && pa < len(path) {
		if pattern[pi] == "**" {
			if pi == len(pattern)-1 {
				return true
			}
			for k := pa; k <= len(path); k++ {
				if matchParts(pattern[pi+1:], path[k:]) {
					return true
				}
			}
			return false
		}
		if pattern[pi] == "*" || pattern[pi] == path[pa] {
			pi++
			pa++
			continue
		}
		return false
	}

	// remaining pattern segments must all be **
	for pi < len(pattern) {
		if pattern[pi] != "**" {
			return false
		}
		pi++
	}

	return pa == len(path)
}

// Flatten returns every leaf of d keyed by its dotted path. Nested Dicts
// and maps are descended; lists are leaves.
func Flatten(d Dict) map[string]any {
	out := map[string]any{}
	flatten("", d, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + Separator + k
		}
		switch c := v.(type) {
		case Dict:
			if len(c) > 0 {
				flatten(path, c, out)
				continue
			}
		case map[string]any:
			if len(c) > 0 {
				flatten(path, c, out)
				continue
			}
		}
		out[path] = v
	}
}

// Filter returns the sorted leaf paths of d that v allows, with values.
func Filter(d Dict, v *Visibility) ([]string, map[string]any) {
	flat := Flatten(d)
	var paths []string
	for path := range flat {
		if v.Allows(path) {
			paths = append(paths, path)
		} else {
			delete(flat, path)
		}
	}
	slices.Sort(paths)
	return paths, flat
}
