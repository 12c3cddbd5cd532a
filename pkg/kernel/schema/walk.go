package schema

import "fmt"

// WalkFunc is called for every node of a tree together with its path,
// for example "process[0].steps[1]". Returning false skips the children.
type WalkFunc func(path string, n *Node, depth int) bool

// Walk visits nodes depth first in document order.
func Walk(nodes []Node, fn WalkFunc) {
	walk("process", nodes, 0, fn)
}

func walk(prefix string, nodes []Node, depth int, fn WalkFunc) {
	for i := range nodes {
		n := &nodes[i]
		path := fmt.Sprintf("%s[%d]", prefix, i)
		if !fn(path, n, depth) {
			continue
		}
		walk(path+".steps", n.Steps, depth+1, fn)
		walk(path+".elsesteps", n.ElseSteps, depth+1, fn)
		walk(path+".catchsteps", n.CatchSteps, depth+1, fn)
	}
}

// Count returns the number of nodes in the tree.
func Count(nodes []Node) int {
	total := 0
	Walk(nodes, func(string, *Node, int) bool {
		total++
		return true
	})
	return total
}

// StepNames returns every component name referenced by the tree, in first
// occurrence order.
func StepNames(nodes []Node) []string {
	seen := map[string]bool{}
	var names []string
	Walk(nodes, func(_ string, n *Node, _ int) bool {
		if n.Step != "" && !seen[n.Step] {
			seen[n.Step] = true
			names = append(names, n.Step)
		}
		return true
	})
	return names
}
