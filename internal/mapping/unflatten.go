package mapping

import (
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// treeNode is an intermediate node used while rebuilding a nested value from
// its flat projection. A node either carries a leaf or has children, never
// both (flat keys are leaf-only by construction).
type treeNode struct {
	leaf     cty.Value
	hasLeaf  bool
	children map[string]*treeNode
}

// Unflatten rebuilds a nested value from a flat projection. Children whose
// keys form a contiguous run of decimal indices starting at zero become a
// tuple; everything else becomes an object. An empty projection yields the
// empty object.
//
// Flatten(Unflatten(Flatten(v))) has the same keys and leaves as Flatten(v).
func Unflatten(f Flat) cty.Value {
	root := newTreeNode()
	for _, path := range f.Paths() {
		node := root
		rest := path
		for rest != "" {
			seg, tail := splitPath(rest)
			child, ok := node.children[seg]
			if !ok {
				child = newTreeNode()
				node.children[seg] = child
			}
			node = child
			rest = tail
		}
		node.leaf = f[path]
		node.hasLeaf = true
	}
	return root.materialize()
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

func splitPath(path string) (segment, rest string) {
	for i := 0; i < len(path); i++ {
		if path[i] == Separator[0] {
			return path[:i], path[i+1:]
		}
	}
	return path, ""
}

func (n *treeNode) materialize() cty.Value {
	if n.hasLeaf {
		return n.leaf
	}
	if len(n.children) == 0 {
		return cty.EmptyObjectVal
	}
	if indices, ok := n.sequenceIndices(); ok {
		elems := make([]cty.Value, len(indices))
		for i, key := range indices {
			elems[i] = n.children[key].materialize()
		}
		return cty.TupleVal(elems)
	}
	attrs := make(map[string]cty.Value, len(n.children))
	for key, child := range n.children {
		attrs[key] = child.materialize()
	}
	return cty.ObjectVal(attrs)
}

// sequenceIndices reports whether the children keys are exactly 0..n-1 and,
// if so, returns them in index order.
func (n *treeNode) sequenceIndices() ([]string, bool) {
	ordered := make([]string, len(n.children))
	for key := range n.children {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 || idx >= len(ordered) || ordered[idx] != "" {
			return nil, false
		}
		ordered[idx] = key
	}
	return ordered, true
}
