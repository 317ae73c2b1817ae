// Package mapping projects tree-shaped cty values onto flat, path-keyed leaf
// maps and back. A path is the `/`-joined chain of object keys and sequence
// indices leading to a leaf, e.g. "user/name" or "tokens/0".
package mapping

import (
	"sort"
	"strconv"

	"github.com/zclconf/go-cty/cty"
)

// Separator joins path segments in a flattened key.
const Separator = "/"

// Flat is a leaf-only projection of a nested value. Keys are unique and no
// key is a strict ancestor of another: every key denotes a leaf.
type Flat map[string]cty.Value

// Paths returns the keys of the flat mapping in lexical order.
func (f Flat) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Flatten walks a nested value and returns its leaf-only projection.
// Object and map keys become path segments as-is; tuple, list and set
// elements contribute their decimal index. Null values are leaves.
func Flatten(v cty.Value) Flat {
	out := make(Flat)
	flattenInto("", v, out)
	return out
}

func flattenInto(prefix string, v cty.Value, out Flat) {
	if v == cty.NilVal {
		return
	}
	if v.IsNull() {
		out[prefix] = v
		return
	}

	ty := v.Type()
	switch {
	case ty.IsObjectType() || ty.IsMapType():
		for key, elem := range v.AsValueMap() {
			flattenInto(joinPath(prefix, key), elem, out)
		}
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		idx := 0
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			flattenInto(joinPath(prefix, strconv.Itoa(idx)), elem, out)
			idx++
		}
	default:
		// Primitives and anything else leaf-like (capsules included).
		out[prefix] = v
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return prefix + Separator + segment
}
