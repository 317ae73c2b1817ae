// Package diff compares two flattened model snapshots and classifies every
// changed path as added, changed or removed.
package diff

import (
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/deltastore/internal/mapping"
)

// Kind classifies a single property change.
type Kind int

const (
	// Added means the path exists only in the new snapshot.
	Added Kind = iota
	// Changed means the path exists in both snapshots with different leaves.
	Changed
	// Removed means the path exists only in the old snapshot.
	Removed
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// PropertyDiff describes how one leaf path changed between two snapshots.
// Old is set for Changed and Removed, New for Added and Changed.
type PropertyDiff struct {
	Kind Kind
	Old  cty.Value
	New  cty.Value
}

// Compute compares two flat snapshots and returns the per-path changes.
// Leaf equality is structural (cty.Value.RawEquals), so heterogeneous leaf
// kinds — numbers, strings, booleans, nulls — compare by value, never by
// identity. Unchanged paths are omitted.
func Compute(old, new mapping.Flat) map[string]PropertyDiff {
	diffs := make(map[string]PropertyDiff)
	for path, newLeaf := range new {
		oldLeaf, ok := old[path]
		if !ok {
			diffs[path] = PropertyDiff{Kind: Added, New: newLeaf}
			continue
		}
		if !oldLeaf.RawEquals(newLeaf) {
			diffs[path] = PropertyDiff{Kind: Changed, Old: oldLeaf, New: newLeaf}
		}
	}
	for path, oldLeaf := range old {
		if _, ok := new[path]; !ok {
			diffs[path] = PropertyDiff{Kind: Removed, Old: oldLeaf}
		}
	}
	return diffs
}
