package visualization

import "github.com/wehubfusion/Iris/pkg/frames"

// Partition groups results by owning context. Results owned by the current
// context go to Local; the rest are grouped per child in the order the
// children are first seen. Relative order is preserved everywhere, and a
// nil input yields empty partitions.
func Partition(results []Result) PartitionedResultSet {
	set := PartitionedResultSet{
		Local:   make([]Result, 0, len(results)),
		ByChild: make(map[frames.ContextRef][]Result),
	}

	for _, result := range results {
		owner := result.Owner()
		if owner.IsCurrent() {
			set.Local = append(set.Local, result)
			continue
		}
		if _, seen := set.ByChild[owner]; !seen {
			set.Children = append(set.Children, owner)
		}
		set.ByChild[owner] = append(set.ByChild[owner], result)
	}

	return set
}

// drawable filters results down to the ones that should be drawn.
func drawable(results []Result) []Result {
	out := make([]Result, 0, len(results))
	for _, result := range results {
		if result.IsDrawable() {
			out = append(out, result)
		}
	}
	return out
}

// forChild rebases a child's partition so the child sees paths relative
// to itself.
func forChild(results []Result) []Result {
	out := make([]Result, len(results))
	for i, result := range results {
		out[i] = result.rebased()
	}
	return out
}
