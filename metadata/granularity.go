package metadata

// samePage reports whether two byte offsets fall on the same granularity page.
func samePage(a, b int, granularity int) bool {
	if granularity <= 1 {
		return false
	}
	return a/granularity == b/granularity
}

// alignUp rounds value up to the next multiple of alignment, which must be a
// power of two.
func alignUp(value int, alignment uint) int {
	a := int(alignment)
	return (value + a - 1) &^ (a - 1)
}

// resolveBackwardConflict implements spec.md 4.1 step 3: walk previous
// suballocations while they share a granularity page with proposedOffset; if
// any of them conflicts by type with the candidate, the offset is bumped up
// to the next full granularity page and the walk stops.
func resolveBackwardConflict(node *suballocation, proposedOffset int, granularity int, typ SuballocationType) int {
	if granularity <= 1 {
		return proposedOffset
	}
	for prev := node.prev; prev != nil && samePage(prev.offset+prev.size-1, proposedOffset, granularity); prev = prev.prev {
		if !prev.isFree() && Conflicts(prev.typ, typ) {
			return alignUp(proposedOffset, uint(granularity))
		}
	}
	return proposedOffset
}

// forwardConflict implements spec.md 4.1 step 5: walk following
// suballocations while they share a granularity page with the candidate's
// trailing edge; report whether any of them conflicts by type, and collect
// the non-free ones encountered so a CanMakeOtherLost caller can consider
// evicting them.
func forwardConflict(node *suballocation, end int, granularity int, typ SuballocationType, into *[]*suballocation) bool {
	if granularity <= 1 {
		return false
	}
	conflict := false
	for next := node.next; next != nil && samePage(next.offset, end-1, granularity); next = next.next {
		if !next.isFree() && Conflicts(next.typ, typ) {
			conflict = true
			if into != nil {
				*into = append(*into, next)
			}
		}
	}
	return conflict
}
