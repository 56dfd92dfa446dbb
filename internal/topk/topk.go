/*
Package topk provides a generic, heap-based top-K selection: given a
slice of items and a "ranks before" comparator, it returns the best
min(k, len(items)) items, sorted by rank.

This is the partial-sort primitive the decoder needs in two places: the
per-frame class-axis pruning (keep only the cutoff_top_n most probable
classes) and the adaptive beam cutoff (find the score of the
beam_size-th best live prefix without fully sorting the beam). Doing
this with a size-bounded heap costs O(n log k) instead of the O(n log n)
a full sort would, which matters since both run once per frame.

The heap itself is the teacher's bounded binary heap
(priorityqueue.BinaryHeap) generalized to maintain only the best K
items seen so far instead of every item ever added.
*/
package topk

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Select returns the best min(k, len(items)) items from items, sorted
// so the item for which less(out[i], out[j]) holds for i < j comes
// first. less(a, b) must report whether a ranks ahead of b.
func Select[T any](items []T, less func(a, b T) bool, k int) []T {
	if k <= 0 || len(items) == 0 {
		return nil
	}

	h := &boundedHeap[T]{
		// the heap keeps the weakest of the kept items at the root, so
		// cmp(a, b) asks "is a weaker than b" (b ranks ahead of a).
		cmp: func(a, b T) bool { return less(b, a) },
	}

	for _, item := range items {
		switch {
		case h.size() < k:
			h.add(item)
		case less(item, h.data[0]):
			h.data[0] = item
			h.sink(0)
		}
	}

	out := make([]T, len(h.data))
	copy(out, h.data)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// boundedHeap is a binary min-heap (by cmp) with no capacity bound of
// its own; Select caps the number of elements it ever holds at k.
type boundedHeap[T any] struct {
	data []T
	cmp  func(a, b T) bool
}

func (h *boundedHeap[T]) size() int { return len(h.data) }

func (h *boundedHeap[T]) add(v T) {
	h.data = append(h.data, v)
	h.swim(len(h.data) - 1)
}

func (h *boundedHeap[T]) swim(k int) {
	for k > 0 {
		parent := (k - 1) / 2
		if h.cmp(h.data[k], h.data[parent]) {
			h.data[k], h.data[parent] = h.data[parent], h.data[k]
			k = parent
		} else {
			break
		}
	}
}

func (h *boundedHeap[T]) sink(k int) {
	n := len(h.data)
	for {
		child := 2*k + 1
		if child >= n {
			break
		}
		if child+1 < n && h.cmp(h.data[child+1], h.data[child]) {
			child++
		}
		if !h.cmp(h.data[child], h.data[k]) {
			break
		}
		h.data[k], h.data[child] = h.data[child], h.data[k]
		k = child
	}
}

// Ordered is re-exported for callers that want a natural-ordering
// comparator without hand-writing one.
type Ordered = constraints.Ordered
