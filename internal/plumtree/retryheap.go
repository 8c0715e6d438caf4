package plumtree

import (
	"time"

	"github.com/dirvine/saorsa-gossip/internal/gossipcore"
)

// retryItem tracks one outstanding IWANT awaiting a reply.
type retryItem struct {
	msgID    gossipcore.MessageId
	peer     gossipcore.PeerId
	deadline time.Time
	attempts int
}

// retryHeap is a deadline-ordered binary min-heap of retryItems: Pop always
// returns the item with the earliest deadline. The sift-up/sift-down
// mechanics are ported from the teacher's task-scheduling priority queue
// (internal/infra/dsa/heap.go), retyped around a time.Time deadline instead
// of an integer priority — this queue has no starvation-boost behavior
// because every item's ordering key is already exactly when it should next
// be examined.
type retryHeap struct {
	items []retryItem
}

func (h *retryHeap) Len() int { return len(h.items) }

func (h *retryHeap) Push(it retryItem) {
	h.items = append(h.items, it)
	h.siftUp(len(h.items) - 1)
}

// Pop removes and returns the item with the earliest deadline.
func (h *retryHeap) Pop() (retryItem, bool) {
	if len(h.items) == 0 {
		return retryItem{}, false
	}
	top := h.items[0]
	last := len(h.items) - 1
	h.items[0] = h.items[last]
	h.items = h.items[:last]
	if len(h.items) > 0 {
		h.siftDown(0)
	}
	return top, true
}

// Peek returns the earliest-deadline item without removing it.
func (h *retryHeap) Peek() (retryItem, bool) {
	if len(h.items) == 0 {
		return retryItem{}, false
	}
	return h.items[0], true
}

func (h *retryHeap) less(i, j int) bool {
	return h.items[i].deadline.Before(h.items[j].deadline)
}

func (h *retryHeap) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if h.less(idx, parent) {
			h.items[idx], h.items[parent] = h.items[parent], h.items[idx]
			idx = parent
		} else {
			break
		}
	}
}

func (h *retryHeap) siftDown(idx int) {
	n := len(h.items)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2
		if left < n && h.less(left, smallest) {
			smallest = left
		}
		if right < n && h.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		h.items[idx], h.items[smallest] = h.items[smallest], h.items[idx]
		idx = smallest
	}
}
