package engine

import (
	"container/heap"
	"sync"
)

// entry is one scheduled occurrence of a task in a time index.
//
// Entries are never removed out-of-band: cancellation and re-routing use lazy
// deletion. A popped entry whose task is no longer Pending (or whose task has
// since been re-armed with a different due tick) is simply skipped. This keeps
// the cross-queue hand-off to "pop under the old queue's lock, push under the
// new queue's lock" with the two locks never held together.
type entry struct {
	t   *Task
	due Tick
	seq uint64
}

type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].due != h[j].due {
		return h[i].due < h[j].due
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(*entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// timeIndex is a per-worker priority queue keyed by (due tick, push order).
// Each index is independently synchronized; workers only ever drain their own.
type timeIndex struct {
	mu sync.Mutex
	h  entryHeap
}

func newTimeIndex() *timeIndex { return &timeIndex{} }

func (q *timeIndex) push(e *entry) {
	q.mu.Lock()
	heap.Push(&q.h, e)
	q.mu.Unlock()
}

// popDue removes and returns all entries with due <= now, in ascending
// (due, seq) order.
func (q *timeIndex) popDue(now Tick) []*entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*entry
	for len(q.h) > 0 && q.h[0].due <= now {
		due = append(due, heap.Pop(&q.h).(*entry))
	}
	return due
}

// peekDue reports whether anything is due without draining.
func (q *timeIndex) peekDue(now Tick) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h) > 0 && q.h[0].due <= now
}

func (q *timeIndex) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
