// Package scheduler drives recurring probes off a min-heap of due times.
package scheduler

import (
	"container/heap"
	"time"
)

// entry is one heap slot: the target and when it is next due.
type entry struct {
	targetID string
	dueAt    time.Time
	version  int64
	index    int // maintained by heap.Interface
}

// targetHeap orders entries by dueAt, soonest first.
type targetHeap []*entry

func (h targetHeap) Len() int           { return len(h) }
func (h targetHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h targetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *targetHeap) Push(x interface{}) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *targetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// schedule wraps the heap with a by-id index so Reload can update or remove
// a single target in O(log n). Not safe for concurrent use; the scheduler
// serializes access behind its mutex.
type schedule struct {
	heap targetHeap
	byID map[string]*entry
}

func newSchedule() *schedule {
	return &schedule{byID: make(map[string]*entry)}
}

func (s *schedule) len() int { return len(s.heap) }

// upsert inserts the target or moves its existing entry to dueAt.
func (s *schedule) upsert(targetID string, dueAt time.Time, version int64) {
	if e, ok := s.byID[targetID]; ok {
		e.dueAt = dueAt
		e.version = version
		heap.Fix(&s.heap, e.index)
		return
	}
	e := &entry{targetID: targetID, dueAt: dueAt, version: version}
	s.byID[targetID] = e
	heap.Push(&s.heap, e)
}

// remove drops the target from the schedule if present.
func (s *schedule) remove(targetID string) {
	e, ok := s.byID[targetID]
	if !ok {
		return
	}
	delete(s.byID, targetID)
	heap.Remove(&s.heap, e.index)
}

// popDue removes and returns the next entry due at or before now, or nil.
func (s *schedule) popDue(now time.Time) *entry {
	if len(s.heap) == 0 || s.heap[0].dueAt.After(now) {
		return nil
	}
	e := heap.Pop(&s.heap).(*entry)
	delete(s.byID, e.targetID)
	return e
}
