package host

import (
	"container/heap"
	"time"
)

// timerEntry is one pending one-shot callback.
// index is -1 once the entry left the heap (fired or canceled).
type timerEntry struct {
	due   time.Time
	seq   uint64
	fn    func()
	index int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// timerSet orders timers by due time, then by insertion order.
// Callers provide locking.
type timerSet struct {
	h   timerHeap
	seq uint64
}

func (s *timerSet) add(due time.Time, fn func()) *timerEntry {
	s.seq++
	e := &timerEntry{due: due, seq: s.seq, fn: fn}
	heap.Push(&s.h, e)
	return e
}

func (s *timerSet) remove(e *timerEntry) {
	if e == nil || e.index < 0 || e.index >= len(s.h) || s.h[e.index] != e {
		return
	}
	heap.Remove(&s.h, e.index)
}

// popDue removes and returns every timer due at or before now, earliest first.
func (s *timerSet) popDue(now time.Time) []*timerEntry {
	var out []*timerEntry
	for len(s.h) > 0 && !s.h[0].due.After(now) {
		out = append(out, heap.Pop(&s.h).(*timerEntry))
	}
	return out
}

func (s *timerSet) next() (time.Time, bool) {
	if len(s.h) == 0 {
		return time.Time{}, false
	}
	return s.h[0].due, true
}

func (s *timerSet) len() int { return len(s.h) }
