package broker

import (
	"container/heap"
	"time"
)

// timeoutKey orders pending deadlines by (deadline, clientID), matching the
// tie-break rule a BTreeSet keyed the same way would apply.
type timeoutKey struct {
	clientID string
	deadline time.Time
}

func (k timeoutKey) less(o timeoutKey) bool {
	if k.deadline.Equal(o.deadline) {
		return k.clientID < o.clientID
	}
	return k.deadline.Before(o.deadline)
}

type timeoutHeap []timeoutKey

func (h timeoutHeap) Len() int            { return len(h) }
func (h timeoutHeap) Less(i, j int) bool  { return h[i].less(h[j]) }
func (h timeoutHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeoutHeap) Push(x interface{}) { *h = append(*h, x.(timeoutKey)) }
func (h *timeoutHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timeoutSet is an ordered set of deadlines with constant-time removal by
// tombstone, the closest stdlib-backed equivalent to a BTreeSet<TimeoutKey>
// for the drain-from-the-front access pattern the will-delay and
// session-expiry timers need: push, peek-earliest, pop-earliest, and cancel
// an arbitrary entry before it fires.
type timeoutSet struct {
	h       timeoutHeap
	removed map[timeoutKey]bool
}

func newTimeoutSet() *timeoutSet {
	return &timeoutSet{removed: make(map[timeoutKey]bool)}
}

func (s *timeoutSet) insert(key timeoutKey) {
	delete(s.removed, key)
	heap.Push(&s.h, key)
}

// remove cancels key if present. It is a no-op if key already fired or was
// never inserted.
func (s *timeoutSet) remove(key timeoutKey) {
	s.removed[key] = true
}

func (s *timeoutSet) dropTombstoned() {
	for len(s.h) > 0 && s.removed[s.h[0]] {
		top := heap.Pop(&s.h).(timeoutKey)
		delete(s.removed, top)
	}
}

// popExpired removes and returns every key whose deadline is before now, in
// deadline order.
func (s *timeoutSet) popExpired(now time.Time) []timeoutKey {
	var expired []timeoutKey
	s.dropTombstoned()
	for len(s.h) > 0 && s.h[0].deadline.Before(now) {
		expired = append(expired, heap.Pop(&s.h).(timeoutKey))
		s.dropTombstoned()
	}
	return expired
}
