package reactor

import "container/heap"

// timer is a single scheduled callback, ordered by deadline then sequence
// number so ties break in registration order. fn receives ok=true when the
// deadline genuinely elapsed and ok=false when the timer is being resolved
// early because its TimeQueue was disposed.
type timer struct {
	deadline float64
	seq      uint64
	index    int
	period   float64 // > 0 for a repeating timer, re-armed after firing
	fn       func(ok bool)
	canceled bool
}

type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline != h[j].deadline {
		return h[i].deadline < h[j].deadline
	}
	return h[i].seq < h[j].seq
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// TimeQueue is a min-heap of pending timers, keyed by a monotonic deadline in
// seconds. It is not itself goroutine-safe; the Reactor only ever touches it
// from its own loop goroutine.
type TimeQueue struct {
	heap timerHeap
	seq  uint64
}

// NewTimeQueue builds an empty TimeQueue.
func NewTimeQueue() *TimeQueue {
	q := &TimeQueue{}
	heap.Init(&q.heap)
	return q
}

// Add schedules fn to run once deadline (in the reactor's monotonic clock,
// seconds) has passed, and returns a handle usable with Cancel. fn is called
// with ok=false instead, without waiting for the deadline, if the TimeQueue
// is disposed first.
func (q *TimeQueue) Add(deadline float64, fn func(ok bool)) *timer {
	q.seq++
	t := &timer{deadline: deadline, seq: q.seq, fn: fn}
	heap.Push(&q.heap, t)
	return t
}

// AddPeriodic schedules fn to run every period seconds starting at deadline,
// re-arming itself each time it fires until canceled.
func (q *TimeQueue) AddPeriodic(deadline, period float64, fn func(ok bool)) *timer {
	q.seq++
	t := &timer{deadline: deadline, seq: q.seq, period: period, fn: fn}
	heap.Push(&q.heap, t)
	return t
}

// Cancel removes t from the queue if it has not yet fired.
func (q *TimeQueue) Cancel(t *timer) {
	t.canceled = true
	if t.index >= 0 && t.index < len(q.heap) && q.heap[t.index] == t {
		heap.Remove(&q.heap, t.index)
	}
}

// NextDeadline returns the earliest pending deadline and true, or (0, false)
// if the queue is empty.
func (q *TimeQueue) NextDeadline() (float64, bool) {
	if len(q.heap) == 0 {
		return 0, false
	}
	return q.heap[0].deadline, true
}

// Dispatch runs every timer whose deadline is <= now, re-arming periodic
// timers for their next occurrence. The due timers are popped into a local
// slice before any callback runs, so a callback that adds a new timer with
// a deadline <= now is picked up on the next Dispatch call rather than
// firing within this one - matching SchedQueue.Dispatch's own
// snapshot-then-run discipline.
func (q *TimeQueue) Dispatch(now float64) {
	var due []*timer
	for len(q.heap) > 0 && q.heap[0].deadline <= now {
		due = append(due, heap.Pop(&q.heap).(*timer))
	}
	for _, t := range due {
		if t.canceled {
			continue
		}
		if t.period > 0 {
			q.seq++
			next := &timer{deadline: now + t.period, seq: q.seq, period: t.period, fn: t.fn}
			heap.Push(&q.heap, next)
		}
		t.fn(true)
	}
}

// Dispose resolves every still-pending timer with ok=false instead of
// leaving it to wait for a deadline that will never be dispatched again.
// Snapshots q.heap before clearing it, the same snapshot-then-run pattern
// SchedQueue.Dispose and ProcQueue.Dispose use - iterating the field
// directly after clearing it would silently drop the pending timers.
func (q *TimeQueue) Dispose() {
	pending := q.heap
	q.heap = nil
	for _, t := range pending {
		if t.canceled {
			continue
		}
		t.fn(false)
	}
}

// Len reports the number of pending timers.
func (q *TimeQueue) Len() int { return len(q.heap) }
