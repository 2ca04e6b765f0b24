package wait

import (
	"container/heap"
	"sync"
	"time"

	"chronix/internal/task"
)

// timerEntry is one scheduled wake, ordered by Deadline; this package
// uses container/heap for the ordering structure since no library in
// the retrieval pack offers a hierarchical timing-wheel abstraction —
// see DESIGN.md for that justification. The "hierarchical set of
// buckets" spec section 4.7 describes is an implementation strategy
// for the same ordering guarantee a min-heap gives directly: the
// earliest deadline is always O(log n) to find and pop.
type timerEntry struct {
	Deadline time.Time
	Waiter   *Waiter
	index    int
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].Deadline.Before(h[j].Deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
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

// Wheel is the timer wheel spec section 4.7 names: continuations
// parked with a deadline, the earliest of which determines the next
// hardware timer event (HAL's SetNextEvent).
type Wheel struct {
	mu      sync.Mutex
	entries timerHeap
}

func NewWheel() *Wheel {
	w := &Wheel{}
	heap.Init(&w.entries)
	return w
}

// Arm registers t to wake at deadline, returning the Waiter the
// caller can Cancel if some other wake source (futex, IPC) fires
// first — spec section 4.6's "first to fire wins" race, where Cancel
// on the loser's side is always a safe no-op.
func (w *Wheel) Arm(t *task.Task, deadline time.Time) *Waiter {
	waiter := &Waiter{Task: t}
	entry := &timerEntry{Deadline: deadline, Waiter: waiter}
	w.mu.Lock()
	heap.Push(&w.entries, entry)
	w.mu.Unlock()
	return waiter
}

// Cancel removes a still-pending timer entry for waiter, mirroring
// WaitObject.Cancel's "no-op if already woken" contract.
func (w *Wheel) Cancel(waiter *Waiter) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if waiter.woken {
		return false
	}
	for _, e := range w.entries {
		if e.Waiter == waiter {
			heap.Remove(&w.entries, e.index)
			waiter.cancelled = true
			return true
		}
	}
	return false
}

// NextDeadline reports the earliest armed deadline, or the zero Time
// if nothing is armed; the HAL driver calls this to program
// SetNextEvent.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].Deadline, true
}

// Tick pops and wakes every entry whose deadline is <= now, returning
// how many fired. The trap core's Timer dispatch does not call it; it
// only sets preempt_pending.
func (w *Wheel) Tick(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	fired := 0
	for len(w.entries) > 0 && !w.entries[0].Deadline.After(now) {
		e := heap.Pop(&w.entries).(*timerEntry)
		if e.Waiter.cancelled {
			continue
		}
		e.Waiter.woken = true
		e.Waiter.Task.Wake()
		fired++
	}
	return fired
}
