package wait

import (
	"sync"

	"chronix/internal/defs"
	"chronix/internal/task"
)

// FutexKey identifies a futex slot by (AddressSpace-or-shared-inode,
// offset), spec section 4.7. Space is compared by pointer identity
// (an *vm.AddressSpace for a private futex, or a shared-inode handle
// for a process-shared one); this package stays agnostic to which.
type FutexKey struct {
	Space interface{}
	Off   int64
}

// Hash is the futex hash: one WaitObject per distinct key, created on
// first use and kept for the lifetime of the process (matching the
// teacher's system-wide Futexes resource limit, which this tree's
// rlimits does not carry, rather than freed eagerly, since a racing waiter could otherwise be parked
// on an already-collected WaitObject).
type Hash struct {
	mu   sync.Mutex
	objs map[FutexKey]*WaitObject
}

func NewHash() *Hash {
	return &Hash{objs: make(map[FutexKey]*WaitObject)}
}

func (h *Hash) objectFor(key FutexKey) *WaitObject {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.objs[key]
	if !ok {
		w = &WaitObject{}
		h.objs[key] = w
	}
	return w
}

// Wait parks t on key's WaitObject iff load() still returns expect,
// the load and the park happening under the same lock so a wake that
// lands between the check and the park can never be missed (spec
// section 4.7: "eliminating lost-wakeup races"). Returns EAGAIN
// immediately if the value has already changed.
func (h *Hash) Wait(key FutexKey, t *task.Task, expect int32, load func() int32) (*Waiter, error) {
	w := h.objectFor(key)
	w.mu.Lock()
	if load() != expect {
		w.mu.Unlock()
		return nil, defs.EAGAIN
	}
	waiter := &Waiter{Task: t}
	w.waiters = append(w.waiters, waiter)
	w.mu.Unlock()
	return waiter, nil
}

// Wake wakes up to n waiters parked on key (FUTEX_WAKE), returning the
// count actually woken.
func (h *Hash) Wake(key FutexKey, n int) int {
	h.mu.Lock()
	w, ok := h.objs[key]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	return w.Wake(n)
}
