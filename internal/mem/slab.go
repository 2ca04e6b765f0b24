package mem

import "sync"

// SlabCache is a free-list cache of fixed-size objects produced by a
// constructor function (Go heap memory, not frames from the Allocator),
// for the kernel object list spec section 4.2 names: Task, VMA,
// Continuation, TrapContext, small metadata. Each cache carries its own
// free list of reclaimed objects so that steady-state allocation does not
// call the constructor for every request, the same "don't go back
// to the page allocator when a freed object is available" shape as the
// teacher's per-CPU free lists in biscuit/src/mem/mem.go, simplified here
// to a single shared list since per-hart caching is a NUMA-locality
// optimization out of this spec's scope.
type SlabCache[T any] struct {
	mu   sync.Mutex
	free []*T
	new  func() *T
}

// NewSlabCache builds a cache whose backing objects are produced by alloc
// when the free list is empty.
func NewSlabCache[T any](alloc func() *T) *SlabCache[T] {
	return &SlabCache[T]{new: alloc}
}

// Get returns a zero-value-initialized object from the free list, or a
// freshly allocated one.
func (c *SlabCache[T]) Get() *T {
	c.mu.Lock()
	n := len(c.free)
	if n > 0 {
		obj := c.free[n-1]
		c.free = c.free[:n-1]
		c.mu.Unlock()
		var zero T
		*obj = zero
		return obj
	}
	c.mu.Unlock()
	return c.new()
}

// Put returns obj to the free list for reuse.
func (c *SlabCache[T]) Put(obj *T) {
	c.mu.Lock()
	c.free = append(c.free, obj)
	c.mu.Unlock()
}

// Len reports the number of objects currently idle in the cache, for
// diagnostics.
func (c *SlabCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.free)
}
