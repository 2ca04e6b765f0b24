package sched

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chronix/internal/caller"
	"chronix/internal/defs"
)

// backoffMax is the cap spec section 4.6 names: "steals retry with
// exponential backoff capped at a millisecond before the hart enters a
// wait-for-interrupt low-power state."
const backoffMax = time.Millisecond

// Executor is one hart's cooperative loop: pop from its own RunQueue,
// run to the next suspension point, and when empty, steal from the
// least recently active hart before idling.
type Executor struct {
	hart  defs.Hart
	queue *RunQueue
	pool  *Pool
	tick  int64

	// limiter paces steal retries: one token refills per backoffMax
	// with a burst of 1, so after a failed steal the hart waits at most
	// backoffMax before retrying. The interval is fixed; it does not
	// grow between consecutive failed steals.
	limiter *rate.Limiter

	log *slog.Logger

	// crashDedup suppresses repeat log lines for a panic recurring at the
	// same call site, so a continuation that keeps crashing doesn't flood
	// the log with identical dumps.
	crashDedup *caller.DistinctCaller

	// DebugPanicDump turns on a caller-stack dump (internal/caller) when
	// a continuation's Run panics, instead of letting the panic unwind
	// and take the whole hart loop down. Off by default: a production
	// build wants the panic to surface, a debug session wants the dump.
	DebugPanicDump bool
}

func newExecutor(hart defs.Hart, pool *Pool) *Executor {
	dc := caller.NewDistinctCaller()
	dc.Enabled = true
	return &Executor{
		hart:       hart,
		queue:      &RunQueue{},
		pool:       pool,
		limiter:    rate.NewLimiter(rate.Every(backoffMax), 1),
		log:        slog.With("subsystem", "sched", "hart", hart),
		crashDedup: dc,
	}
}

func (e *Executor) Queue() *RunQueue { return e.queue }

// run is the per-hart cooperative loop: it exits when ctx is
// cancelled, modeling the "hart enters a wait-for-interrupt low-power
// state" case as returning nil so the errgroup driving all harts can
// be torn down cleanly in tests, since there's no real WFI to block on
// here.
func (e *Executor) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		e.tick++
		if c, ok := e.queue.PopFront(e.tick); ok {
			e.runOne(c)
			continue
		}

		if c := e.steal(); c != nil {
			e.runOne(c)
			continue
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return nil
		}
	}
}

func (e *Executor) runOne(c *Continuation) {
	c.Task.ScheduleIn(e.hart)
	suspended, ok := e.runGuarded(c)
	if !ok {
		// Panic recovered and dumped; the task is gone, nothing to
		// re-enqueue, and the continuation itself is abandoned.
		release(c)
		return
	}
	if !suspended {
		// Continuation ran to completion; nothing to re-enqueue, and its
		// Continuation struct can be recycled.
		release(c)
		return
	}
	// Suspended continuations are re-queued by whatever WaitObject or
	// timer eventually wakes them (spec section 4.6: "on wake the
	// continuation is re-queued"), not by the executor itself; record
	// it so Pool.Wake can find it once that happens.
	e.pool.Suspend(c)
}

// runGuarded runs c, optionally recovering a panic into a logged
// caller-stack dump when DebugPanicDump is set. ok is false only when a
// panic was recovered.
func (e *Executor) runGuarded(c *Continuation) (suspended, ok bool) {
	if !e.DebugPanicDump {
		return c.Run(), true
	}
	defer func() {
		if r := recover(); r != nil {
			pcs := make([]uintptr, 32)
			n := runtime.Callers(3, pcs)
			if e.crashDedup.First(pcs[:n]) {
				e.log.Error("continuation panicked", "tid", c.Task.Tid, "panic", r, "stack", caller.Dump(2))
			}
			suspended, ok = false, false
		}
	}()
	return c.Run(), true
}

// steal picks the least recently active other hart and takes up to
// half its queue, per spec section 4.6's load-balancing rule.
func (e *Executor) steal() *Continuation {
	victim := e.pool.leastRecentlyActive(e.hart)
	if victim == nil {
		return nil
	}
	batch := victim.queue.StealBatch()
	if len(batch) == 0 {
		return nil
	}
	for _, c := range batch[1:] {
		e.queue.Push(c)
	}
	return batch[0]
}

// Pool is the set of per-hart Executors, their goroutine lifecycles
// managed by an errgroup so a fatal error on one hart's loop can
// cancel the rest — the same lifecycle-fan-out shape
// golang.org/x/sync/errgroup is built for, wired here in place of a
// hand-rolled sync.WaitGroup.
type Pool struct {
	mu        sync.Mutex
	executors []*Executor
	suspended map[defs.Tid]*Continuation
}

// NewPool builds a Pool of n per-hart executors.
func NewPool(n int) *Pool {
	p := &Pool{suspended: make(map[defs.Tid]*Continuation)}
	p.executors = make([]*Executor, n)
	for i := range p.executors {
		p.executors[i] = newExecutor(defs.Hart(i), p)
	}
	return p
}

// Suspend records c as parked, to be re-enqueued by Wake once its
// Task transitions back to Runnable. Callers suspend a continuation
// immediately after Continuation.Run reports suspended == true.
func (p *Pool) Suspend(c *Continuation) {
	p.mu.Lock()
	p.suspended[c.Task.Tid] = c
	p.mu.Unlock()
}

// Wake re-enqueues tid's suspended continuation onto a hart chosen by
// spec section 4.5's locality heuristic: the last hart it ran on if
// that hart's queue is no longer than any other's, else the
// least-loaded hart.
// Wake strictly happens-before the continuation's next resumption
// (spec section 4.6) because the Push below only runs after the
// continuation is removed from p.suspended, so no other Wake can
// double-enqueue it.
func (p *Pool) Wake(tid defs.Tid) bool {
	p.mu.Lock()
	c, ok := p.suspended[tid]
	if ok {
		delete(p.suspended, tid)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.Enqueue(c)
	return true
}

// Enqueue places c on its Task's preferred hart's queue when that
// queue is tied for shortest, else on the least-loaded hart.
func (p *Pool) Enqueue(c *Continuation) {
	preferred := c.Task.PreferredHart()
	if int(preferred) < len(p.executors) {
		if e := p.executors[preferred]; e.queue.Len() <= p.minQueueLen() {
			e.queue.Push(c)
			return
		}
	}
	p.leastLoaded().queue.Push(c)
}

func (p *Pool) minQueueLen() int {
	min := -1
	for _, e := range p.executors {
		l := e.queue.Len()
		if min == -1 || l < min {
			min = l
		}
	}
	return min
}

func (p *Pool) leastLoaded() *Executor {
	best := p.executors[0]
	for _, e := range p.executors[1:] {
		if e.queue.Len() < best.queue.Len() {
			best = e
		}
	}
	return best
}

// Executor returns the Nth hart's executor, for enqueueing continuations.
func (p *Pool) Executor(hart defs.Hart) *Executor { return p.executors[hart] }

func (p *Pool) leastRecentlyActive(self defs.Hart) *Executor {
	var victim *Executor
	var oldest int64
	for _, e := range p.executors {
		if e.hart == self || e.queue.Len() == 0 {
			continue
		}
		last := e.queue.LastActive()
		if victim == nil || last < oldest {
			victim, oldest = e, last
		}
	}
	return victim
}

// Run starts every executor's loop and blocks until ctx is cancelled
// or one loop returns an error.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range p.executors {
		e := e
		g.Go(func() error { return e.run(gctx) })
	}
	return g.Wait()
}
