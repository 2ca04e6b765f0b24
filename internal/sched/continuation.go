// Package sched implements the Executor/Scheduler of spec section 4.6:
// per-hart single-threaded cooperative executors, each running a
// taskRunState-shaped continuation machine pulled from its own
// RunQueue, stealing bounded batches from other harts when idle.
// Grounded on gVisor's per-Task goroutine loop
// (other_examples/.../kernel/task_run.go's "t.runState =
// t.runState.execute(t)"), applied one level up: one goroutine per
// hart rather than per task, matching spec section 4.6's "per-hart
// executors" model.
package sched

import (
	"chronix/internal/mem"
	"chronix/internal/task"
)

// RunState is a reified state in a Continuation's state machine,
// directly modeled on gVisor's taskRunState interface. Execute runs
// until the next suspension point and returns the next state to run
// (possibly the same state, for states that loop), or nil if the
// continuation has terminated.
type RunState interface {
	Execute(c *Continuation) (next RunState, suspended bool)
}

// Continuation is the resumable unit of kernel work spec section 3
// names: bound to one Task, holding the state enum describing where
// it is suspended. NonStealable tags a continuation currently holding
// a hart-local resource, which the work-stealing path must skip (spec
// section 4.6: "Stealing MUST NOT move a continuation currently
// holding a hart-local resource").
type Continuation struct {
	Task         *task.Task
	state        RunState
	NonStealable bool

	// lastHart is not set or read anywhere in this package: wake
	// locality uses Task.PreferredHart, and the steal heuristic ranks
	// victims by RunQueue.LastActive.
	lastHart int32
}

// contSlab is the fixed-size object cache spec section 4.2 names
// Continuation among, so the per-run-to-completion churn of a busy
// executor doesn't hit the Go heap allocator for every continuation.
var contSlab = mem.NewSlabCache(func() *Continuation { return &Continuation{} })

// NewContinuation builds a Continuation for t starting in state.
func NewContinuation(t *task.Task, state RunState) *Continuation {
	c := contSlab.Get()
	c.Task = t
	c.state = state
	return c
}

// release returns c to contSlab once its state machine has run to
// completion; the executor is the only caller, since a suspended
// continuation may still be referenced by the WaitObject or timer that
// will eventually re-run it.
func release(c *Continuation) { contSlab.Put(c) }

// Run drives the continuation's state machine until it suspends or
// terminates. It returns true if the continuation suspended (and so
// should not be re-enqueued by the caller; whatever it's waiting on is
// responsible for that) and false if it ran to completion.
func (c *Continuation) Run() (suspended bool) {
	for c.state != nil {
		next, didSuspend := c.state.Execute(c)
		c.state = next
		if didSuspend {
			return true
		}
	}
	return false
}

// Done reports whether the continuation's state machine has
// terminated.
func (c *Continuation) Done() bool { return c.state == nil }
