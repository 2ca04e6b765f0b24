// Package accnt implements per-task CPU accounting, one of SPEC_FULL's
// supplemented features (section 5): user/system nanosecond counters
// read by diag's export. Grounded on the teacher's accnt.go verbatim
// field shape (Userns/Sysns), generalized to stock time.Time instead
// of the teacher's own Now() wrapper around UnixNano.
package accnt

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accnt accumulates per-task accounting information. Userns and Sysns
// are nanosecond counters; the mutex lets Snapshot/Merge take a
// consistent view across both.
type Accnt struct {
	Userns atomic.Int64
	Sysns  atomic.Int64

	mu sync.Mutex
}

func New() *Accnt { return &Accnt{} }

func (a *Accnt) AddUser(d time.Duration)   { a.Userns.Add(int64(d)) }
func (a *Accnt) AddSystem(d time.Duration) { a.Sysns.Add(int64(d)) }

// IOTime removes time spent waiting for I/O from the system-time
// counter, so blocked-on-disk time isn't billed as CPU time.
func (a *Accnt) IOTime(since time.Time) {
	a.Sysns.Add(-int64(time.Since(since)))
}

// Merge folds n's counters into a, used when a Zombie Task's
// accounting is merged into its parent at reap time.
func (a *Accnt) Merge(n *Accnt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Userns.Add(n.Userns.Load())
	a.Sysns.Add(n.Sysns.Load())
}

// Snapshot is a consistent (user, system) duration pair, the
// accounting shape diag exports.
type Snapshot struct {
	User, System time.Duration
}

func (a *Accnt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		User:   time.Duration(a.Userns.Load()),
		System: time.Duration(a.Sysns.Load()),
	}
}
