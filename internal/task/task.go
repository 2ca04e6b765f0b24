// Package task implements the Task Model of spec section 4.5: the
// unified process/thread object carrying identity, credentials, an
// AddressSpace handle, an FD-table handle, signal state, and a
// run-state machine, plus the kernel continuation state enumeration a
// suspended Task resumes from. Grounded on the teacher's tinfo.go
// (Tnote_t/Threadinfo_t per-thread bookkeeping) and fd.go (Fd_t,
// Cwt_t), generalized since this substrate targets stock Go rather
// than the teacher's forked runtime and so cannot keep current-task
// identity in a runtime-private g field (Tnote_t.Doomed() et al. rely
// on runtime.Gptr/Setgptr, which only exist in biscuit's fork).
package task

import (
	"sync"
	"sync/atomic"

	"chronix/internal/accnt"
	"chronix/internal/defs"
	"chronix/internal/fdtable"
	"chronix/internal/mem"
	"chronix/internal/rlimits"
	"chronix/internal/vm"
)

// State is the run-state machine of spec section 4.5.
type State int32

const (
	Runnable State = iota
	Running
	Blocked
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// ContKind enumerates where a Task's kernel continuation is suspended,
// spec section 4.5's "kernel continuation state".
type ContKind int32

const (
	AtSyscallEntry ContKind = iota
	InPageCacheRead
	OnFutex
	OnTimer
	OnSignalWait
	AtUserReturn
)

// ContState is the continuation-state value a Task carries while
// suspended: the enumerated kind plus whatever local state that kind
// needs to resume (spec section 4.5: "restores any local variables
// recorded in it").
type ContState struct {
	Kind     ContKind
	FutexKey FutexKey  // valid when Kind == OnFutex
	Deadline int64     // unix nanos, valid when Kind == OnTimer
	IOOffset int64     // valid when Kind == InPageCacheRead
}

// FutexKey identifies a futex slot: the (AddressSpace-or-shared-inode,
// offset) pair spec section 4.7 names.
type FutexKey struct {
	Space interface{} // *vm.AddressSpace pointer identity, or an inode handle
	Off   int64
}

// Credentials mirrors the POSIX identity fields a Task carries; kept
// minimal since credential *policy* (setuid, capability checks) is
// owned by the out-of-scope syscall layer.
type Credentials struct {
	UID, GID   uint32
	EUID, EGID uint32
}

// SignalState is the standard (1-63) + real-time (64-95) pending/mask
// bitset pair SPEC_FULL section 4.5 attaches to every Task; delivery
// policy lives in the syscall layer, this just stores the bits.
type SignalState struct {
	mu      sync.Mutex
	mask    uint64 // signals 1-63, bit (n-1)
	pending uint64
	rtMask    uint32 // signals 64-95 (SIGRTMIN..SIGRTMAX), bit (n-64)
	rtPending uint32
}

func bitFor(sig defs.Signal) (rt bool, bit uint64) {
	if sig.IsRealtime() {
		return true, 1 << uint(sig-defs.SIGRTMIN)
	}
	return false, 1 << uint(sig-1)
}

func (s *SignalState) Post(sig defs.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, bit := bitFor(sig)
	if rt {
		s.rtPending |= uint32(bit)
	} else {
		s.pending |= bit
	}
}

func (s *SignalState) SetMask(mask, rtMask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mask = mask
	s.rtMask = uint32(rtMask)
}

// PendingUnmasked reports whether any unmasked signal is pending, the
// check spec section 3/4.4 requires at every kernel-to-user
// transition.
func (s *SignalState) PendingUnmasked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending&^s.mask != 0 || uint32(s.rtPending)&^s.rtMask != 0
}

// Take clears and returns one pending-and-unmasked signal, preferring
// real-time signals (lower-numbered real-time signals first) over
// standard ones, matching POSIX's real-time-signal ordering guarantee.
func (s *SignalState) Take() (defs.Signal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt := s.rtPending &^ s.rtMask; rt != 0 {
		for i := 0; i < 32; i++ {
			if rt&(1<<uint(i)) != 0 {
				s.rtPending &^= 1 << uint(i)
				return defs.SIGRTMIN + defs.Signal(i), true
			}
		}
	}
	if std := s.pending &^ s.mask; std != 0 {
		for i := 0; i < 64; i++ {
			if std&(1<<uint(i)) != 0 {
				s.pending &^= 1 << uint(i)
				return defs.Signal(i + 1), true
			}
		}
	}
	return 0, false
}

// Task is the unified process/thread object of spec section 3.
type Task struct {
	Tid  defs.Tid
	Tgid defs.Tgid

	mu     sync.Mutex
	parent *Task
	creds  Credentials

	Space *vm.AddressSpace
	FDs   *fdtable.Table
	Rlim  *rlimits.Set
	Accnt *accnt.Accnt

	Signals SignalState

	state       atomic.Int32 // State
	cont        ContState
	preempt     atomic.Bool // preempt_pending
	exitCode    int32
	waitObj     interface{} // the WaitObject this Task is parked on, if Blocked

	hart defs.Hart // last hart this Task ran on, for wake-locality
}

// taskSlab is the fixed-size object cache spec section 4.2 names Task
// among, so steady-state fork/exit/reap cycling doesn't hit the Go heap
// allocator for every Task.
var taskSlab = mem.NewSlabCache(func() *Task { return &Task{} })

// New creates a Runnable Task (spec section 4.5's Creation transition)
// with the given address space and FD table, inheriting rlimits and a
// fresh accounting block. It reserves one unit of RLIMIT_NPROC against
// rlim before creating the Task, returning EAGAIN if that would exceed
// the ceiling, and (when space is non-nil) wires rlim's RLIMIT_AS
// counter into space so VmaddAnon/VmaddFile reserve against it too.
func New(tid defs.Tid, tgid defs.Tgid, parent *Task, space *vm.AddressSpace, fds *fdtable.Table, rlim *rlimits.Set) (*Task, error) {
	if rlim != nil && !rlim.Limit(rlimits.NPROC).Take(1) {
		return nil, defs.EAGAIN
	}
	t := taskSlab.Get()
	*t = Task{
		Tid: tid, Tgid: tgid, parent: parent,
		Space: space, FDs: fds, Rlim: rlim,
		Accnt: accnt.New(),
	}
	t.state.Store(int32(Runnable))
	t.cont = ContState{Kind: AtSyscallEntry}
	if space != nil && rlim != nil {
		space.SetRlimit(rlim.Limit(rlimits.AS))
	}
	return t, nil
}

func (t *Task) State() State { return State(t.state.Load()) }

// ScheduleIn transitions Runnable -> Running on hart.
func (t *Task) ScheduleIn(hart defs.Hart) {
	t.state.Store(int32(Running))
	t.mu.Lock()
	t.hart = hart
	t.mu.Unlock()
}

// Park transitions Running -> Blocked(w), recording the continuation's
// resumption state.
func (t *Task) Park(w interface{}, cont ContState) {
	t.mu.Lock()
	t.waitObj = w
	t.cont = cont
	t.mu.Unlock()
	t.state.Store(int32(Blocked))
}

// Wake transitions Blocked -> Runnable. The caller (the WaitObject or
// futex hash) is responsible for enqueuing t on a RunQueue chosen by
// the locality heuristic spec section 4.5 names (last hart preferred).
func (t *Task) Wake() {
	t.mu.Lock()
	t.waitObj = nil
	t.mu.Unlock()
	t.state.Store(int32(Runnable))
}

// PreferredHart implements the "last hart preferred" half of the wake
// locality heuristic.
func (t *Task) PreferredHart() defs.Hart {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hart
}

// Exit transitions Running -> Zombie, recording the exit code and
// posting SIGCHLD to the parent (spec section 4.5's Exit transition);
// the resources released are the caller's (AddressSpace/FD table
// teardown), this only flips the state and notifies the parent.
func (t *Task) Exit(code int32) {
	t.exitCode = code
	t.state.Store(int32(Zombie))
	if t.parent != nil {
		t.parent.Signals.Post(defs.SIGCHLD)
	}
}

// Reap transitions Zombie -> Dead and returns the Task struct to
// taskSlab for reuse by a later New. Callers must not touch
// t again after Reap returns ok == true.
func (t *Task) Reap() (exitCode int32, ok bool) {
	if t.State() != Zombie {
		return 0, false
	}
	t.state.Store(int32(Dead))
	exitCode = t.exitCode
	taskSlab.Put(t)
	return exitCode, true
}

// SetPreemptPending and ClearPreemptPending implement the timer-driven
// preemption flag spec section 4.4/4.6 checks at safe points.
func (t *Task) SetPreemptPending()   { t.preempt.Store(true) }
func (t *Task) ClearPreemptPending() bool {
	return t.preempt.Swap(false)
}
func (t *Task) PreemptPending() bool { return t.preempt.Load() }

// ContState returns the continuation state a suspended Task resumes
// from.
func (t *Task) ContState() ContState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cont
}

func (t *Task) SetContState(c ContState) {
	t.mu.Lock()
	t.cont = c
	t.mu.Unlock()
}

func (t *Task) Parent() *Task { return t.parent }
func (t *Task) Creds() Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}
func (t *Task) SetCreds(c Credentials) {
	t.mu.Lock()
	t.creds = c
	t.mu.Unlock()
}
