package task

import (
	"testing"

	"chronix/internal/defs"
	"chronix/internal/fdtable"
	"chronix/internal/rlimits"
)

func newTestTask(t *testing.T, parent *Task) *Task {
	t.Helper()
	rlim := rlimits.NewSet(0, 0, 0)
	tk, err := New(1, 1, parent, nil, fdtable.New(), rlim)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tk
}

func TestNewTaskIsRunnable(t *testing.T) {
	tk := newTestTask(t, nil)
	if tk.State() != Runnable {
		t.Fatalf("State() = %v, want Runnable", tk.State())
	}
	if tk.ContState().Kind != AtSyscallEntry {
		t.Fatalf("initial ContState = %v, want AtSyscallEntry", tk.ContState().Kind)
	}
}

func TestScheduleInTransitionsToRunning(t *testing.T) {
	tk := newTestTask(t, nil)
	tk.ScheduleIn(3)
	if tk.State() != Running {
		t.Fatalf("State() = %v, want Running", tk.State())
	}
	if tk.PreferredHart() != 3 {
		t.Fatalf("PreferredHart() = %d, want 3", tk.PreferredHart())
	}
}

func TestParkAndWake(t *testing.T) {
	tk := newTestTask(t, nil)
	tk.ScheduleIn(0)
	tk.Park("some-wait-object", ContState{Kind: OnFutex, FutexKey: FutexKey{Off: 42}})
	if tk.State() != Blocked {
		t.Fatalf("State() = %v, want Blocked", tk.State())
	}
	if tk.ContState().Kind != OnFutex || tk.ContState().FutexKey.Off != 42 {
		t.Fatalf("ContState not preserved across Park: %+v", tk.ContState())
	}
	tk.Wake()
	if tk.State() != Runnable {
		t.Fatalf("State() after Wake = %v, want Runnable", tk.State())
	}
}

func TestExitPostsChldToParent(t *testing.T) {
	parent := newTestTask(t, nil)
	child := newTestTask(t, parent)
	child.Exit(7)
	if child.State() != Zombie {
		t.Fatalf("State() = %v, want Zombie", child.State())
	}
	if !parent.Signals.PendingUnmasked() {
		t.Fatal("parent should have SIGCHLD pending after child Exit")
	}
	sig, ok := parent.Signals.Take()
	if !ok || sig != defs.SIGCHLD {
		t.Fatalf("Take() = (%v, %v), want (SIGCHLD, true)", sig, ok)
	}
}

func TestReapRequiresZombie(t *testing.T) {
	tk := newTestTask(t, nil)
	if _, ok := tk.Reap(); ok {
		t.Fatal("Reap should fail on a Runnable task")
	}
	tk.Exit(5)
	code, ok := tk.Reap()
	if !ok || code != 5 {
		t.Fatalf("Reap() = (%d, %v), want (5, true)", code, ok)
	}
	if tk.State() != Dead {
		t.Fatalf("State() after Reap = %v, want Dead", tk.State())
	}
}

func TestPreemptPendingRoundTrip(t *testing.T) {
	tk := newTestTask(t, nil)
	if tk.PreemptPending() {
		t.Fatal("fresh task should not have preempt pending")
	}
	tk.SetPreemptPending()
	if !tk.ClearPreemptPending() {
		t.Fatal("ClearPreemptPending should report it was set")
	}
	if tk.PreemptPending() {
		t.Fatal("PreemptPending should be false after Clear")
	}
}

func TestSignalMaskBlocksDelivery(t *testing.T) {
	tk := newTestTask(t, nil)
	tk.Signals.SetMask(1<<uint(defs.SIGUSR1-1), 0)
	tk.Signals.Post(defs.SIGUSR1)
	if tk.Signals.PendingUnmasked() {
		t.Fatal("masked signal should not count as pending-unmasked")
	}
	tk.Signals.Post(defs.SIGUSR2)
	if !tk.Signals.PendingUnmasked() {
		t.Fatal("unmasked SIGUSR2 should be pending")
	}
}

func TestRealtimeSignalsPreferredOverStandard(t *testing.T) {
	tk := newTestTask(t, nil)
	tk.Signals.Post(defs.SIGUSR1)
	tk.Signals.Post(defs.SIGRTMIN)
	sig, ok := tk.Signals.Take()
	if !ok || sig != defs.SIGRTMIN {
		t.Fatalf("Take() = (%v, %v), want (SIGRTMIN, true)", sig, ok)
	}
}

func TestNewReservesRlimitNproc(t *testing.T) {
	rlim := rlimits.NewSet(0, 1, 0) // RLIMIT_NPROC == 1
	first, err := New(1, 1, nil, nil, fdtable.New(), rlim)
	if err != nil {
		t.Fatalf("New (first task under the ceiling): %v", err)
	}
	if _, err := New(2, 2, nil, nil, fdtable.New(), rlim); err != defs.EAGAIN {
		t.Fatalf("New (second task over the ceiling) = %v, want EAGAIN", err)
	}

	// Reaping the first task's slot must let a new one through.
	first.Exit(0)
	if _, ok := first.Reap(); !ok {
		t.Fatal("Reap should succeed on a Zombie task")
	}
	rlim.Limit(rlimits.NPROC).Give(1)
	if _, err := New(3, 3, nil, nil, fdtable.New(), rlim); err != nil {
		t.Fatalf("New after reaping and releasing the slot: %v", err)
	}
}
