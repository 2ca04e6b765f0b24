// Package riscvsbi implements the HAL for the supervisor-mode RISC-V
// target: firmware is SBI (Supervisor Binary Interface), entered with a
// device-tree pointer in a1 and hart id in a0 (the convention
// tinyrange-cc/internal/linux/boot/riscv64.BootPlan.ConfigureVCPU also
// uses to hand control to a RISC-V Linux kernel). InterProcessorInterrupt
// and Timer are both implemented in terms of SBI ecalls rather than
// touching CLINT registers directly.
package riscvsbi

import (
	"sync"
	"time"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/hal/ptwalk"
	"chronix/internal/mem"
)

// sbiCall models the handful of SBI extensions this HAL depends on: the
// timer extension (set_timer) and the IPI extension (send_ipi). A real
// boot replaces this with actual ecall trampolines; tests substitute a
// fake that records calls.
type sbiCall interface {
	SetTimer(deadline uint64)
	SendIPI(hartMask uint64)
}

// Arch implements hal.Arch for the SBI-firmware target.
type Arch struct {
	alloc   *mem.Allocator
	backing *ptwalk.Backing
	sbi     sbiCall
	hartID  defs.Hart
	harts   int

	mu  sync.Mutex
	now time.Time // simulated clock, advanced by tests/boot harness
}

// New builds the SBI-target HAL over alloc, simulating hartID of harts
// total harts, using sbi for the firmware calls this target needs.
func New(alloc *mem.Allocator, sbi sbiCall, hartID defs.Hart, harts int) *Arch {
	return &Arch{
		alloc:   alloc,
		backing: ptwalk.NewBacking(alloc),
		sbi:     sbi,
		hartID:  hartID,
		harts:   harts,
	}
}

func (a *Arch) NewPageTable() (hal.PageTable, error) {
	return ptwalk.New(a.backing)
}

func (a *Arch) Restore(ctx *hal.TrapContext, pt hal.PageTable) {
	pt.Activate()
}

func (a *Arch) ProbeUserByte(pt hal.PageTable, addr uint64, write bool) error {
	return probeUserByte(pt, addr, write)
}

func (a *Arch) SendIPI(mask hal.HartMask) {
	var raw uint64
	for h := defs.Hart(0); int(h) < a.harts; h++ {
		if mask.Has(h) {
			raw |= 1 << uint(h)
		}
	}
	a.sbi.SendIPI(raw)
}

func (a *Arch) Now() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.now.IsZero() {
		return time.Unix(0, 0)
	}
	return a.now
}

func (a *Arch) SetNextEvent(deadline time.Time) {
	a.sbi.SetTimer(uint64(deadline.UnixNano()))
}

func (a *Arch) HartID() defs.Hart { return a.hartID }
func (a *Arch) HartCount() int    { return a.harts }

// Advance moves the simulated clock forward, used by tests and the boot
// harness standing in for the SBI timer's hardware tick.
func (a *Arch) Advance(d time.Duration) {
	a.mu.Lock()
	if a.now.IsZero() {
		a.now = time.Unix(0, 0)
	}
	a.now = a.now.Add(d)
	a.mu.Unlock()
}

// probeUserByte has an identical copy in riscvm's ProbeUserByte: the
// probe-window semantics are the same on both targets since they share
// the Sv39 walker; only
// the trap-redirection mechanism that would surface a real fault differs
// on real hardware, and this simulated substrate expresses both the same
// way (a Translate lookup instead of an actual trapped access).
func probeUserByte(pt hal.PageTable, addr uint64, write bool) error {
	vpn := hal.VPN(addr >> 12)
	_, perm, present := pt.Translate(vpn)
	if !present {
		return defs.EFAULT
	}
	if write && perm&hal.PermWrite == 0 {
		return defs.EFAULT
	}
	if !write && perm&hal.PermRead == 0 {
		return defs.EFAULT
	}
	return nil
}
