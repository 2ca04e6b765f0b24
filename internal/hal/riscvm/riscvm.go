// Package riscvm implements the HAL for the machine-mode RISC-V target:
// direct ELF entry with no firmware underneath, a CLINT-style
// memory-mapped timer/IPI region read and written directly instead of
// through SBI ecalls, and a PCI-enumerated block device in place of
// whatever firmware-provided disk the SBI target would use.
package riscvm

import (
	"sync"
	"time"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/hal/ptwalk"
	"chronix/internal/mem"
)

// Clint is the CLINT (core-local interruptor) MMIO register file this
// target programs directly: per-hart msip registers for IPI and
// per-hart mtimecmp registers for the timer, plus the free-running
// mtime counter, mirroring the layout tinyrange-cc's riscv64 boot plan
// documents for CLINT-equipped machine-mode targets.
type Clint interface {
	SetMSIP(hart defs.Hart, pending bool)
	SetMTimeCmp(hart defs.Hart, value uint64)
	MTime() uint64
}

// PCIBus discovers the block device this target boots from; spec
// section 6 names the block device as an external collaborator the
// core never implements, and on the M-mode/PCI target that device is
// reached by walking the PCI config space rather than a firmware
// handle.
type PCIBus interface {
	FindBlockDevice() (hal.BlockDevice, error)
}

// Arch implements hal.Arch for the PCI/direct-ELF target.
type Arch struct {
	alloc   *mem.Allocator
	backing *ptwalk.Backing
	clint   Clint
	hartID  defs.Hart
	harts   int

	mu          sync.Mutex
	blockDevice hal.BlockDevice
}

// New builds the PCI-target HAL over alloc, simulating hartID of harts
// total harts, backed by clint for timer/IPI MMIO.
func New(alloc *mem.Allocator, clint Clint, hartID defs.Hart, harts int) *Arch {
	return &Arch{
		alloc:   alloc,
		backing: ptwalk.NewBacking(alloc),
		clint:   clint,
		hartID:  hartID,
		harts:   harts,
	}
}

// Discover walks bus for this target's boot block device, caching the
// result for BlockDevice.
func (a *Arch) Discover(bus PCIBus) error {
	dev, err := bus.FindBlockDevice()
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.blockDevice = dev
	a.mu.Unlock()
	return nil
}

func (a *Arch) BlockDevice() hal.BlockDevice {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blockDevice
}

func (a *Arch) NewPageTable() (hal.PageTable, error) {
	return ptwalk.New(a.backing)
}

func (a *Arch) Restore(ctx *hal.TrapContext, pt hal.PageTable) {
	pt.Activate()
}

func (a *Arch) ProbeUserByte(pt hal.PageTable, addr uint64, write bool) error {
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

func (a *Arch) SendIPI(mask hal.HartMask) {
	for h := defs.Hart(0); int(h) < a.harts; h++ {
		if mask.Has(h) {
			a.clint.SetMSIP(h, true)
		}
	}
}

func (a *Arch) Now() time.Time {
	return time.Unix(0, int64(a.clint.MTime()))
}

func (a *Arch) SetNextEvent(deadline time.Time) {
	a.clint.SetMTimeCmp(a.hartID, uint64(deadline.UnixNano()))
}

func (a *Arch) HartID() defs.Hart { return a.hartID }
func (a *Arch) HartCount() int    { return a.harts }
