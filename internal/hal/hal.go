// Package hal defines the architecture-neutral Hardware Abstraction Layer
// of spec section 4.1: trap entry/exit, page-table operations, the user
// pointer probe, inter-processor interrupts, the timer, and hart
// enumeration. Concrete implementations live in the riscvsbi (S-mode/SBI)
// and riscvm (M-mode/PCI) subpackages; everything above this package
// (trapcore, vm, sched) only ever talks to the Arch interface.
package hal

import (
	"time"

	"chronix/internal/defs"
	"chronix/internal/mem"
)

// Perm is the arch-neutral page permission/flag bitmask spec section 3
// attaches to every VMA and PTE: R, W, X, U, plus the software-defined COW
// and dirty/accessed bookkeeping bits the fault handler manipulates.
type Perm uint32

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
	PermCOW     // page is copy-on-write shared
	PermWasCOW  // page was upgraded in place from a CoW mapping (for Dirty bit purposes)
	PermDirty
	PermAccessed
	PermGlobal
)

// VPN and PPN are virtual/physical page numbers (page-shifted addresses).
type VPN uint64
type PPN = mem.PFN

// TrapContext is the architecture's trap-context layout from spec section
// 4.1: general-purpose registers, program counter, status, stack
// pointers, and the callee-saved registers a coroutine resumption needs.
// The array lengths below (32 GPRs, 14 callee-saved slots: s0-s11 plus
// tp and fp) match the "32 general-purpose register slots... 12+
// callee-saved registers" the spec names; RISC-V's actual register count (31 integer registers plus
// x0) fits within the 32-slot budget with x0 occupying a fixed zero slot.
type TrapContext struct {
	GPR    [32]uint64
	PC     uint64
	Status uint64 // sstatus/mstatus snapshot
	UserSP uint64
	KernSP uint64
	// Callee-saved registers parked here at suspension time so the
	// executor can later resume this continuation (spec section 4.1).
	Callee [14]uint64 // s0-s11 + tp + fp
}

// PageFaultInfo is the (faulting address, access kind, from_user) triple
// spec section 4.3 names for the demand-paging handler's input.
type PageFaultInfo struct {
	Addr     uint64
	Access   defs.AccessKind
	FromUser bool
}

// PageTable is the per-address-space page table operations of spec
// section 4.1.
type PageTable interface {
	Map(vpn VPN, ppn PPN, perm Perm) error
	Unmap(vpn VPN) error
	Protect(vpn VPN, perm Perm) error
	Translate(vpn VPN) (ppn PPN, perm Perm, present bool)
	Activate()
	Flush(start VPN, count int) // count==0 means flush all
	Root() PPN
}

// Arch is the full per-architecture HAL surface. riscvsbi and riscvm both
// implement it; trapcore, vm and sched depend only on this interface.
type Arch interface {
	// NewPageTable constructs an empty page table rooted in a fresh frame.
	NewPageTable() (PageTable, error)

	// Restore returns to user mode with the given context active on the
	// given page table, per spec section 4.1's restore(TrapContext,
	// AddressSpaceToken).
	Restore(ctx *TrapContext, pt PageTable)

	// ProbeUserByte performs a single-byte read or write to a user
	// virtual address in pt under a scoped trap redirection, turning a
	// page fault into a returned error instead of an unwind (spec
	// section 4.3's second user-pointer-validation strategy). pt is the
	// address space the probe runs against; on real hardware this would
	// be whatever satp currently holds, but since this substrate models
	// the HAL as a pure-software layer rather than bare silicon, the
	// caller names it explicitly.
	ProbeUserByte(pt PageTable, addr uint64, write bool) error

	// SendIPI delivers an inter-processor interrupt to every hart set in
	// mask (spec section 4.1's InterProcessorInterrupt.send).
	SendIPI(mask HartMask)

	Now() time.Time
	SetNextEvent(deadline time.Time)

	HartID() defs.Hart
	HartCount() int
}

// HartMask is a bitmask of hart IDs, used for TLB shootdown and IPI
// delivery (spec section 4.3's "issue a shootdown IPI to other harts").
type HartMask uint64

func MaskOf(harts ...defs.Hart) HartMask {
	var m HartMask
	for _, h := range harts {
		m |= 1 << uint(h)
	}
	return m
}

func (m HartMask) Has(h defs.Hart) bool { return m&(1<<uint(h)) != 0 }

// BlockDevice is the external boundary named in spec section 6: the core
// only consumes this interface, never implements a concrete driver.
type BlockDevice interface {
	ReadBlock(index uint64, buf []byte) error
	WriteBlock(index uint64, buf []byte) error
	BlockSize() int
}
