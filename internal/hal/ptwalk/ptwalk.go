// Package ptwalk implements the three-level Sv39 page-table walker shared
// by both HAL architectures (riscvsbi, riscvm): map/unmap/protect/
// translate over a tree of 512-entry tables, one table per physical
// frame. This is the "page-table walker" 20% of the HAL named in spec
// section 2, generalized across both RISC-V targets since they share the
// same Sv39 MMU and differ only in how traps/firmware/IPIs/timers work.
package ptwalk

import (
	"sync"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/hal/sv39"
	"chronix/internal/mem"
)

// Backing is the simulated physical memory a Table walks: since this
// repo models the kernel substrate as a library rather than bare-metal
// code directly addressing RAM, table contents are kept in an in-process
// side-store keyed by frame number rather than dereferenced through a
// real physical address. The Allocator is still the sole source of frame
// numbers and refcounts, so ownership/CoW bookkeeping (spec section 3)
// is exactly as if the bytes lived at that physical address.
type Backing struct {
	alloc *mem.Allocator

	mu     sync.Mutex
	tables map[mem.PFN]*[sv39.EntriesPerLevel]sv39.PTE
}

func NewBacking(alloc *mem.Allocator) *Backing {
	return &Backing{alloc: alloc, tables: make(map[mem.PFN]*[sv39.EntriesPerLevel]sv39.PTE)}
}

func (b *Backing) newTable() (mem.PFN, *[sv39.EntriesPerLevel]sv39.PTE, error) {
	pfn, ok := b.alloc.Alloc(0)
	if !ok {
		return 0, nil, defs.ENOMEM
	}
	t := &[sv39.EntriesPerLevel]sv39.PTE{}
	b.mu.Lock()
	b.tables[pfn] = t
	b.mu.Unlock()
	return pfn, t, nil
}

func (b *Backing) table(pfn mem.PFN) *[sv39.EntriesPerLevel]sv39.PTE {
	b.mu.Lock()
	t := b.tables[pfn]
	b.mu.Unlock()
	return t
}

func (b *Backing) freeTable(pfn mem.PFN) {
	b.mu.Lock()
	delete(b.tables, pfn)
	b.mu.Unlock()
	b.alloc.Free(pfn, 0)
}

// Table is one address space's Sv39 page table. It satisfies
// hal.PageTable (the concrete Arch packages embed it and add
// architecture-specific Activate/Flush wiring).
type Table struct {
	mu   sync.Mutex
	b    *Backing
	root mem.PFN

	// activeHarts records which harts have this table's root loaded, for
	// TLB-shootdown fan-out (spec section 4.3/9).
	activeHarts map[defs.Hart]bool
}

func New(b *Backing) (*Table, error) {
	root, _, err := b.newTable()
	if err != nil {
		return nil, err
	}
	return &Table{b: b, root: root, activeHarts: make(map[defs.Hart]bool)}, nil
}

func (t *Table) Root() mem.PFN { return t.root }

func sv39Flags(perm hal.Perm) uint64 {
	var f uint64
	if perm&1 != 0 { // PermRead
		f |= sv39.PteR
	}
	if perm&2 != 0 { // PermWrite
		f |= sv39.PteW
	}
	if perm&4 != 0 { // PermExec
		f |= sv39.PteX
	}
	if perm&8 != 0 { // PermUser
		f |= sv39.PteU
	}
	if perm&16 != 0 { // PermCOW
		f |= sv39.PteCOW
	}
	if perm&32 != 0 { // PermWasCOW
		f |= sv39.PteWasCOW
	}
	if perm&64 != 0 { // PermDirty
		f |= sv39.PteD
	}
	if perm&128 != 0 { // PermAccessed
		f |= sv39.PteA
	}
	if perm&256 != 0 { // PermGlobal
		f |= sv39.PteG
	}
	return f
}

func permFromFlags(pte sv39.PTE) hal.Perm {
	var p hal.Perm
	if pte&sv39.PteR != 0 {
		p |= 1
	}
	if pte&sv39.PteW != 0 {
		p |= 2
	}
	if pte&sv39.PteX != 0 {
		p |= 4
	}
	if pte&sv39.PteU != 0 {
		p |= 8
	}
	if pte&sv39.PteCOW != 0 {
		p |= 16
	}
	if pte&sv39.PteWasCOW != 0 {
		p |= 32
	}
	if pte&sv39.PteD != 0 {
		p |= 64
	}
	if pte&sv39.PteA != 0 {
		p |= 128
	}
	if pte&sv39.PteG != 0 {
		p |= 256
	}
	return p
}

// walk descends the three Sv39 levels for vpn, allocating intermediate
// tables along the way when create is true. It returns the leaf table and
// the index within it.
func (t *Table) walk(vpn hal.VPN, create bool) (*[sv39.EntriesPerLevel]sv39.PTE, int, error) {
	cur := t.root
	for level := sv39.Levels - 1; level > 0; level-- {
		tbl := t.b.table(cur)
		idx := sv39.VPNIndex(uint64(vpn), level)
		entry := tbl[idx]
		if !entry.Valid() {
			if !create {
				return nil, 0, defs.ENOMEM
			}
			childPFN, _, err := t.b.newTable()
			if err != nil {
				return nil, 0, err
			}
			tbl[idx] = sv39.Make(uint64(childPFN), sv39.PteV)
			cur = childPFN
			continue
		}
		cur = mem.PFN(entry.PPN())
	}
	leaf := t.b.table(cur)
	return leaf, sv39.VPNIndex(uint64(vpn), 0), nil
}

func (t *Table) Map(vpn hal.VPN, ppn hal.PPN, perm hal.Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, idx, err := t.walk(vpn, true)
	if err != nil {
		return err
	}
	leaf[idx] = sv39.Make(uint64(ppn), sv39Flags(perm))
	return nil
}

func (t *Table) Unmap(vpn hal.VPN) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, idx, err := t.walk(vpn, false)
	if err != nil {
		return nil // nothing mapped, nothing to do
	}
	leaf[idx] = 0
	return nil
}

func (t *Table) Protect(vpn hal.VPN, perm hal.Perm) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, idx, err := t.walk(vpn, false)
	if err != nil {
		return err
	}
	if !leaf[idx].Valid() {
		return defs.EFAULT
	}
	ppn := leaf[idx].PPN()
	leaf[idx] = sv39.Make(ppn, sv39Flags(perm))
	return nil
}

func (t *Table) Translate(vpn hal.VPN) (ppn hal.PPN, perm hal.Perm, present bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	leaf, idx, err := t.walk(vpn, false)
	if err != nil || !leaf[idx].Valid() {
		return 0, 0, false
	}
	return mem.PFN(leaf[idx].PPN()), permFromFlags(leaf[idx]), true
}

// MarkActive/MarkInactive record which harts have this table loaded, read
// by the TLB-shootdown fast path (spec section 4.3: "the fast path: the
// pmap is loaded in exactly one CPU's cr3").
func (t *Table) MarkActive(h defs.Hart) {
	t.mu.Lock()
	t.activeHarts[h] = true
	t.mu.Unlock()
}

func (t *Table) ActiveHarts() []defs.Hart {
	t.mu.Lock()
	defer t.mu.Unlock()
	harts := make([]defs.Hart, 0, len(t.activeHarts))
	for h := range t.activeHarts {
		harts = append(harts, h)
	}
	return harts
}

// Activate and Flush give Table the remaining methods of hal.PageTable.
// The concrete Arch implementations (riscvsbi, riscvm) embed *Table and
// get these for free; Activate/Flush here only update the in-process
// bookkeeping this simulated substrate uses in place of real satp writes
// and sfence.vma instructions.
func (t *Table) Activate() {
	// satp write is modeled entirely by MarkActive bookkeeping; see
	// Arch.HartID() callers in vm.Tlbshoot.
}

func (t *Table) Flush(start hal.VPN, count int) {
	// TLB state is not cached separately from the table in this model,
	// so there is nothing to invalidate beyond the table itself; this
	// hook exists so callers (vm.Tlbshoot) have a uniform place to
	// record the flush for diagnostics/tests.
	_ = start
	_ = count
}
