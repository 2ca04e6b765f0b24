// Package vm implements the Address-Space Manager of spec section 4.3:
// per-task page tables, a sorted VMA range map, demand paging,
// copy-on-write, lazy anonymous mappings, shared file-backed mappings,
// and user-pointer validation. It is grounded on the teacher's
// vm/as.go (Vm_t, Lock_pmap/Unlock_pmap, Sys_pgfault, Vmadd_anon) and
// vm/userbuf.go (Userbuf_t), generalized from biscuit's single x86-64
// architecture onto the hal.Arch interface so the same AddressSpace
// works unmodified against both riscvsbi and riscvm.
package vm

import (
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"chronix/internal/defs"
	"chronix/internal/hal"
	"chronix/internal/mem"
	"chronix/internal/rlimits"
)

// maxInflightFetches bounds how many page-cache Fetch calls an
// AddressSpace lets run concurrently, so a burst of faults against an
// unbacked mmap'd file doesn't turn into an unbounded goroutine/I-O
// fan-out against the page cache.
const maxInflightFetches = 8

// Backing describes where a VMA's pages come from.
type Backing int

const (
	BackingAnonymous Backing = iota
	BackingFile
	BackingDevice
)

// FaultPolicy controls whether a VMA's pages are faulted in lazily or
// populated eagerly at map time.
type FaultPolicy int

const (
	FaultLazy FaultPolicy = iota
	FaultPrefault
)

// FileBackedOps is the external collaborator spec section 6 names for
// file-backed VMAs: reading a page from the backing file and (for
// shared mappings) writing a dirtied page back. The real implementation
// lives in the out-of-scope VFS layer; tests use an in-memory fake.
type FileBackedOps interface {
	ReadPage(offset int64) ([]byte, error)
	WritePage(offset int64, data []byte) error
}

// VMA is a virtual memory area: a half-open virtual range with uniform
// protection, backing, and fault policy (spec section 3's VMA entity).
type VMA struct {
	Start, End uintptr // half-open [Start, End) in page-aligned bytes
	Perm       hal.Perm
	Shared     bool
	Backing    Backing
	File       FileBackedOps
	FileOffset int64
	Policy     FaultPolicy
	GrowsDown  bool
}

func (v *VMA) contains(addr uintptr) bool { return addr >= v.Start && addr < v.End }

// vmaSlab is the fixed-size object cache spec section 4.2 names VMA among,
// so the map/unmap/fork churn of a busy address space doesn't hit the Go
// heap allocator for every VMA node.
var vmaSlab = mem.NewSlabCache(func() *VMA { return &VMA{} })

// pageState mirrors spec section 3's PageState enum. No VMA stores a
// per-page state: the fault and CoW paths derive a page's state from
// its page-table entry and frame refcount.
type pageState int

const (
	stateNotPresent pageState = iota
	stateAnonymous
	stateCowShared
	stateFileBacked
	stateZero
)

// AddressSpace is one task's (or thread group's) virtual memory: a
// page table plus a sorted, non-overlapping VMA set, mirroring the
// teacher's Vm_t (root pmap + Vmregion) generalized across VMA kinds.
type AddressSpace struct {
	mu sync.Mutex

	pt    hal.PageTable
	arch  hal.Arch
	alloc *mem.Allocator
	vmas  []*VMA // kept sorted by Start; non-overlapping

	generation uint64
	pageCache  PageCache
	fetchSem   *semaphore.Weighted
	shootdown  *Shootdown
	rlim       *rlimits.Limit // RLIMIT_AS; nil means unbounded

	// pgfltaken mirrors the teacher's Vm_t.pgfltaken: set while a page
	// fault is being serviced, asserted by lockassert.
	pgfltaken bool
}

// PageCache is the external page-cache coupling spec section 9 (and
// SPEC_FULL section 4.3) names as a collaborator rather than an
// in-scope subsystem.
type PageCache interface {
	// Fetch returns the frame backing (file, offset), reading it in if
	// not already cached.
	Fetch(file FileBackedOps, offset int64) (mem.PFN, error)
}

// New builds an empty AddressSpace over a fresh page table from arch.
func New(arch hal.Arch, alloc *mem.Allocator, pc PageCache) (*AddressSpace, error) {
	pt, err := arch.NewPageTable()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{pt: pt, arch: arch, alloc: alloc, pageCache: pc, fetchSem: semaphore.NewWeighted(maxInflightFetches), shootdown: NewShootdown(arch)}, nil
}

func (as *AddressSpace) PageTable() hal.PageTable { return as.pt }

// SetRlimit attaches the RLIMIT_AS counter VmaddAnon/VmaddFile reserve
// against and Unmap releases into; nil (the default) means no
// address-space size ceiling. task.New wires a Task's own rlimits.Set
// in through here at creation time.
func (as *AddressSpace) SetRlimit(lim *rlimits.Limit) {
	as.mu.Lock()
	as.rlim = lim
	as.mu.Unlock()
}

// Lock acquires the address-space mutex and marks that a page fault is
// being handled, mirroring the teacher's Lock_pmap/Unlock_pmap pair
// used to detect double-fault bugs during development.
func (as *AddressSpace) Lock() {
	as.mu.Lock()
	as.pgfltaken = true
}

func (as *AddressSpace) Unlock() {
	as.pgfltaken = false
	as.mu.Unlock()
}

func (as *AddressSpace) lockassert() {
	if !as.pgfltaken {
		panic("vm: pgfl lock must be held")
	}
}

// find returns the VMA covering addr, if any. Callers must hold as.mu.
func (as *AddressSpace) find(addr uintptr) (*VMA, int) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].End > addr })
	if i < len(as.vmas) && as.vmas[i].contains(addr) {
		return as.vmas[i], i
	}
	return nil, -1
}

// userByte returns the byte storage for the page covering addr and
// addr's offset within it, and whether that page is currently mapped.
// Userbuf.tx is the only caller: it consults present to decide whether
// a fault needs handling before moving the byte.
func (as *AddressSpace) userByte(addr uintptr) (page []byte, off int, present bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	vpn := hal.VPN(addr >> pageShift)
	ppn, _, present := as.pt.Translate(vpn)
	if !present {
		return nil, 0, false
	}
	return as.alloc.Page(ppn), int(addr & (1<<pageShift - 1)), true
}

// Lookup returns the VMA covering addr, or nil.
func (as *AddressSpace) Lookup(addr uintptr) *VMA {
	as.mu.Lock()
	defer as.mu.Unlock()
	vma, _ := as.find(addr)
	return vma
}

// insert adds vma to the sorted set. Neither insert nor its callers
// (Vmadd*) check for overlap or search for a gap; the range passed to
// Vmadd* must already be disjoint, as with the teacher's Vmregion.
func (as *AddressSpace) insert(vma *VMA) {
	i := sort.Search(len(as.vmas), func(i int) bool { return as.vmas[i].Start >= vma.Start })
	as.vmas = append(as.vmas, nil)
	copy(as.vmas[i+1:], as.vmas[i:])
	as.vmas[i] = vma
}

// VmaddAnon adds a lazily-faulted anonymous VMA over [start,end), the
// "demand paging" and "lazy anonymous mapping" cases of spec section
// 4.3, grounded on the teacher's Vmadd_anon.
func (as *AddressSpace) VmaddAnon(start, end uintptr, perm hal.Perm) error {
	if end <= start {
		return defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.rlim != nil && !as.rlim.Take(int64(end-start)) {
		return defs.ENOMEM
	}
	vma := vmaSlab.Get()
	*vma = VMA{Start: start, End: end, Perm: perm, Backing: BackingAnonymous, Policy: FaultLazy}
	as.insert(vma)
	return nil
}

// VmaddFile adds a file-backed VMA, shared or private, grounded on the
// teacher's Vmadd_file/Vmadd_sharefile.
func (as *AddressSpace) VmaddFile(start, end uintptr, perm hal.Perm, file FileBackedOps, offset int64, shared bool) error {
	if end <= start {
		return defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.rlim != nil && !as.rlim.Take(int64(end-start)) {
		return defs.ENOMEM
	}
	vma := vmaSlab.Get()
	*vma = VMA{
		Start: start, End: end, Perm: perm,
		Backing: BackingFile, File: file, FileOffset: offset,
		Shared: shared, Policy: FaultLazy,
	}
	as.insert(vma)
	return nil
}

// Unmap removes the mapping over [start,end), splitting any VMA that
// only partially overlaps (spec section 3: "split/merged on partial
// unmap/protect").
func (as *AddressSpace) Unmap(start, end uintptr) error {
	if end <= start {
		return defs.EINVAL
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	var kept []*VMA
	var reclaimed int64
	for _, v := range as.vmas {
		switch {
		case v.End <= start || v.Start >= end:
			kept = append(kept, v) // untouched
		case v.Start >= start && v.End <= end:
			// fully covered: drop it, unmap its pages below
			reclaimed += int64(v.End - v.Start)
			vmaSlab.Put(v)
		default:
			// partial overlap: split into the surviving piece(s)
			lo, hi := v.Start, v.End
			if lo < start {
				lo = start
			}
			if hi > end {
				hi = end
			}
			reclaimed += int64(hi - lo)
			if v.Start < start {
				left := vmaSlab.Get()
				*left = *v
				left.End = start
				kept = append(kept, left)
			}
			if v.End > end {
				right := vmaSlab.Get()
				*right = *v
				right.Start = end
				kept = append(kept, right)
			}
			vmaSlab.Put(v)
		}
	}
	as.vmas = kept
	if as.rlim != nil && reclaimed > 0 {
		as.rlim.Give(reclaimed)
	}

	for addr := start; addr < end; addr += 1 << pageShift {
		vpn := hal.VPN(addr >> 12)
		if ppn, _, present := as.pt.Translate(vpn); present {
			as.alloc.Refdown(ppn)
			as.pt.Unmap(vpn)
		}
	}
	as.generation++
	return nil
}

// Fork clones this AddressSpace's VMA set for a child task, marking
// every private writable anonymous page copy-on-write in both parent
// and child (spec section 3's CoW invariant), mirroring the teacher's
// fork page-table duplication strategy but generalized to any VMA kind.
func (as *AddressSpace) Fork() (*AddressSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	childPT, err := as.arch.NewPageTable()
	if err != nil {
		return nil, err
	}
	child := &AddressSpace{pt: childPT, arch: as.arch, alloc: as.alloc, pageCache: as.pageCache, fetchSem: semaphore.NewWeighted(maxInflightFetches), shootdown: NewShootdown(as.arch)}

	downgraded := false
	for _, v := range as.vmas {
		cv := vmaSlab.Get()
		*cv = *v
		child.insert(cv)

		if v.Backing == BackingAnonymous || (v.Backing == BackingFile && !v.Shared) {
			as.cowRange(v, child)
			downgraded = true
		} else {
			as.shareRange(v, child)
		}
	}
	if downgraded {
		// The parent's writable pages were just downgraded to CoW
		// above; spec.md section 9's invariant requires that no other
		// hart sharing this AddressSpace observe a stale writable TLB
		// entry for them before fork returns.
		as.shootdown.Tlbshoot(as.pt, as.arch.HartID())
	}
	return child, nil
}

const pageShift = 12

func (as *AddressSpace) cowRange(v *VMA, child *AddressSpace) {
	for addr := v.Start; addr < v.End; addr += 1 << pageShift {
		vpn := hal.VPN(addr >> pageShift)
		ppn, perm, present := as.pt.Translate(vpn)
		if !present {
			continue
		}
		cowPerm := (perm &^ hal.PermWrite) | hal.PermCOW
		as.pt.Protect(vpn, cowPerm)
		as.alloc.Refup(ppn)
		child.pt.Map(vpn, ppn, cowPerm)
	}
}

// shareRange maps the same frames into child without marking COW,
// since shared VMAs (VSANON/shared-file in the teacher's terms) must
// always stay mapped and visible to both address spaces identically.
func (as *AddressSpace) shareRange(v *VMA, child *AddressSpace) {
	for addr := v.Start; addr < v.End; addr += 1 << pageShift {
		vpn := hal.VPN(addr >> pageShift)
		ppn, perm, present := as.pt.Translate(vpn)
		if !present {
			continue
		}
		as.alloc.Refup(ppn)
		child.pt.Map(vpn, ppn, perm)
	}
}
