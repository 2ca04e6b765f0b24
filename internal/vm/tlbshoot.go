package vm

import (
	"sync"

	"chronix/internal/defs"
	"chronix/internal/hal"
)

// activeHartsTable is satisfied by ptwalk.Table: the set of harts that
// currently have a page table loaded, needed to find the "fast path"
// spec.md section 9 names ("the pmap is loaded in exactly one CPU's
// cr3" — no IPI needed at all) versus the multi-hart case that does.
type activeHartsTable interface {
	ActiveHarts() []defs.Hart
}

// Shootdown coordinates a cross-hart TLB invalidation for one
// AddressSpace, implementing spec.md section 9's invariant: no PTE
// downgrade the initiator makes is observable on another hart until
// that hart has acknowledged the invalidating IPI. Tlbshoot blocks the
// caller until every hart that had the table active at call time has
// called Ack.
type Shootdown struct {
	arch hal.Arch

	mu      sync.Mutex
	pending *sync.WaitGroup
	acked   map[defs.Hart]bool
}

// NewShootdown builds a Shootdown that sends its IPIs through arch.
func NewShootdown(arch hal.Arch) *Shootdown {
	return &Shootdown{arch: arch}
}

// Tlbshoot invalidates pt on every hart besides self that currently has
// it active. If pt doesn't track active harts, or the only hart with it
// active is self, this is the single-CPU fast path and no IPI is sent.
func (s *Shootdown) Tlbshoot(pt hal.PageTable, self defs.Hart) {
	aht, ok := pt.(activeHartsTable)
	if !ok {
		return
	}
	var targets []defs.Hart
	for _, h := range aht.ActiveHarts() {
		if h != self {
			targets = append(targets, h)
		}
	}
	if len(targets) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(targets))

	s.mu.Lock()
	s.pending = &wg
	s.acked = make(map[defs.Hart]bool, len(targets))
	for _, h := range targets {
		s.acked[h] = false
	}
	s.mu.Unlock()

	s.arch.SendIPI(hal.MaskOf(targets...))
	wg.Wait()
}

// AckShootdown acknowledges this AddressSpace's in-flight TLB shootdown
// on behalf of hart h, the seam trapcore's IPI dispatch calls into.
func (as *AddressSpace) AckShootdown(h defs.Hart) {
	as.shootdown.Ack(h)
}

// Ack is called from the shootdown IPI handler on the acknowledging
// hart (wired from trapcore's IRQ dispatch). It is a no-op for a hart
// that isn't part of the most recently initiated Tlbshoot, or that has
// already acknowledged it, guarding against a spurious or duplicate IPI.
func (s *Shootdown) Ack(h defs.Hart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return
	}
	if acked, tracked := s.acked[h]; !tracked || acked {
		return
	}
	s.acked[h] = true
	s.pending.Done()
}
