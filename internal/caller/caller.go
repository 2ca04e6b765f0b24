// Package caller implements the debug caller-stack dump SPEC_FULL
// section 5 names as a supplemented feature, grounded on the teacher's
// caller.go (Callerdump, Distinct_caller_t), invoked from the
// executor's panic-recovery path in debug builds.
package caller

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// Dump formats the call stack starting at the given skip depth, the
// same output Callerdump produced, returned as a string instead of
// printed directly so callers can route it through structured logging.
func Dump(skip int) string {
	var b strings.Builder
	for i := skip; ; i++ {
		_, f, l, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if b.Len() > 0 {
			b.WriteString("\n\t<-")
		}
		fmt.Fprintf(&b, "%s:%d", f, l)
	}
	return b.String()
}

// DistinctCaller tracks whether a call chain has been seen before, a
// poor-man's dedup so a panic-recovery path doesn't log the same
// crash site on every occurrence. Grounded on the teacher's
// Distinct_caller_t.
type DistinctCaller struct {
	mu      sync.Mutex
	Enabled bool
	seen    map[uintptr]bool
}

func NewDistinctCaller() *DistinctCaller {
	return &DistinctCaller{seen: make(map[uintptr]bool)}
}

func pcHash(pcs []uintptr) uintptr {
	var ret uintptr
	for _, pc := range pcs {
		pc = pc*1103515245 + 12345
		ret ^= pc
	}
	return ret
}

// First reports whether this is the first time pcs (a captured call
// stack) has been observed; subsequent identical stacks return false.
func (dc *DistinctCaller) First(pcs []uintptr) bool {
	if !dc.Enabled || len(pcs) == 0 {
		return true
	}
	h := pcHash(pcs)
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.seen[h] {
		return false
	}
	dc.seen[h] = true
	return true
}

// Len reports the number of unique caller paths recorded.
func (dc *DistinctCaller) Len() int {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return len(dc.seen)
}
