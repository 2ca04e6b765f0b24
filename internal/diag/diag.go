// Package diag exports per-task CPU accounting as a pprof profile for
// offline scheduler/allocation analysis, SPEC_FULL section 5's
// supplemented diag feature: new relative to the teacher, wiring
// github.com/google/pprof/profile the same way biscuit's go.mod
// requires the google/pprof module directly (there, for x86
// disassembly integration; here, to emit a real profile.Profile
// instead of a bespoke text dump).
package diag

import (
	"time"

	"github.com/google/pprof/profile"

	"chronix/internal/accnt"
	"chronix/internal/defs"
)

// TaskAccounting pairs a Tid with its accounting snapshot, the input
// shape Export consumes.
type TaskAccounting struct {
	Tid      defs.Tid
	Snapshot accnt.Snapshot
}

// Export builds a pprof profile.Profile with two sample types, "user"
// and "system" nanoseconds, one Sample per task keyed by a synthetic
// Function/Location named "tid-<n>" so the profile renders legibly in
// any pprof consumer (`go tool pprof`, the web UI) without needing
// real symbol information, which this kernel substrate has none of.
func Export(tasks []TaskAccounting, at time.Time) *profile.Profile {
	p := &profile.Profile{
		TimeNanos: at.UnixNano(),
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "system", Unit: "nanoseconds"},
		},
		PeriodType: &profile.ValueType{Type: "cpu", Unit: "nanoseconds"},
		Period:     1,
	}

	m := &profile.Mapping{ID: 1, File: "chronix-kernel"}
	p.Mapping = []*profile.Mapping{m}

	for i, ta := range tasks {
		id := uint64(i + 1)
		fn := &profile.Function{
			ID:   id,
			Name: taskFunctionName(ta.Tid),
		}
		loc := &profile.Location{
			ID:      id,
			Mapping: m,
			Line:    []profile.Line{{Function: fn}},
		}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(ta.Snapshot.User), int64(ta.Snapshot.System)},
		})
	}
	return p
}

func taskFunctionName(tid defs.Tid) string {
	const prefix = "tid-"
	digits := [20]byte{}
	n := int64(tid)
	neg := n < 0
	if neg {
		n = -n
	}
	i := len(digits)
	for {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
		if n == 0 {
			break
		}
	}
	s := string(digits[i:])
	if neg {
		return prefix + "-" + s
	}
	return prefix + s
}
