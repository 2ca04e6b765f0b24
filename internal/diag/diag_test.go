package diag

import (
	"testing"
	"time"

	"chronix/internal/accnt"
	"chronix/internal/defs"
)

func TestExportProducesOneSamplePerTask(t *testing.T) {
	tasks := []TaskAccounting{
		{Tid: defs.Tid(1), Snapshot: accnt.Snapshot{User: 10 * time.Millisecond, System: 2 * time.Millisecond}},
		{Tid: defs.Tid(2), Snapshot: accnt.Snapshot{User: 5 * time.Millisecond, System: time.Millisecond}},
	}

	p := Export(tasks, time.Unix(0, 0))

	if len(p.Sample) != len(tasks) {
		t.Fatalf("len(Sample) = %d, want %d", len(p.Sample), len(tasks))
	}
	if len(p.SampleType) != 2 {
		t.Fatalf("len(SampleType) = %d, want 2", len(p.SampleType))
	}
	for i, s := range p.Sample {
		want := tasks[i].Snapshot
		if s.Value[0] != int64(want.User) || s.Value[1] != int64(want.System) {
			t.Fatalf("Sample[%d].Value = %v, want [%d %d]", i, s.Value, int64(want.User), int64(want.System))
		}
		if len(s.Location) != 1 {
			t.Fatalf("Sample[%d].Location len = %d, want 1", i, len(s.Location))
		}
	}
}

func TestExportEmptyTaskSet(t *testing.T) {
	p := Export(nil, time.Unix(0, 0))
	if len(p.Sample) != 0 {
		t.Fatalf("len(Sample) = %d, want 0", len(p.Sample))
	}
}

func TestTaskFunctionNameFormatsTid(t *testing.T) {
	cases := []struct {
		tid  defs.Tid
		want string
	}{
		{0, "tid-0"},
		{7, "tid-7"},
		{42, "tid-42"},
	}
	for _, c := range cases {
		if got := taskFunctionName(c.tid); got != c.want {
			t.Fatalf("taskFunctionName(%d) = %q, want %q", c.tid, got, c.want)
		}
	}
}

func TestExportFunctionNamesAreUnique(t *testing.T) {
	tasks := []TaskAccounting{
		{Tid: defs.Tid(3)},
		{Tid: defs.Tid(9)},
	}
	p := Export(tasks, time.Unix(0, 0))
	seen := map[string]bool{}
	for _, fn := range p.Function {
		if seen[fn.Name] {
			t.Fatalf("duplicate function name %q", fn.Name)
		}
		seen[fn.Name] = true
	}
}
