// Package kdebug renders kernel-heap slab occupancy and per-CPU
// scheduler load as a pprof Profile, so an operator can point
// `go tool pprof` at a dumped snapshot the way they would at any other
// Go profile. It is grounded on the teacher's retrieval of
// github.com/google/pprof/profile (SPEC_FULL.md §11) in place of a
// bespoke text dump.
package kdebug

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"microkernel/kern"
)

// WriteHeapProfile renders kheap's per-class occupancy as a pprof
// profile with one sample per non-empty size class, sampled in pages
// and in live (non-free) objects.
func WriteHeapProfile(w io.Writer, core *kern.Core) error {
	pagesFn := &profile.Function{ID: 1, Name: "heap_pages", SystemName: "heap_pages"}
	objsFn := &profile.Function{ID: 2, Name: "heap_live_objects", SystemName: "heap_live_objects"}

	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "pages", Unit: "count"},
			{Type: "live_objects", Unit: "count"},
		},
		Function: []*profile.Function{pagesFn, objsFn},
	}

	var locID uint64 = 1
	for i, c := range core.Heap.Stats() {
		if c.Pages == 0 {
			continue
		}
		fn := &profile.Function{ID: uint64(100 + i), Name: fmt.Sprintf("class[%d]_objsize_%d", i, c.ObjSize)}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: locID, Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		live := c.Pages*c.PerPage - c.FreeObjs
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(c.Pages), int64(live)},
		})
		locID++
	}
	return p.Write(w)
}

// WriteSchedulerProfile renders each CPU's runnable count as a pprof
// profile with one sample per CPU.
func WriteSchedulerProfile(w io.Writer, core *kern.Core) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "runnable", Unit: "count"}},
	}
	for i := 0; i < core.Sched.NumCPU(); i++ {
		fn := &profile.Function{ID: uint64(i + 1), Name: fmt.Sprintf("cpu%d", i)}
		p.Function = append(p.Function, fn)
		loc := &profile.Location{ID: uint64(i + 1), Line: []profile.Line{{Function: fn}}}
		p.Location = append(p.Location, loc)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(core.Sched.CPU(i).NrRunning())},
		})
	}
	return p.Write(w)
}
