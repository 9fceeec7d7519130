// Package kstat renders an operator-facing accounting report over a
// running kernel-core: frame allocator occupancy, kernel-heap slab
// occupancy, per-CPU scheduler load, and IPC port queue depths. It is
// grounded on the teacher's stat/stats packages (plain counters read
// and formatted for a human, not wire-protocol structures), upgraded
// to use golang.org/x/text/message for locale-aware number formatting
// of the large frame/byte counts a kernel accumulates (SPEC_FULL.md
// §11).
package kstat

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"microkernel/kern"
)

// Report formats a point-in-time snapshot of core to w using p (a
// caller-supplied printer so callers can pick their own locale; nil
// selects message.NewPrinter(language.English)).
func Report(w io.Writer, core *kern.Core, p *message.Printer) error {
	if p == nil {
		p = message.NewPrinter(language.English)
	}

	free, used := core.Alloc.Counts()
	if _, err := p.Fprintf(w, "frames: %d free, %d used, %d total\n", free, used, int64(core.Alloc.NumFrames())); err != nil {
		return err
	}

	for i, c := range core.Heap.Stats() {
		if c.Pages == 0 {
			continue
		}
		if _, err := p.Fprintf(w, "heap class %d: objsize=%d pages=%d free_objs=%d\n", i, c.ObjSize, c.Pages, c.FreeObjs); err != nil {
			return err
		}
	}

	for i := 0; i < core.Sched.NumCPU(); i++ {
		if _, err := p.Fprintf(w, "cpu %d: %d runnable\n", i, core.Sched.CPU(i).NrRunning()); err != nil {
			return err
		}
	}

	for _, s := range core.Ports.Stats() {
		if _, err := p.Fprintf(w, "port %d: owner=%d queued=%d/%d waiters=%d\n", s.ID, s.Owner, s.Queued, s.Capacity, s.Waiters); err != nil {
			return err
		}
	}

	for _, t := range core.Procs.Threads() {
		user, sys := t.Accounted()
		if _, err := p.Fprintf(w, "thread %d (%s): user=%s sys=%s\n", t.Tid, t.Name, time.Duration(user), time.Duration(sys)); err != nil {
			return err
		}
	}

	fast, broadcast := core.VMM.ShootdownKinds()
	if _, err := p.Fprintf(w, "tlb shootdowns: %d fast, %d broadcast\n", fast, broadcast); err != nil {
		return err
	}

	return nil
}

// Line renders a single summary line, for callers that want one
// metric instead of the full report (e.g. a liveness probe).
func Line(core *kern.Core) string {
	free, used := core.Alloc.Counts()
	return fmt.Sprintf("frames free=%d used=%d cpus=%d ports=%d", free, used, core.Sched.NumCPU(), len(core.Ports.Stats()))
}
