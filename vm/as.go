package vm

import (
	"math/bits"
	"sync"

	"microkernel/defs"
	"microkernel/mem"
	"microkernel/util"
)

// AS is an address space: spec.md §3's "root page-table frame, an
// address-space identifier (ASID), and an ordered list of Mappings."
// The mutex guards the mapping list and every page-table walk that may
// allocate, matching the teacher's Vm_t and spec.md §5 lock-ordering
// rule (b): "VMM mapping-list lock is acquired before any page-table
// descent that may allocate."
type AS struct {
	mu sync.Mutex

	Root mem.Frame
	ASID defs.ASID

	mappings mappingList

	pgfltaken bool

	vmm *VMM
}

// Tlbshoot invalidates pgcount pages starting at startva for this
// address space. In this hosted simulation there is no real MMU to
// shoot down, so the call is a bookkeeping point: it lets callers that
// care (tests, kdebug) observe shootdown counts, matching spec.md §5's
// requirement that "page-table writes are followed by explicit TLB
// shootdowns scoped to the affected virtual range."
//
// Per page it also consults the underlying frame's CPU-residency mask
// (SPEC_FULL.md §12) to classify the shootdown as fast-path (the page
// was loaded on at most one CPU, so invalidating it is local) or
// broadcast (it was loaded on more than one CPU and would need an IPI
// to every one of them on real hardware), then clears the mask: once
// shot down, the page is no longer known-resident anywhere until the
// owning AS is next switched onto a CPU.
func (as *AS) Tlbshoot(startva uintptr, pgcount int) {
	if pgcount == 0 {
		return
	}
	for i := 0; i < pgcount; i++ {
		va := startva + uintptr(i)*mem.PageSize
		res, ok := as.vmm.walk(as.Root, va, false)
		if !ok || res.leaf == nil || !res.leaf.present() {
			continue
		}
		frame := res.leaf.frame()
		mask := as.vmm.alloc.ResidentCPUs(frame)
		if bits.OnesCount64(mask) <= 1 {
			as.vmm.recordFastShootdown()
		} else {
			as.vmm.recordBroadcastShootdown()
		}
		as.vmm.alloc.ClearResident(frame)
	}
	as.vmm.recordShootdown(pgcount)
}

// LockPmap acquires the address-space lock and marks that a page-table
// walk is in progress, mirroring the teacher's Lock_pmap/pgfltaken
// pair used to catch missing-lock bugs.
func (as *AS) LockPmap() {
	as.mu.Lock()
	as.pgfltaken = true
}

func (as *AS) UnlockPmap() {
	as.pgfltaken = false
	as.mu.Unlock()
}

func (as *AS) lockassertPmap() {
	if !as.pgfltaken {
		panic("vm: pmap lock must be held")
	}
}

// Lookup returns the Mapping covering va, if any.
func (as *AS) Lookup(va uintptr) (*Mapping, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.mappings.lookup(va)
}

// Mappings returns a snapshot of this AS's mapping list, for callers
// (ForkCOW, kdebug) that need to enumerate it without holding the lock
// across their own work.
func (as *AS) Mappings() []*Mapping {
	as.mu.Lock()
	defer as.mu.Unlock()
	out := make([]*Mapping, len(as.mappings.items))
	copy(out, as.mappings.items)
	return out
}

// MmapAlloc reserves [ret, ret+length) as a new anonymous Mapping,
// choosing ret by scanning the mapping list for a hole starting at
// userBase (spec.md §4.2's mmap_alloc algorithm). Pages are backed
// eagerly with fresh zeroed frames so that every reachable address in
// the mapping immediately satisfies spec.md §3's mapping invariant
// ("each mapping's pages are reachable through the AS's page tables").
// It draws frames straight from the global allocator; MmapAllocCPU is
// the per-CPU-cached equivalent.
func (v *VMM) MmapAlloc(as *AS, userBase, length uintptr, perm Perm) (uintptr, defs.Err_t) {
	return v.mmapAlloc(as, userBase, length, perm, v.alloc.AllocOne)
}

// MmapAllocCPU is MmapAlloc's fast-path variant: every backing frame
// is drawn through cpu's per-CPU free-list cache (SPEC_FULL.md §12,
// grounded on the teacher's pcpuphys_t) instead of the global bitmap
// directly, amortizing the bitmap scan/lock across a whole batch.
func (v *VMM) MmapAllocCPU(as *AS, userBase, length uintptr, perm Perm, cpu int) (uintptr, defs.Err_t) {
	return v.mmapAlloc(as, userBase, length, perm, func() (mem.Frame, bool) { return v.alloc.AllocOneCPU(cpu) })
}

func (v *VMM) mmapAlloc(as *AS, userBase, length uintptr, perm Perm, allocFrame func() (mem.Frame, bool)) (uintptr, defs.Err_t) {
	if length == 0 {
		return 0, defs.EINVAL
	}
	length = util.Roundup(length, uintptr(mem.PageSize))

	as.mu.Lock()
	start := as.mappings.firstHoleFrom(userBase, length)
	m := &Mapping{Start: start, End: start + length, Perm: perm, Kind: Anon}
	as.mappings.insert(m)
	as.mu.Unlock()

	for va := start; va < start+length; va += mem.PageSize {
		f, ok := allocFrame()
		if !ok {
			// Roll back every page installed so far in this call and
			// drop the reservation, per spec.md §4.2's failure
			// semantics for map_*.
			v.Unmap(as, start, va)
			as.mu.Lock()
			as.mappings.remove(m)
			as.mu.Unlock()
			return 0, defs.ENOMEM
		}
		page := v.alloc.Dmap(f)
		for i := range page {
			page[i] = 0
		}
		if err := v.MapOne(as, va, f, perm, true); err != 0 {
			v.alloc.Free(f)
			v.Unmap(as, start, va)
			as.mu.Lock()
			as.mappings.remove(m)
			as.mu.Unlock()
			return 0, err
		}
	}
	return start, 0
}

// MmapFree unmaps [start,end). An exact match against an existing
// Mapping's range removes the node entirely; a partial range only
// drops the backing pages in that subrange, per spec.md §4.2: "partial-
// range free is permitted to unmap pages but does not yet split the
// mapping node."
func (v *VMM) MmapFree(as *AS, start, end uintptr) defs.Err_t {
	return v.mmapFree(as, start, end, func() defs.Err_t { return v.Unmap(as, start, end) })
}

// MmapFreeCPU is MmapFree's fast-path counterpart, returning every
// freed frame to cpu's per-CPU cache via UnmapCPU (SPEC_FULL.md §12).
func (v *VMM) MmapFreeCPU(as *AS, start, end uintptr, cpu int) defs.Err_t {
	return v.mmapFree(as, start, end, func() defs.Err_t { return v.UnmapCPU(as, start, end, cpu) })
}

func (v *VMM) mmapFree(as *AS, start, end uintptr, unmap func() defs.Err_t) defs.Err_t {
	unmap()

	as.mu.Lock()
	defer as.mu.Unlock()
	if m, ok := as.mappings.lookup(start); ok && m.Start == start && m.End == end {
		as.mappings.remove(m)
	}
	return 0
}

// MmapProtect updates permission bits over [start,end). When the range
// exactly matches a Mapping, the Mapping's own Perm is updated; over a
// subrange the change is recorded as a permission overlay instead of
// splitting the node (SPEC_FULL.md §14, decision 4). Present PTEs in
// the range are rewritten in place, preserving physical address and
// other flags (spec.md §4.2).
func (v *VMM) MmapProtect(as *AS, start, end uintptr, perm Perm) defs.Err_t {
	as.mu.Lock()
	m, ok := as.mappings.lookup(start)
	if !ok {
		as.mu.Unlock()
		return defs.ENOENT
	}
	if start == m.Start && end == m.End {
		m.Perm = perm
	} else {
		m.addOverlay(start, end, perm)
	}
	as.mu.Unlock()

	as.LockPmap()
	defer as.UnlockPmap()
	for va := start; va < end; va += mem.PageSize {
		res, ok := v.walk(as.Root, va, false)
		if !ok || res.leaf == nil || !res.leaf.present() {
			continue
		}
		flags := permToPTE(perm, true)
		*res.leaf = (*res.leaf &^ (pteW | pteNX)) | (flags & (pteW | pteNX))
	}
	as.Tlbshoot(start, int((end-start)/mem.PageSize))
	return 0
}

