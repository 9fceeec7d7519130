// Package vm implements the Virtual-Memory Manager (VMM) from
// spec.md §4.2: 4-level page tables, the direct physical map, COW, and
// the per-AS mapping list. It is grounded on the teacher's vm.Vm_t
// (vm/as.go) and mem.Physmem_t (mem/mem.go, mem/dmap.go), adapted to
// run hosted atop the mem package's simulated physical arena instead of
// a forked Go runtime with real MMU access.
package vm

import (
	"sync"
	"sync/atomic"

	"microkernel/defs"
	"microkernel/klog"
	"microkernel/mem"
)

// VMM owns the kernel-half page-table template shared by every AS
// (spec.md §3: "An AS is created empty except that entries covering
// the kernel half of virtual memory are shared by reference with the
// kernel AS") and the global direct-map readiness flag spec.md §4.2
// describes ("a single phys_map_ready flag toggles access mode").
type VMM struct {
	mu sync.Mutex

	alloc *mem.Allocator
	log   klog.Sink

	kernelRoot mem.Frame
	nextASID   int32

	directMapReady bool

	shootdowns          int64
	shootdownsFast      int64
	shootdownsBroadcast int64
}

// kernelHalfStart is the PML4 index at which the kernel half of the
// address space begins; canonical x86-64 splits the 512-entry PML4
// evenly between user (0-255) and kernel (256-511) halves.
const kernelHalfStart = 256

// New constructs a VMM over the given Frame Allocator.
func New(alloc *mem.Allocator, log klog.Sink) *VMM {
	if log == nil {
		log = klog.Discard
	}
	return &VMM{alloc: alloc, log: log}
}

// Init installs the kernel's top-level page-table template and flips
// phys_map_ready, the hosted equivalent of the teacher's Dmap_init.
// Must be called once before CreateAS.
func (v *VMM) Init() defs.Err_t {
	f, ok := v.alloc.AllocOneLow()
	if !ok {
		return defs.ENOMEM
	}
	t := viewTable(v.alloc, f)
	for i := range t {
		t[i] = 0
	}
	v.kernelRoot = f
	v.directMapReady = true
	v.log.Infof("vmm: direct map installed, kernel root frame=%d", f)
	return 0
}

func (v *VMM) recordShootdown(pages int) {
	atomic.AddInt64(&v.shootdowns, int64(pages))
}

func (v *VMM) recordFastShootdown()      { atomic.AddInt64(&v.shootdownsFast, 1) }
func (v *VMM) recordBroadcastShootdown() { atomic.AddInt64(&v.shootdownsBroadcast, 1) }

// Shootdowns reports the cumulative number of pages invalidated, for
// diagnostics (kdebug) and tests only.
func (v *VMM) Shootdowns() int64 { return atomic.LoadInt64(&v.shootdowns) }

// ShootdownKinds reports how many per-page shootdowns took the
// single-CPU fast path versus required a cross-CPU broadcast, per
// SPEC_FULL.md §12's residency-mask-gated classification.
func (v *VMM) ShootdownKinds() (fast, broadcast int64) {
	return atomic.LoadInt64(&v.shootdownsFast), atomic.LoadInt64(&v.shootdownsBroadcast)
}

// CreateAS allocates a new address space whose kernel half is shared
// by reference with the kernel template (spec.md §3, §4.2).
func (v *VMM) CreateAS() (*AS, defs.Err_t) {
	root, ok := v.alloc.AllocOne()
	if !ok {
		return nil, defs.ENOMEM
	}
	t := viewTable(v.alloc, root)
	for i := range t {
		t[i] = 0
	}
	kt := viewTable(v.alloc, v.kernelRoot)
	for i := kernelHalfStart; i < entriesPerTable; i++ {
		t[i] = kt[i]
	}

	v.mu.Lock()
	v.nextASID++
	asid := v.nextASID
	v.mu.Unlock()

	return &AS{Root: root, ASID: defs.ASID(asid), vmm: v}, 0
}

// DestroyAS frees every present user-half mapping and the intermediate
// page-table frames that reach them, bottom-up, leaving the kernel
// half (shared by reference) untouched, per spec.md §4.2's address-
// space-destruction algorithm.
func (v *VMM) DestroyAS(as *AS) {
	as.mu.Lock()
	defer as.mu.Unlock()

	root := viewTable(v.alloc, as.Root)
	for i := 0; i < kernelHalfStart; i++ {
		e := root[i]
		if !e.present() {
			continue
		}
		v.destroySubtree(e.frame(), 3)
		root[i] = 0
	}
	v.alloc.Free(as.Root)
	as.mappings.clear()
}

// destroySubtree walks a PDPT (level 3), PD (level 2), or PT (level 1)
// table, freeing every present leaf frame (decrementing its refcount,
// freeing it at zero, per spec.md §8 property 1) and then the table
// frame itself.
func (v *VMM) destroySubtree(f mem.Frame, level int) {
	t := viewTable(v.alloc, f)
	for i := range t {
		e := t[i]
		if !e.present() {
			continue
		}
		switch {
		case level == 1:
			v.alloc.Free(e.frame())
		case level == 2 && e&ptePS != 0:
			v.alloc.FreeContig(e.frame(), entriesPerTable)
		default:
			v.destroySubtree(e.frame(), level-1)
		}
		t[i] = 0
	}
	v.alloc.Free(f)
}

// MapOne installs a single 4 KiB translation at vaddr, backed by phys,
// with the given permission. Map takes ownership of one reference on
// phys: the caller must have obtained it via the Frame Allocator and
// must not free it separately — Unmap/DestroyAS will release it.
func (v *VMM) MapOne(as *AS, vaddr uintptr, phys mem.Frame, perm Perm, user bool) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()
	return v.mapOneLocked(as, vaddr, phys, perm, user)
}

func (v *VMM) mapOneLocked(as *AS, vaddr uintptr, phys mem.Frame, perm Perm, user bool) defs.Err_t {
	res, ok := v.walk(as.Root, vaddr, true)
	if !ok {
		v.rollbackCreated(res.created)
		return defs.ENOMEM
	}
	if res.leaf.present() {
		v.alloc.Free(res.leaf.frame())
	}
	*res.leaf = mkPTE(phys, permToPTE(perm, user))
	return 0
}

// Map installs translations for every page in [start,end), backed by
// consecutive frames starting at physBase, rolling back every page
// installed so far plus any newly allocated (now-empty) page-table
// frames on OOM, per spec.md §4.2's failure semantics.
func (v *VMM) Map(as *AS, start, end uintptr, physBase mem.Frame, perm Perm, user bool) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()

	pgs := int((end - start) / mem.PageSize)
	for i := 0; i < pgs; i++ {
		va := start + uintptr(i)*mem.PageSize
		f := physBase + mem.Frame(i)
		if err := v.mapOneLocked(as, va, f, perm, user); err != 0 {
			for j := 0; j < i; j++ {
				v.unmapOneLocked(as, start+uintptr(j)*mem.PageSize, v.alloc.Free)
			}
			return err
		}
	}
	as.Tlbshoot(start, pgs)
	return 0
}

func (v *VMM) rollbackCreated(created []mem.Frame) {
	for i := len(created) - 1; i >= 0; i-- {
		v.freeEmptyTable(created[i])
	}
}

// Unmap clears every present translation in [start,end). It is
// idempotent and never fails (spec.md §4.2, §8 property 6). Freed
// frames go straight back to the global allocator; UnmapCPU is the
// per-CPU-cached equivalent.
func (v *VMM) Unmap(as *AS, start, end uintptr) defs.Err_t {
	return v.unmap(as, start, end, v.alloc.Free)
}

// UnmapCPU is Unmap's fast-path counterpart: every freed frame is
// returned to cpu's per-CPU free-list cache (SPEC_FULL.md §12) instead
// of the global bitmap directly, the other half of MmapAllocCPU's fast
// path.
func (v *VMM) UnmapCPU(as *AS, start, end uintptr, cpu int) defs.Err_t {
	return v.unmap(as, start, end, func(f mem.Frame) { v.alloc.FreeCPU(f, cpu) })
}

func (v *VMM) unmap(as *AS, start, end uintptr, freeFrame func(mem.Frame)) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()
	pgs := 0
	for va := start; va < end; va += mem.PageSize {
		if v.unmapOneLocked(as, va, freeFrame) {
			pgs++
		}
	}
	as.Tlbshoot(start, pgs)
	return 0
}

func (v *VMM) unmapOneLocked(as *AS, vaddr uintptr, freeFrame func(mem.Frame)) bool {
	res, ok := v.walk(as.Root, vaddr, false)
	if !ok || res.leaf == nil || !res.leaf.present() {
		return false
	}
	freeFrame(res.leaf.frame())
	*res.leaf = 0
	return true
}

// Translate returns the physical frame vaddr currently maps to, if
// any.
func (v *VMM) Translate(as *AS, vaddr uintptr) (mem.Frame, bool) {
	as.LockPmap()
	defer as.UnlockPmap()
	res, ok := v.walk(as.Root, vaddr, false)
	if !ok || res.leaf == nil || !res.leaf.present() {
		return 0, false
	}
	return res.leaf.frame(), true
}

// MarkCOW converts the present, writable translation at vaddr into a
// copy-on-write one: it clears the writable bit, sets the software COW
// bit, and increments the frame's reference count, per spec.md §4.2's
// mark_cow algorithm.
func (v *VMM) MarkCOW(as *AS, vaddr uintptr) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()
	res, ok := v.walk(as.Root, vaddr, false)
	if !ok || res.leaf == nil || !res.leaf.present() {
		return defs.EFAULT
	}
	pte := *res.leaf
	*res.leaf = (pte &^ pteW) | pteCOW
	v.alloc.Ref(pte.frame())
	return 0
}

// HandleCOWFault resolves a write fault against a COW-marked page, per
// spec.md §4.2 and §8 universal property 8. Any other fault shape
// (no COW bit set) is fatal for the faulting thread; the caller (the
// trap dispatcher / scall layer) is responsible for escalating that to
// defs.EFATAL and killing the thread.
func (v *VMM) HandleCOWFault(as *AS, vaddr uintptr) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()

	res, ok := v.walk(as.Root, vaddr, false)
	if !ok || res.leaf == nil || !res.leaf.present() {
		return defs.EFATAL
	}
	pte := *res.leaf
	if pte&pteCOW == 0 {
		return defs.EFATAL
	}
	frame := pte.frame()

	if v.alloc.Refcount(frame) == 1 {
		*res.leaf = (pte &^ pteCOW) | pteW
		as.Tlbshoot(vaddr, 1)
		return 0
	}

	newFrame, ok := v.alloc.AllocOne()
	if !ok {
		return defs.ENOMEM
	}
	copy(v.alloc.Dmap(newFrame), v.alloc.Dmap(frame))
	v.alloc.Free(frame) // drop the shared frame's reference

	flags := pte &^ pteAddrMask &^ pteCOW &^ pteP
	flags |= pteW
	*res.leaf = mkPTE(newFrame, flags)
	as.Tlbshoot(vaddr, 1)
	return 0
}

// mapCOWNoRef installs vaddr in as pointing at frame with the COW bit
// set and the writable bit clear, without taking an additional frame
// reference — used by ForkCOW's child side, where MarkCOW on the
// parent side already reserved the one reference this new shared
// mapping needs (mirroring how TestCOWSharedCopy shares a frame into a
// second AS via a plain MapOne consuming mark_cow's reserved ref).
func (v *VMM) mapCOWNoRef(as *AS, vaddr uintptr, frame mem.Frame, perm Perm, user bool) defs.Err_t {
	as.LockPmap()
	defer as.UnlockPmap()
	res, ok := v.walk(as.Root, vaddr, true)
	if !ok {
		v.rollbackCreated(res.created)
		return defs.ENOMEM
	}
	if res.leaf.present() {
		v.alloc.Free(res.leaf.frame())
	}
	flags := (permToPTE(perm, user) &^ pteW) | pteCOW
	*res.leaf = mkPTE(frame, flags)
	return 0
}

// ForkCOW builds a child address space sharing every present page that
// lies inside one of parent's Mappings copy-on-write (SPEC_FULL.md §14 decision 1: fork is
// COW, not an eager copy). Writable mappings are marked COW in the
// parent (reserving the frame's extra reference, per spec.md §4.2's
// mark_cow algorithm) and installed COW in the child from the same
// reservation; already-read-only mappings are simply shared with an
// explicit extra reference, since there is nothing to make copy-on-
// write about.
func (v *VMM) ForkCOW(parent *AS) (*AS, defs.Err_t) {
	child, err := v.CreateAS()
	if err != 0 {
		return nil, err
	}

	for _, m := range parent.Mappings() {
		cm := &Mapping{Start: m.Start, End: m.End, Perm: m.Perm, Kind: m.Kind}
		child.mu.Lock()
		child.mappings.insert(cm)
		child.mu.Unlock()

		for va := m.Start; va < m.End; va += mem.PageSize {
			frame, ok := v.Translate(parent, va)
			if !ok {
				continue
			}
			perm := m.effectivePerm(va)
			if perm&PermW != 0 {
				if err := v.MarkCOW(parent, va); err != 0 {
					v.DestroyAS(child)
					return nil, err
				}
				if err := v.mapCOWNoRef(child, va, frame, perm, true); err != 0 {
					v.DestroyAS(child)
					return nil, err
				}
				continue
			}
			v.alloc.Ref(frame)
			if err := v.MapOne(child, va, frame, perm, true); err != 0 {
				v.alloc.Free(frame)
				v.DestroyAS(child)
				return nil, err
			}
		}
	}
	return child, 0
}

// SwitchTo is the hosted equivalent of installing as.Root into cr3 on
// cpu. There is no real MMU here, so instead of actually loading
// translations it marks every frame as currently mapped in the AS
// resident on cpu (SPEC_FULL.md §12's per-frame CPU-residency mask),
// which is what Tlbshoot later consults to decide between a fast-path
// single-CPU invalidation and a cross-CPU broadcast.
func (v *VMM) SwitchTo(as *AS, cpu int) {
	as.mu.Lock()
	var frames []mem.Frame
	var collect func(f mem.Frame, level int)
	collect = func(f mem.Frame, level int) {
		for _, e := range viewTable(v.alloc, f) {
			switch {
			case !e.present():
			case level == 1, level == 2 && e&ptePS != 0:
				frames = append(frames, e.frame())
			default:
				collect(e.frame(), level-1)
			}
		}
	}
	root := viewTable(v.alloc, as.Root)
	for i := 0; i < kernelHalfStart; i++ {
		if root[i].present() {
			collect(root[i].frame(), 3)
		}
	}
	as.mu.Unlock()

	for _, f := range frames {
		v.alloc.MarkResident(f, cpu)
	}
}

// FlushOne/FlushAll mirror the teacher's explicit TLB-maintenance
// calls; hosted, they only update the shootdown counters.
func (v *VMM) FlushOne(vaddr uintptr) { v.recordShootdown(1) }
func (v *VMM) FlushAll()              { v.recordShootdown(int(entriesPerTable) * entriesPerTable) }
