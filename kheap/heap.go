// Package kheap implements the Kernel Heap (KH) from spec.md §4.3: a
// slab layer for allocations up to 4 KiB and a first-fit-with-
// coalescing fallback for everything larger, grounded on the teacher's
// two-tier allocator shape (mem/pgcache-style slab pages, a separate
// big-block path) but reworked around the classes and free-path
// identification algorithm spec.md specifies. It runs atop mem.Allocator
// (the Frame Allocator) since the kernel heap lives entirely in the
// direct map and never needs its own page-table entries.
package kheap

import (
	"unsafe"

	"microkernel/defs"
	"microkernel/klog"
	"microkernel/mem"
	"microkernel/rescap"
)

// fallbackChunkPages is the minimum contiguous run requested each time
// the fallback allocator grows, chosen to keep chunk growth infrequent
// for typical kernel-side allocation sizes.
const fallbackChunkPages = 16

// Heap is the Kernel Heap: ten slab classes plus the fallback
// allocator, sharing one Frame Allocator and one admission-control
// budget (spec.md §4.3, SPEC_FULL.md §11).
type Heap struct {
	alloc    *mem.Allocator
	log      klog.Sink
	limits   *rescap.Limits
	classes  [numClasses]*slabClass
	reg      *pageRegistry
	fallback *fallback
}

// New constructs a Heap over the given Frame Allocator. limits may be
// nil, in which case heap growth is unbounded (tests).
func New(alloc *mem.Allocator, limits *rescap.Limits, log klog.Sink) *Heap {
	if log == nil {
		log = klog.Discard
	}
	h := &Heap{alloc: alloc, log: log, limits: limits, reg: newPageRegistry()}
	for i := 0; i < numClasses; i++ {
		h.classes[i] = newSlabClass(i, h.reg)
	}
	h.fallback = newFallback(alloc, fallbackChunkPages)
	return h
}

// classFor returns the index of the smallest class able to hold size
// bytes, or -1 if size exceeds the largest class (spec.md §4.3:
// "Requests larger than the largest slab size fall to" the fallback).
func classFor(size int) int {
	for i, c := range classSizes[:numClasses] {
		if size <= c {
			return i
		}
	}
	return -1
}

// ClassStat reports one slab class's occupancy for diagnostics
// (kdebug, kstat): the object size, how many objects a page of this
// class holds, and how many pages currently back it.
type ClassStat struct {
	ObjSize  int
	PerPage  int
	Pages    int
	FreeObjs int
}

// Stats snapshots every slab class's occupancy. It is read without the
// classes' own spinlocks held across the whole call, so it is an
// approximation under concurrent allocation — acceptable for an
// operator-facing report (SPEC_FULL.md §11's kstat wiring).
func (h *Heap) Stats() [numClasses]ClassStat {
	var out [numClasses]ClassStat
	for i, c := range h.classes {
		c.mu.Lock()
		pages, free := 0, 0
		for p := c.partial; p != nil; p = p.next {
			pages++
			free += p.freeCount
		}
		for p := c.full; p != nil; p = p.next {
			pages++
			free += p.freeCount
		}
		out[i] = ClassStat{ObjSize: c.size, PerPage: mem.PageSize / c.size, Pages: pages, FreeObjs: free}
		c.mu.Unlock()
	}
	return out
}

func (h *Heap) takeBudget(n int64) bool {
	if h.limits == nil {
		return true
	}
	return h.limits.Take(rescap.TagHeapGrow, n)
}

func (h *Heap) giveBudget(n int64) {
	if h.limits != nil {
		h.limits.Give(rescap.TagHeapGrow, n)
	}
}

// Kalloc allocates size bytes and returns the kernel address of the
// object, per spec.md §4.3's two-layer dispatch.
func (h *Heap) Kalloc(size int) (uintptr, defs.Err_t) {
	if size <= 0 {
		return 0, defs.EINVAL
	}
	if !h.takeBudget(int64(size)) {
		return 0, defs.ENOHEAP
	}

	idx := classFor(size)
	if idx < 0 {
		addr, err := h.fallback.alloc_(size)
		if err != 0 {
			h.giveBudget(int64(size))
			return 0, err
		}
		return addr, 0
	}

	addr, ok := h.classes[idx].alloc(h.alloc)
	if !ok {
		h.giveBudget(int64(size))
		return 0, defs.ENOMEM
	}
	return addr, 0
}

// Kfree releases a previously allocated object. The free-path
// identification runs exactly as spec.md §4.3 describes: try the
// fallback header magic first, then search the slab classes by
// base-address comparison, otherwise report an invalid free.
func (h *Heap) Kfree(addr uintptr, size int) defs.Err_t {
	if addr == 0 {
		return defs.EINVAL
	}

	if h.fallback.hasMagic(addr) {
		if err := h.fallback.free_(addr); err != 0 {
			return err
		}
		h.giveBudget(int64(size))
		return 0
	}

	if p, ok := h.reg.find(addr); ok {
		if !h.classes[p.classIdx].freePage(p, addr) {
			return defs.EINVAL
		}
		h.giveBudget(int64(size))
		return 0
	}

	h.log.Errorf("kheap: invalid free at %#x", addr)
	return defs.EINVAL
}

// Bytes returns a Go byte slice view over n bytes at addr, for callers
// (kalloc users throughout kern/proc/ipc) that need to read or write
// through a kernel-heap pointer without their own unsafe casts.
func Bytes(addr uintptr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), n)
}
