// Package mem implements the Frame Allocator (FA) from spec.md §4.1 and
// the direct physical map it backs for the VMM (spec.md §4.2). It is
// grounded on the teacher's mem.Physmem_t/mem.Phys_init (bitmap +
// per-frame refcount, rotating-cursor single-frame allocation,
// per-frame free) but runs hosted: physical RAM is a simulated byte
// arena instead of real DRAM reached through a forked Go runtime, and
// the "direct map" (spec.md §4.2, §6) is simply a slice view into that
// arena rather than a recursive page-table walk.
package mem

import (
	"sync"

	"microkernel/klog"
	"microkernel/util"
)

// PageShift/PageSize are the numeric constants fixed by spec.md §6.
const (
	PageShift = 12
	PageSize  = 1 << PageShift
	PageMask  = PageSize - 1
)

// Frame identifies a physical page by its page-frame number (physical
// address / PageSize), per spec.md §3 ("Frame").
type Frame uint64

// Addr returns the physical address of the frame's first byte.
func (f Frame) Addr() uint64 { return uint64(f) << PageShift }

// RegionKind classifies a boot memory-map entry (spec.md §6).
type RegionKind int

const (
	Conventional RegionKind = iota
	Reserved
	ACPI
	MMIO
)

// Region is one entry of the boot memory map consumed from spec.md §6.
type Region struct {
	Base   uint64
	Length uint64
	Kind   RegionKind
}

// reservedLowWatermark is the "reserved low" boundary below which
// frames are permanently allocated (spec.md §4.1); it matches the
// teacher's convention of reserving the low megabyte for real-mode and
// bootstrap structures.
const reservedLowWatermark = 1 << 20 // 1 MiB

// lowZone2M and lowZone128M bound the alloc_one_low fast range (spec.md §4.1: "scans
// the [2 MiB, 128 MiB) range first").
const (
	lowZone2M   = 2 << 20
	lowZone128M = 128 << 20
)

// Allocator is the Frame Allocator: a dense allocation bitmap sized to
// the highest usable physical address, a per-frame refcount array, and
// a rotating allocation cursor for O(1) amortized single-frame
// allocation with good locality (spec.md §4.1).
type Allocator struct {
	mu sync.Mutex

	log klog.Sink

	startFrame Frame  // lowest frame number this allocator covers
	nframes    uint32 // number of frames covered
	bitmap     []uint64
	refcount   []uint16
	reserved   []bool // permanently-allocated frames (kernel image, low mem)

	// cpumask records, per frame, which CPUs may hold a TLB entry for
	// it (SPEC_FULL.md §12's per-frame CPU-residency mask, grounded on
	// the teacher's mem.Physpg_t.Cpumask). Bit i set means CPU i may
	// still have this frame loaded; vm.AS.Tlbshoot consults it to
	// decide between a single-CPU fast path and a cross-CPU broadcast.
	cpumask []uint64

	cursor  uint32
	free    int64
	used    int64

	arena []byte // simulated physical RAM backing the direct map

	lowZoneStart uint32 // frame index of 1 MiB
	lowZone2M    uint32 // frame index of 2 MiB
	lowZone128M  uint32 // frame index of 128 MiB

	percpuMu sync.Mutex
	percpu   map[int]*percpuFreeList
}

// percpuFreeListCap bounds how many frames a single CPU's fast-path
// cache holds before AllocOneCPU stops refilling and FreeCPU starts
// spilling back to the global bitmap.
const percpuFreeListCap = 32

// percpuFreeList is one CPU's small cache of already-allocated frames
// sitting in front of the global bitmap — spec.md §4.1's "O(1)
// amortized allocation with good locality," grounded on the teacher's
// pcpuphys_t (SPEC_FULL.md §12). A cached frame stays marked allocated
// in the bitmap the whole time; only the cache itself tracks that it
// is momentarily unused.
type percpuFreeList struct {
	mu   sync.Mutex
	free []Frame
}

// NewAllocator builds an Allocator from the boot memory map and the
// kernel's own loaded physical range. Only CONVENTIONAL regions are
// allocatable; the loaded kernel range and every frame below
// reservedLowWatermark (1 MiB) are reserved. Frames in [1 MiB, 2 MiB)
// stay allocatable and are AllocOneLow's fallback range.
func NewAllocator(regions []Region, kernelBase, kernelLen uint64, log klog.Sink) *Allocator {
	if log == nil {
		log = klog.Discard
	}
	var highest uint64
	for _, r := range regions {
		if r.Kind != Conventional {
			continue
		}
		if end := r.Base + r.Length; end > highest {
			highest = end
		}
	}
	nframes := uint32(util.Roundup(highest, uint64(PageSize)) / PageSize)
	a := &Allocator{
		log:        log,
		startFrame: 0,
		nframes:    nframes,
		bitmap:     make([]uint64, (nframes+63)/64),
		refcount:   make([]uint16, nframes),
		reserved:   make([]bool, nframes),
		cpumask:    make([]uint64, nframes),
		arena:      make([]byte, uint64(nframes)*PageSize),
	}
	a.lowZoneStart = uint32(reservedLowWatermark / PageSize)
	a.lowZone2M = uint32(lowZone2M / PageSize)
	a.lowZone128M = uint32(lowZone128M / PageSize)

	// Everything starts allocated; CONVENTIONAL regions above the low
	// watermark are released into the free pool.
	for i := uint32(0); i < nframes; i++ {
		a.setBit(i, true)
	}
	a.used = int64(nframes)

	for _, r := range regions {
		if r.Kind != Conventional {
			continue
		}
		start := uint32(r.Base / PageSize)
		end := uint32((r.Base + r.Length) / PageSize)
		for f := start; f < end && f < nframes; f++ {
			if f < a.lowZoneStart {
				continue // permanently reserved low memory
			}
			a.release(f)
		}
	}

	// Reserve the kernel's own loaded image.
	kstart := uint32(kernelBase / PageSize)
	kendAddr := kernelBase + kernelLen
	kend := uint32((kendAddr + PageSize - 1) / PageSize)
	for f := kstart; f < kend && f < nframes; f++ {
		if !a.bitAllocated(f) {
			a.setBit(f, true)
			a.free--
			a.used++
		}
		a.reserved[f] = true
	}
	for f := uint32(0); f < a.lowZoneStart && f < nframes; f++ {
		a.reserved[f] = true
	}

	return a
}

func (a *Allocator) setBit(f uint32, v bool) {
	word := f / 64
	bit := uint64(1) << (f % 64)
	if v {
		a.bitmap[word] |= bit
	} else {
		a.bitmap[word] &^= bit
	}
}

func (a *Allocator) bitAllocated(f uint32) bool {
	word := f / 64
	bit := uint64(1) << (f % 64)
	return a.bitmap[word]&bit != 0
}

// release marks a frame free at init time, before the allocator is
// handed out; it does not take the lock.
func (a *Allocator) release(f uint32) {
	if a.bitAllocated(f) {
		a.setBit(f, false)
		a.refcount[f] = 0
		a.free++
		a.used--
	}
}

// findFree returns the index of a clear bit starting at cursor,
// scanning forward with wraparound; it reports false if none exists.
func (a *Allocator) findFree(from uint32) (uint32, bool) {
	n := a.nframes
	if n == 0 {
		return 0, false
	}
	for i := uint32(0); i < n; i++ {
		f := (from + i) % n
		if !a.bitAllocated(f) {
			return f, true
		}
	}
	return 0, false
}

func (a *Allocator) findFreeIn(lo, hi uint32) (uint32, bool) {
	if hi > a.nframes {
		hi = a.nframes
	}
	for f := lo; f < hi; f++ {
		if !a.bitAllocated(f) {
			return f, true
		}
	}
	return 0, false
}

func (a *Allocator) take(f uint32) Frame {
	a.setBit(f, true)
	a.refcount[f] = 1
	a.cpumask[f] = 0
	a.free--
	a.used++
	a.cursor = f + 1
	return Frame(f) + a.startFrame
}

// AllocOne allocates a single frame using the rotating cursor for O(1)
// amortized cost with good locality (spec.md §4.1). ok is false on
// out-of-memory; AllocOne never panics.
func (a *Allocator) AllocOne() (frame Frame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, found := a.findFree(a.cursor)
	if !found {
		return 0, false
	}
	return a.take(f), true
}

// AllocOneLow allocates a frame below 128 MiB, as required for
// page-table pages that must be reachable through the direct map
// before it is fully installed (spec.md §4.1, §4.2). It scans
// [2 MiB, 128 MiB) first and falls back to [1 MiB, 2 MiB).
func (a *Allocator) AllocOneLow() (frame Frame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if f, found := a.findFreeIn(a.lowZone2M, a.lowZone128M); found {
		return a.take(f), true
	}
	if f, found := a.findFreeIn(a.lowZoneStart, a.lowZone2M); found {
		return a.take(f), true
	}
	return 0, false
}

func (a *Allocator) percpuFor(cpu int) *percpuFreeList {
	a.percpuMu.Lock()
	defer a.percpuMu.Unlock()
	if a.percpu == nil {
		a.percpu = make(map[int]*percpuFreeList)
	}
	pc, ok := a.percpu[cpu]
	if !ok {
		pc = &percpuFreeList{}
		a.percpu[cpu] = pc
	}
	return pc
}

// AllocOneCPU is AllocOne's fast path: it first tries cpu's own
// free-list cache, avoiding the global bitmap scan and its lock
// entirely on a cache hit. On a miss it refills the cache with a
// batch pulled off the global allocator and returns one frame from it
// (SPEC_FULL.md §12, grounded on the teacher's pcpuphys_t).
func (a *Allocator) AllocOneCPU(cpu int) (Frame, bool) {
	pc := a.percpuFor(cpu)

	pc.mu.Lock()
	if n := len(pc.free); n > 0 {
		f := pc.free[n-1]
		pc.free = pc.free[:n-1]
		pc.mu.Unlock()
		return f, true
	}
	pc.mu.Unlock()

	batch := make([]Frame, 0, percpuFreeListCap/2)
	for len(batch) < cap(batch) {
		f, ok := a.AllocOne()
		if !ok {
			break
		}
		batch = append(batch, f)
	}
	if len(batch) == 0 {
		return 0, false
	}

	first := batch[0]
	if rest := batch[1:]; len(rest) > 0 {
		pc.mu.Lock()
		pc.free = append(pc.free, rest...)
		pc.mu.Unlock()
	}
	return first, true
}

// FreeCPU is Free's fast path: it returns f to cpu's free-list cache
// instead of the global bitmap, so a subsequent AllocOneCPU on the
// same CPU can reuse it without touching the global lock. Once the
// cache is full, frames spill back through the ordinary global Free.
func (a *Allocator) FreeCPU(f Frame, cpu int) {
	pc := a.percpuFor(cpu)
	pc.mu.Lock()
	if len(pc.free) < percpuFreeListCap {
		pc.free = append(pc.free, f)
		pc.mu.Unlock()
		return
	}
	pc.mu.Unlock()
	a.Free(f)
}

// AllocContig allocates the first free run of n contiguous frames.
func (a *Allocator) AllocContig(n int) (base Frame, ok bool) {
	if n <= 0 {
		panic("mem: AllocContig needs n>0")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	run := 0
	var start uint32
	for f := uint32(0); f < a.nframes; f++ {
		if a.bitAllocated(f) {
			run = 0
			continue
		}
		if run == 0 {
			start = f
		}
		run++
		if run == n {
			for i := uint32(0); i < uint32(n); i++ {
				a.setBit(start+i, true)
				a.refcount[start+i] = 1
				a.cpumask[start+i] = 0
			}
			a.free -= int64(n)
			a.used += int64(n)
			a.cursor = start + uint32(n)
			return Frame(start) + a.startFrame, true
		}
	}
	return 0, false
}

// Free releases a single frame. Double-free and out-of-range/unaligned
// frames are detected, logged, and otherwise ignored — Free never
// panics and is idempotent on a double free (spec.md §4.1).
func (a *Allocator) Free(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeOne(f)
}

func (a *Allocator) freeOne(f Frame) {
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes {
		a.log.Errorf("mem: free of out-of-range frame %d", f)
		return
	}
	if a.reserved[idx] {
		a.log.Errorf("mem: free of permanently-reserved frame %d", f)
		return
	}
	if !a.bitAllocated(idx) {
		a.log.Errorf("mem: double free of frame %d", f)
		return
	}
	c := a.refcount[idx]
	if c > 1 {
		a.refcount[idx] = c - 1
		return
	}
	a.refcount[idx] = 0
	a.cpumask[idx] = 0
	a.setBit(idx, false)
	a.free++
	a.used--
	if a.free < 0 {
		panic("mem: free_count went negative")
	}
}

// FreeContig frees n frames starting at base.
func (a *Allocator) FreeContig(base Frame, n int) {
	for i := 0; i < n; i++ {
		a.Free(base + Frame(i))
	}
}

// Ref increments the reference count of a frame, used when a frame
// becomes shared via COW (spec.md §3, §4.2).
func (a *Allocator) Ref(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes || !a.bitAllocated(idx) {
		a.log.Errorf("mem: ref of unallocated frame %d", f)
		return
	}
	a.refcount[idx]++
}

// Refcount returns the current reference count of a frame (0 if free).
func (a *Allocator) Refcount(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes {
		return 0
	}
	return int(a.refcount[idx])
}

// MarkResident records that cpu may hold a TLB entry for frame f,
// called by vm.VMM.SwitchTo when an AS starts running on cpu (spec.md
// §12's per-frame CPU-residency mask). cpu must be below 64.
func (a *Allocator) MarkResident(f Frame, cpu int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes {
		return
	}
	a.cpumask[idx] |= 1 << uint(cpu)
}

// ResidentCPUs reports the current CPU-residency mask for frame f.
func (a *Allocator) ResidentCPUs(f Frame) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes {
		return 0
	}
	return a.cpumask[idx]
}

// ClearResident drops frame f's residency mask to empty, called once a
// shootdown has invalidated every CPU's TLB entry for it.
func (a *Allocator) ClearResident(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f - a.startFrame)
	if idx >= a.nframes {
		return
	}
	a.cpumask[idx] = 0
}

// Counts reports (free, used) frame totals; their sum is constant
// after Init (spec.md §4.1 invariant).
func (a *Allocator) Counts() (free, used int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.free, a.used
}

// Dmap returns the direct-mapped byte slice backing physical frame f,
// the hosted equivalent of the teacher's Physmem.Dmap: any physical
// address is reachable without walking page tables (spec.md §4.2, §6).
func (a *Allocator) Dmap(f Frame) []byte {
	off := f.Addr()
	return a.arena[off : off+PageSize]
}

// DmapAddr is like Dmap but addresses an arbitrary byte offset, not
// necessarily page-aligned, mirroring Dmap8 in the teacher.
func (a *Allocator) DmapAddr(addr uint64, n int) []byte {
	return a.arena[addr : addr+uint64(n)]
}

// DmapRange returns the direct-mapped byte slice spanning n physically
// contiguous frames starting at base, for callers (kheap's fallback
// allocator) that obtained the range via AllocContig.
func (a *Allocator) DmapRange(base Frame, n int) []byte {
	off := base.Addr()
	return a.arena[off : off+uint64(n)*PageSize]
}

// NumFrames reports how many frames this allocator covers.
func (a *Allocator) NumFrames() uint32 { return a.nframes }
