package kheap

import (
	"sync"
	"unsafe"

	"microkernel/defs"
	"microkernel/mem"
	"microkernel/util"
)

// fallbackMagic tags a live block header for the corruption/double-free
// check spec.md §4.3 calls for: "Block headers carry size, free flag,
// forward/back links, and a magic number for double-free and
// corruption detection."
const fallbackMagic = 0xB16B00B5

// blockHeader is overlaid directly onto the backing arena via
// unsafe.Pointer, the same technique the teacher uses to reinterpret
// raw memory as a typed struct (pagetable.go's viewTable). PrevAdj and
// NextAdj are byte offsets (within the owning chunk) of the physically
// adjacent blocks, -1 at a chunk boundary; they exist purely to make
// coalescing an O(1) pointer fixup instead of a rescan.
type blockHeader struct {
	Size    int64
	Free    int32
	Magic   uint32
	PrevAdj int64
	NextAdj int64
}

var headerSize = int(unsafe.Sizeof(blockHeader{}))

// minBlockPayload is the smallest payload worth splitting off as its
// own free block; remainders below this stay attached to the block
// being carved instead of creating slivers.
const minBlockPayload = 8

func headerAt(raw []byte, off int64) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(&raw[off]))
}


// fallbackChunk is one contiguous physical run backing the fallback
// allocator; new chunks are added on demand (spec.md doesn't bound the
// fallback arena's size, only its block-header shape).
type fallbackChunk struct {
	raw  []byte
	base uintptr
}

// fallback is the first-fit-with-coalescing allocator for requests
// larger than the largest slab class (spec.md §4.3). It owns a single
// spinlock, per spec.md: "the fallback allocator has a single
// spinlock."
type fallback struct {
	mu            sync.Mutex
	alloc         *mem.Allocator
	chunks        []*fallbackChunk
	minChunkPages int
}

func newFallback(alloc *mem.Allocator, minChunkPages int) *fallback {
	return &fallback{alloc: alloc, minChunkPages: minChunkPages}
}

func (f *fallback) growChunk(minBytes int) *fallbackChunk {
	pages := f.minChunkPages
	need := (minBytes + mem.PageSize - 1) / mem.PageSize
	if need > pages {
		pages = need
	}
	base, ok := f.alloc.AllocContig(pages)
	if !ok {
		return nil
	}
	raw := f.alloc.DmapRange(base, pages)
	h := headerAt(raw, 0)
	*h = blockHeader{Size: int64(len(raw)), Free: 1, Magic: fallbackMagic, PrevAdj: -1, NextAdj: -1}
	c := &fallbackChunk{raw: raw, base: uintptr(unsafe.Pointer(&raw[0]))}
	f.chunks = append(f.chunks, c)
	return c
}

// alloc_ returns a pointer to a size-byte payload, growing the arena
// with a fresh contiguous chunk if no existing free block fits.
func (f *fallback) alloc_(size int) (uintptr, defs.Err_t) {
	f.mu.Lock()
	defer f.mu.Unlock()

	need := int64(headerSize + util.Roundup(size, 8))

	for {
		for _, c := range f.chunks {
			if addr, ok := f.tryAllocIn(c, need); ok {
				return addr, 0
			}
		}
		if f.growChunk(int(need)) == nil {
			return 0, defs.ENOMEM
		}
	}
}

// tryAllocIn walks c's physical chain looking for the first free block
// of sufficient size (spec.md's "first-fit"), splitting off the
// remainder when it is large enough to be useful on its own.
func (f *fallback) tryAllocIn(c *fallbackChunk, need int64) (uintptr, bool) {
	off := int64(0)
	for {
		h := headerAt(c.raw, off)
		if h.Free != 0 && h.Size >= need {
			remain := h.Size - need
			if remain >= int64(headerSize+minBlockPayload) {
				newOff := off + need
				nh := headerAt(c.raw, newOff)
				*nh = blockHeader{Size: remain, Free: 1, Magic: fallbackMagic, PrevAdj: off, NextAdj: h.NextAdj}
				if h.NextAdj >= 0 {
					headerAt(c.raw, h.NextAdj).PrevAdj = newOff
				}
				h.Size = need
				h.NextAdj = newOff
			}
			h.Free = 0
			return c.base + uintptr(off) + uintptr(headerSize), true
		}
		if h.NextAdj < 0 {
			return 0, false
		}
		off = h.NextAdj
	}
}

// locate finds the chunk and header offset of the block whose payload
// begins at addr.
func (f *fallback) locate(addr uintptr) (*fallbackChunk, int64, bool) {
	for _, c := range f.chunks {
		lo, hi := c.base, c.base+uintptr(len(c.raw))
		if addr > lo && addr <= hi {
			off := int64(addr-c.base) - int64(headerSize)
			if off >= 0 && off < int64(len(c.raw)) {
				return c, off, true
			}
		}
	}
	return nil, 0, false
}

// hasMagic is the first step of kfree's free-path identification
// (spec.md §4.3): "first checks the fallback header magic at
// p - header_size; on match, runs fallback free."
func (f *fallback) hasMagic(addr uintptr) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, off, ok := f.locate(addr)
	if !ok {
		return false
	}
	return headerAt(c.raw, off).Magic == fallbackMagic
}

// free_ releases the block at addr, coalescing with both physically
// adjacent neighbors when they are also free.
func (f *fallback) free_(addr uintptr) defs.Err_t {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, off, ok := f.locate(addr)
	if !ok {
		return defs.EINVAL
	}
	h := headerAt(c.raw, off)
	if h.Magic != fallbackMagic {
		return defs.EINVAL
	}
	if h.Free != 0 {
		return defs.EINVAL // double free
	}
	h.Free = 1

	if h.NextAdj >= 0 {
		nh := headerAt(c.raw, h.NextAdj)
		if nh.Free != 0 {
			h.Size += nh.Size
			h.NextAdj = nh.NextAdj
			if nh.NextAdj >= 0 {
				headerAt(c.raw, nh.NextAdj).PrevAdj = off
			}
		}
	}
	if h.PrevAdj >= 0 {
		ph := headerAt(c.raw, h.PrevAdj)
		if ph.Free != 0 {
			ph.Size += h.Size
			ph.NextAdj = h.NextAdj
			if h.NextAdj >= 0 {
				headerAt(c.raw, h.NextAdj).PrevAdj = h.PrevAdj
			}
		}
	}
	return 0
}
