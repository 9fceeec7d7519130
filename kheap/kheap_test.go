package kheap

import (
	"testing"

	"microkernel/mem"
)

func newTestHeap(t *testing.T) (*mem.Allocator, *Heap) {
	t.Helper()
	regions := []mem.Region{{Base: 0, Length: 64 << 20, Kind: mem.Conventional}}
	alloc := mem.NewAllocator(regions, 0, 0, nil)
	return alloc, New(alloc, nil, nil)
}

func TestSlabAllocFreeRoundTrip(t *testing.T) {
	_, h := newTestHeap(t)

	addr, err := h.Kalloc(24)
	if err != 0 {
		t.Fatalf("kalloc: %v", err)
	}
	buf := Bytes(addr, 24)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := h.Kfree(addr, 24); err != 0 {
		t.Fatalf("kfree: %v", err)
	}
}

func TestSlabClassPacksMultipleObjectsPerPage(t *testing.T) {
	_, h := newTestHeap(t)
	var addrs []uintptr
	for i := 0; i < 10; i++ {
		a, err := h.Kalloc(16)
		if err != 0 {
			t.Fatalf("kalloc %d: %v", i, err)
		}
		addrs = append(addrs, a)
	}
	// All ten 16-byte objects should fit in the first page (256 per
	// 4 KiB page): every address must fall within one page's span of
	// the first, and all must be distinct.
	seen := make(map[uintptr]bool, len(addrs))
	for i, a := range addrs {
		if seen[a] {
			t.Fatalf("object %d reused address %#x", i, a)
		}
		seen[a] = true
		if a < addrs[0] || a >= addrs[0]+mem.PageSize {
			t.Fatalf("object %d at %#x landed outside the first page starting at %#x", i, a, addrs[0])
		}
	}
	for _, a := range addrs {
		if err := h.Kfree(a, 16); err != 0 {
			t.Fatalf("kfree %#x: %v", a, err)
		}
	}
}

func TestSlabDoubleFreeRejected(t *testing.T) {
	_, h := newTestHeap(t)
	addr, _ := h.Kalloc(32)
	if err := h.Kfree(addr, 32); err != 0 {
		t.Fatalf("first kfree: %v", err)
	}
	if err := h.Kfree(addr, 32); err == 0 {
		t.Fatalf("double free should be rejected")
	}
}

func TestFallbackAllocFreeCoalesce(t *testing.T) {
	_, h := newTestHeap(t)

	a, err := h.Kalloc(8192)
	if err != 0 {
		t.Fatalf("kalloc big: %v", err)
	}
	b, err := h.Kalloc(4097)
	if err != 0 {
		t.Fatalf("kalloc big 2: %v", err)
	}
	if a == b {
		t.Fatalf("two live fallback allocations aliased")
	}

	if err := h.Kfree(a, 8192); err != 0 {
		t.Fatalf("kfree a: %v", err)
	}
	if err := h.Kfree(b, 4097); err != 0 {
		t.Fatalf("kfree b: %v", err)
	}

	// Both blocks are free now (and, if adjacent, coalesced); a third
	// allocation that fits in the combined space must still succeed.
	c, err := h.Kalloc(8192)
	if err != 0 {
		t.Fatalf("kalloc after free: %v", err)
	}
	if err := h.Kfree(c, 8192); err != 0 {
		t.Fatalf("kfree c: %v", err)
	}
}

func TestFallbackDoubleFreeRejected(t *testing.T) {
	_, h := newTestHeap(t)
	addr, _ := h.Kalloc(9000)
	if err := h.Kfree(addr, 9000); err != 0 {
		t.Fatalf("first kfree: %v", err)
	}
	if err := h.Kfree(addr, 9000); err == 0 {
		t.Fatalf("double free should be rejected")
	}
}

func TestKfreeInvalidPointer(t *testing.T) {
	_, h := newTestHeap(t)
	if err := h.Kfree(0xdeadbeef, 8); err == 0 {
		t.Fatalf("invalid free should be rejected")
	}
}

func TestLargestSlabClassGoesToSlabNotFallback(t *testing.T) {
	_, h := newTestHeap(t)
	addr, err := h.Kalloc(4096)
	if err != 0 {
		t.Fatalf("kalloc 4096: %v", err)
	}
	if h.fallback.hasMagic(addr) {
		t.Fatalf("a 4096-byte request should use the largest slab class, not the fallback")
	}
	if err := h.Kfree(addr, 4096); err != 0 {
		t.Fatalf("kfree: %v", err)
	}
}
