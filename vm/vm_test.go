package vm

import (
	"testing"

	"microkernel/mem"
)

func newTestVMM(t *testing.T) (*mem.Allocator, *VMM) {
	t.Helper()
	regions := []mem.Region{{Base: 0, Length: 256 << 20, Kind: mem.Conventional}}
	alloc := mem.NewAllocator(regions, 0, 0, nil)
	vmm := New(alloc, nil)
	if err := vmm.Init(); err != 0 {
		t.Fatalf("vmm init failed: %v", err)
	}
	return alloc, vmm
}

func TestCreateDestroyAS(t *testing.T) {
	alloc, vmm := newTestVMM(t)
	freeBefore, _ := alloc.Counts()

	as, err := vmm.CreateAS()
	if err != 0 {
		t.Fatalf("create as: %v", err)
	}

	const va = uintptr(0x4000_0000)
	f, ok := alloc.AllocOne()
	if !ok {
		t.Fatalf("alloc failed")
	}
	if err := vmm.MapOne(as, va, f, PermR|PermW, true); err != 0 {
		t.Fatalf("map: %v", err)
	}
	if got, ok := vmm.Translate(as, va); !ok || got != f {
		t.Fatalf("translate = %v,%v want %v,true", got, ok, f)
	}

	vmm.DestroyAS(as)
	freeAfter, _ := alloc.Counts()
	if freeAfter != freeBefore {
		t.Fatalf("destroying AS leaked frames: before=%d after=%d", freeBefore, freeAfter)
	}
}

// TestCOWFastPath exercises spec.md §4.2: "if the underlying frame's
// refcount is 1, simply restore the writable bit."
func TestCOWFastPath(t *testing.T) {
	alloc, vmm := newTestVMM(t)
	as, _ := vmm.CreateAS()
	defer vmm.DestroyAS(as)

	const va = uintptr(0x4000_0000)
	f, _ := alloc.AllocOne()
	copy(alloc.Dmap(f), []byte{0xAA})
	if err := vmm.MapOne(as, va, f, PermR|PermW, true); err != 0 {
		t.Fatalf("map: %v", err)
	}

	if err := vmm.MarkCOW(as, va); err != 0 {
		t.Fatalf("mark_cow: %v", err)
	}
	if alloc.Refcount(f) != 2 {
		t.Fatalf("refcount after mark_cow = %d, want 2", alloc.Refcount(f))
	}

	// Nobody else actually shares it in this test, so drop the extra
	// ref to model the fast path spec.md describes ("mapped exactly
	// once").
	alloc.Free(f)
	if alloc.Refcount(f) != 1 {
		t.Fatalf("setup: refcount = %d, want 1", alloc.Refcount(f))
	}

	if err := vmm.HandleCOWFault(as, va); err != 0 {
		t.Fatalf("handle_cow_fault: %v", err)
	}
	got, ok := vmm.Translate(as, va)
	if !ok || got != f {
		t.Fatalf("fast path should keep the same frame, got %v want %v", got, f)
	}
}

// TestCOWSharedCopy models spec.md §8 scenario S2 and universal
// property 8: two address spaces share one frame; a write in one
// triggers a private copy while the other AS's view is unaffected.
func TestCOWSharedCopy(t *testing.T) {
	alloc, vmm := newTestVMM(t)
	asA, _ := vmm.CreateAS()
	asB, _ := vmm.CreateAS()
	defer vmm.DestroyAS(asA)
	defer vmm.DestroyAS(asB)

	const va = uintptr(0x4000_0000)
	p, _ := alloc.AllocOne()
	page := alloc.Dmap(p)
	for i := range page {
		page[i] = 0xAA
	}

	if err := vmm.MapOne(asA, va, p, PermR|PermW, true); err != 0 {
		t.Fatalf("map A: %v", err)
	}
	if err := vmm.MarkCOW(asA, va); err != 0 {
		t.Fatalf("mark_cow A: %v", err)
	}

	// Share the same frame into B, read-only, consuming the extra
	// reference mark_cow(A) already reserved for this second mapping.
	if err := vmm.MapOne(asB, va, p, PermR, true); err != 0 {
		t.Fatalf("map B: %v", err)
	}

	if got := alloc.Refcount(p); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	if err := vmm.HandleCOWFault(asA, va); err != 0 {
		t.Fatalf("handle_cow_fault: %v", err)
	}

	newFrame, ok := vmm.Translate(asA, va)
	if !ok || newFrame == p {
		t.Fatalf("A should now have a private frame, got %v (shared=%v)", newFrame, p)
	}
	if alloc.Refcount(p) != 1 {
		t.Fatalf("shared frame refcount after private copy = %d, want 1", alloc.Refcount(p))
	}

	aPage := alloc.Dmap(newFrame)
	if aPage[1] != 0xAA {
		t.Fatalf("A's copy lost pre-write bytes at offset 1: %#x", aPage[1])
	}

	bFrame, ok := vmm.Translate(asB, va)
	if !ok || bFrame != p {
		t.Fatalf("B's mapping should be untouched, got %v want %v", bFrame, p)
	}
	bPage := alloc.Dmap(bFrame)
	if bPage[0] != 0xAA {
		t.Fatalf("B should still read 0xAA, got %#x", bPage[0])
	}
}

func TestUnmapIdempotent(t *testing.T) {
	_, vmm := newTestVMM(t)
	as, _ := vmm.CreateAS()
	defer vmm.DestroyAS(as)

	start, end := uintptr(0x5000_0000), uintptr(0x5000_0000)+mem.PageSize
	if err := vmm.Unmap(as, start, end); err != 0 {
		t.Fatalf("first unmap: %v", err)
	}
	if err := vmm.Unmap(as, start, end); err != 0 {
		t.Fatalf("second unmap: %v", err)
	}
}

func TestMmapAllocFreeProtect(t *testing.T) {
	_, vmm := newTestVMM(t)
	as, _ := vmm.CreateAS()
	defer vmm.DestroyAS(as)

	const userBase = uintptr(0x0000_5900_0000_0000)
	start, err := vmm.MmapAlloc(as, userBase, 3*mem.PageSize, PermR|PermW)
	if err != 0 {
		t.Fatalf("mmap_alloc: %v", err)
	}
	end := start + 3*mem.PageSize

	for va := start; va < end; va += mem.PageSize {
		if _, ok := vmm.Translate(as, va); !ok {
			t.Fatalf("page at %#x not backed after mmap_alloc", va)
		}
	}

	// mmap_alloc again must not collide with the first mapping.
	start2, err := vmm.MmapAlloc(as, userBase, mem.PageSize, PermR)
	if err != 0 {
		t.Fatalf("second mmap_alloc: %v", err)
	}
	if start2 >= start && start2 < end {
		t.Fatalf("second mapping at %#x collides with first [%#x,%#x)", start2, start, end)
	}

	if err := vmm.MmapProtect(as, start, end, PermR); err != 0 {
		t.Fatalf("mmap_protect: %v", err)
	}
	if m, ok := as.Lookup(start); !ok || m.Perm != PermR {
		t.Fatalf("protect did not update mapping perm")
	}

	if err := vmm.MmapFree(as, start, end); err != 0 {
		t.Fatalf("mmap_free: %v", err)
	}
	if _, ok := as.Lookup(start); ok {
		t.Fatalf("mapping still present after exact-range mmap_free")
	}
	for va := start; va < end; va += mem.PageSize {
		if _, ok := vmm.Translate(as, va); ok {
			t.Fatalf("page at %#x still backed after mmap_free", va)
		}
	}
}

func TestForkCOWSharesWritablePagesAndPrivatizesOnWrite(t *testing.T) {
	alloc, vmm := newTestVMM(t)
	parent, _ := vmm.CreateAS()
	defer vmm.DestroyAS(parent)

	const userBase = uintptr(0x0000_5a00_0000_0000)
	start, err := vmm.MmapAlloc(parent, userBase, 2*mem.PageSize, PermR|PermW)
	if err != 0 {
		t.Fatalf("mmap_alloc: %v", err)
	}
	frame, _ := vmm.Translate(parent, start)
	copy(alloc.Dmap(frame), []byte("before fork"))

	child, err := vmm.ForkCOW(parent)
	if err != 0 {
		t.Fatalf("fork_cow: %v", err)
	}
	defer vmm.DestroyAS(child)

	childFrame, ok := vmm.Translate(child, start)
	if !ok || childFrame != frame {
		t.Fatalf("child should share the parent's frame right after fork, got %v,%v want %v,true", childFrame, ok, frame)
	}
	if got := alloc.Refcount(frame); got != 2 {
		t.Fatalf("shared frame refcount = %d, want 2", got)
	}

	// Parent's mapping must have been converted to COW by the fork, so a
	// write through the parent now privatizes instead of corrupting the
	// child's view.
	if err := vmm.HandleCOWFault(parent, start); err != 0 {
		t.Fatalf("handle_cow_fault on parent: %v", err)
	}
	parentFrame, _ := vmm.Translate(parent, start)
	if parentFrame == childFrame {
		t.Fatalf("parent should have privatized its frame after the write fault")
	}

	childPage := alloc.Dmap(childFrame)
	if string(childPage[:11]) != "before fork" {
		t.Fatalf("child's page changed after parent's post-fork write: %q", childPage[:11])
	}

	// The child's own mapping must also be COW: a write fault through it
	// must succeed and must not disturb the parent's now-private copy.
	if err := vmm.HandleCOWFault(child, start); err != 0 {
		t.Fatalf("handle_cow_fault on child: %v", err)
	}
	newChildFrame, _ := vmm.Translate(child, start)
	if newChildFrame != childFrame {
		t.Fatalf("child was the sole owner of its frame (refcount 1) and should have reused it in place")
	}
}

// TestTlbshootFastPath exercises SPEC_FULL.md §12's residency-mask-gated
// classification: a page loaded on at most one CPU shoots down fast.
func TestTlbshootFastPath(t *testing.T) {
	_, vmm := newTestVMM(t)
	as, _ := vmm.CreateAS()
	defer vmm.DestroyAS(as)

	const va = uintptr(0x4000_0000)
	f, _ := vmm.alloc.AllocOne()
	if err := vmm.MapOne(as, va, f, PermR|PermW, true); err != 0 {
		t.Fatalf("map: %v", err)
	}

	vmm.SwitchTo(as, 0)
	fastBefore, broadcastBefore := vmm.ShootdownKinds()

	as.Tlbshoot(va, 1)

	fastAfter, broadcastAfter := vmm.ShootdownKinds()
	if fastAfter != fastBefore+1 {
		t.Fatalf("fast shootdown count = %d, want %d", fastAfter, fastBefore+1)
	}
	if broadcastAfter != broadcastBefore {
		t.Fatalf("broadcast shootdown count changed: before=%d after=%d", broadcastBefore, broadcastAfter)
	}
}

// TestTlbshootBroadcastPath exercises the other half of the same
// classification: a page resident on more than one CPU must shoot down
// as a broadcast.
func TestTlbshootBroadcastPath(t *testing.T) {
	_, vmm := newTestVMM(t)
	as, _ := vmm.CreateAS()
	defer vmm.DestroyAS(as)

	const va = uintptr(0x4000_0000)
	f, _ := vmm.alloc.AllocOne()
	if err := vmm.MapOne(as, va, f, PermR|PermW, true); err != 0 {
		t.Fatalf("map: %v", err)
	}

	vmm.SwitchTo(as, 0)
	vmm.SwitchTo(as, 1)
	fastBefore, broadcastBefore := vmm.ShootdownKinds()

	as.Tlbshoot(va, 1)

	fastAfter, broadcastAfter := vmm.ShootdownKinds()
	if broadcastAfter != broadcastBefore+1 {
		t.Fatalf("broadcast shootdown count = %d, want %d", broadcastAfter, broadcastBefore+1)
	}
	if fastAfter != fastBefore {
		t.Fatalf("fast shootdown count changed: before=%d after=%d", fastBefore, fastAfter)
	}

	// The mask is cleared once shot down: residency starts over at the
	// next SwitchTo.
	if mask := vmm.alloc.ResidentCPUs(f); mask != 0 {
		t.Fatalf("residency mask after shootdown = %#x, want 0", mask)
	}
}
