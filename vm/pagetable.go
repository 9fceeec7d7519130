package vm

import (
	"unsafe"

	"microkernel/mem"
)

const entriesPerTable = 512

// table is one page-table page reinterpreted as 512 64-bit entries,
// the hosted equivalent of the teacher's Pmap_t [512]Pa_t accessed
// through the direct map.
type table [entriesPerTable]pte_t

func viewTable(alloc *mem.Allocator, f mem.Frame) *table {
	b := alloc.Dmap(f)
	return (*table)(unsafe.Pointer(&b[0]))
}

// indices splits a canonical virtual address into its four 9-bit
// page-table indices (PML4, PDPT, PD, PT), matching the standard
// x86-64 4-level paging layout spec.md §4.2 describes.
func indices(vaddr uintptr) (l4, l3, l2, l1 int) {
	v := uint64(vaddr)
	l4 = int((v >> 39) & 0x1ff)
	l3 = int((v >> 30) & 0x1ff)
	l2 = int((v >> 21) & 0x1ff)
	l1 = int((v >> 12) & 0x1ff)
	return
}

// allocTable allocates and zeroes a fresh page-table frame, preferring
// low memory when the direct map is not yet fully installed, per
// spec.md §4.2's "allocate a fresh page-table frame via FA (preferring
// low memory if the direct map is not yet active)".
func (v *VMM) allocTable() (mem.Frame, bool) {
	var f mem.Frame
	var ok bool
	if v.directMapReady {
		f, ok = v.alloc.AllocOne()
	} else {
		f, ok = v.alloc.AllocOneLow()
	}
	if !ok {
		return 0, false
	}
	t := viewTable(v.alloc, f)
	for i := range t {
		t[i] = 0
	}
	return f, true
}

// walkResult is returned by walk: the leaf PTE slot and, for rollback
// purposes, every intermediate table frame walk allocated to reach it.
type walkResult struct {
	leaf    *pte_t
	created []mem.Frame
}

// walk descends PML4→PDPT→PD→PT for vaddr. When create is true, it
// installs a freshly allocated zeroed table at any missing level
// (spec.md §4.2's mapping algorithm); when false, a missing
// intermediate level yields ok=false without allocating.
func (v *VMM) walk(root mem.Frame, vaddr uintptr, create bool) (res walkResult, ok bool) {
	l4, l3, l2, l1 := indices(vaddr)
	cur := root

	step := func(idx int) (mem.Frame, bool) {
		t := viewTable(v.alloc, cur)
		e := t[idx]
		if e.present() {
			cur = e.frame()
			return cur, true
		}
		if !create {
			return 0, false
		}
		nf, ok := v.allocTable()
		if !ok {
			return 0, false
		}
		t[idx] = mkPTE(nf, pteW|pteU)
		res.created = append(res.created, nf)
		cur = nf
		return cur, true
	}

	if _, ok := step(l4); !ok {
		return res, false
	}
	if _, ok := step(l3); !ok {
		return res, false
	}
	if _, ok := step(l2); !ok {
		return res, false
	}
	t := viewTable(v.alloc, cur)
	res.leaf = &t[l1]
	return res, true
}

// walk2M descends to the PD entry for vaddr without allocating a PT,
// for installing or inspecting a 2 MiB huge-page leaf (spec.md §4.2:
// "2 MiB huge pages are permitted when the range ... are 2 MiB
// aligned").
func (v *VMM) walk2M(root mem.Frame, vaddr uintptr, create bool) (res walkResult, ok bool) {
	l4, l3, l2, _ := indices(vaddr)
	cur := root

	step := func(idx int) (mem.Frame, bool) {
		t := viewTable(v.alloc, cur)
		e := t[idx]
		if e.present() {
			cur = e.frame()
			return cur, true
		}
		if !create {
			return 0, false
		}
		nf, ok := v.allocTable()
		if !ok {
			return 0, false
		}
		t[idx] = mkPTE(nf, pteW|pteU)
		res.created = append(res.created, nf)
		cur = nf
		return cur, true
	}

	if _, ok := step(l4); !ok {
		return res, false
	}
	if _, ok := step(l3); !ok {
		return res, false
	}
	t := viewTable(v.alloc, cur)
	res.leaf = &t[l2]
	return res, true
}

// freeEmptyTable frees a table frame if every entry in it is clear,
// used to unwind partially-built subtrees on rollback (spec.md §4.2:
// "frees new page-table pages whose subtree is empty").
func (v *VMM) freeEmptyTable(f mem.Frame) bool {
	t := viewTable(v.alloc, f)
	for _, e := range t {
		if e.present() {
			return false
		}
	}
	v.alloc.Free(f)
	return true
}
