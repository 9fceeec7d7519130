package vm

import "microkernel/mem"

// Perm is a permission bitmask on a Mapping, expressed the way
// spec.md §3 describes mappings: {R,W,X}.
type Perm uint8

const (
	PermR Perm = 1 << iota
	PermW
	PermX
)

// pte_t is one page-table entry. Bit layout follows the teacher's
// mem.Pa_t PTE_* constants (present/write/user/global/cache-disable/
// page-size), extended with the two software COW bits spec.md §4.2
// requires ("a software-defined COW bit" and a WASCOW bit to tell a
// COW-resolved private page from a never-COW page on the fast COW
// path where the frame's refcount is already 1). Only the COW bit is
// used: no code in this package sets or reads pteWasCOW.
type pte_t uint64

const (
	pteP      pte_t = 1 << 0  // present
	pteW      pte_t = 1 << 1  // writable
	pteU      pte_t = 1 << 2  // user-accessible
	ptePCD    pte_t = 1 << 4  // cache disable
	pteA      pte_t = 1 << 5  // accessed
	pteD      pte_t = 1 << 6  // dirty
	ptePS     pte_t = 1 << 7  // huge page (2 MiB at PD level)
	pteG      pte_t = 1 << 8  // global
	pteCOW    pte_t = 1 << 9  // software: page is copy-on-write
	pteWasCOW pte_t = 1 << 10 // software: page was COW, now private
	pteNX     pte_t = 1 << 63 // no-execute

	pteAddrMask pte_t = 0x000ffffffffff000
)

func (p pte_t) present() bool { return p&pteP != 0 }
func (p pte_t) frame() mem.Frame {
	return mem.Frame(uint64(p&pteAddrMask) >> mem.PageShift)
}

func mkPTE(f mem.Frame, flags pte_t) pte_t {
	return pte_t(f.Addr())&pteAddrMask | flags | pteP
}

// permToPTE converts a Mapping permission into the PTE bits a present
// leaf entry should carry: present entries are always writable from
// the hardware's point of view when the mapping is writable, unless
// COW is in effect (handled by the fault path, not here).
func permToPTE(perm Perm, user bool) pte_t {
	var f pte_t
	if perm&PermW != 0 {
		f |= pteW
	}
	if user {
		f |= pteU
	}
	if perm&PermX == 0 {
		f |= pteNX
	}
	return f
}

func pteToPerm(p pte_t) Perm {
	var perm Perm = PermR
	if p&pteW != 0 {
		perm |= PermW
	}
	if p&pteNX == 0 {
		perm |= PermX
	}
	return perm
}
