// Package rescap implements the admission-control budgets described in
// SPEC_FULL.md §12 (a generalization of the teacher's bounds/res/limits
// packages). A Budget bounds how far a single call path may grow a
// shared resource — heap bytes, queued IPC messages, mapped pages —
// before the rest of the call even attempts the growth, so that
// exhaustion is reported as defs.ENOMEM/defs.ENOHEAP instead of
// discovered mid-operation.
package rescap

import "sync/atomic"

// Budget is an atomically adjustable resource ceiling. The zero value
// is a budget of 0 (everything denied) until Reset is called.
type Budget struct {
	remaining int64
}

// NewBudget constructs a Budget with the given initial allowance.
func NewBudget(n int64) *Budget {
	return &Budget{remaining: n}
}

// Reset replaces the remaining allowance.
func (b *Budget) Reset(n int64) {
	atomic.StoreInt64(&b.remaining, n)
}

// Take tries to debit n units from the budget. It reports whether the
// debit succeeded; on failure the budget is left unchanged.
func (b *Budget) Take(n int64) bool {
	if n < 0 {
		panic("rescap: negative take")
	}
	if atomic.AddInt64(&b.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&b.remaining, n)
	return false
}

// Give credits n units back to the budget (e.g. on rollback or free).
func (b *Budget) Give(n int64) {
	if n < 0 {
		panic("rescap: negative give")
	}
	atomic.AddInt64(&b.remaining, n)
}

// Remaining reports the current allowance, for diagnostics only.
func (b *Budget) Remaining() int64 {
	return atomic.LoadInt64(&b.remaining)
}

// Tag names a call-site budget class, mirroring the teacher's
// bounds.Bounds(...) tags used to size admission checks per call path.
type Tag int

const (
	TagHeapGrow Tag = iota
	TagMmapGrow
	TagIPCQueue
	TagCapTable
)

// Limits collects the system-wide budgets a Core owns, generalizing the
// teacher's limits.Syslimit_t.
type Limits struct {
	HeapBytes  *Budget
	MmapPages  *Budget
	IPCQueued  *Budget
	CapEntries *Budget
}

// DefaultLimits returns a generous but finite set of budgets suitable
// for a hosted simulation.
func DefaultLimits() *Limits {
	return &Limits{
		HeapBytes:  NewBudget(256 << 20),
		MmapPages:  NewBudget(1 << 20),
		IPCQueued:  NewBudget(1 << 16),
		CapEntries: NewBudget(1 << 20),
	}
}

// Take debits n units from the budget named by tag, returning false if
// the budget is exhausted.
func (l *Limits) Take(tag Tag, n int64) bool {
	switch tag {
	case TagHeapGrow:
		return l.HeapBytes.Take(n)
	case TagMmapGrow:
		return l.MmapPages.Take(n)
	case TagIPCQueue:
		return l.IPCQueued.Take(n)
	case TagCapTable:
		return l.CapEntries.Take(n)
	default:
		panic("rescap: unknown tag")
	}
}

// Give credits n units back to the budget named by tag.
func (l *Limits) Give(tag Tag, n int64) {
	switch tag {
	case TagHeapGrow:
		l.HeapBytes.Give(n)
	case TagMmapGrow:
		l.MmapPages.Give(n)
	case TagIPCQueue:
		l.IPCQueued.Give(n)
	case TagCapTable:
		l.CapEntries.Give(n)
	default:
		panic("rescap: unknown tag")
	}
}
