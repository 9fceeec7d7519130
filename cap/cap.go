// Package cap implements the Capability Table (CAP) from spec.md §4.7:
// a per-process sparse grant table with check/revoke and all-or-nothing
// transfer between processes. It is grounded on the teacher's
// tinfo.Threadinfo_t shape (a mutex-guarded map keyed by a stable
// integer handle, per spec.md §9's "arena plus stable integer handles"
// guidance) rather than a pointer graph.
package cap

import (
	"sync"

	"microkernel/defs"
	"microkernel/rescap"
)

// Kind names the resource a capability refers to (spec.md §3).
type Kind int

const (
	KindPort Kind = iota
	KindMemory
	KindFile
	KindDevice
	KindService
)

// Right is one bit of a capability's rights mask.
type Right uint8

const (
	RightR Right = 1 << iota
	RightW
	RightX
	RightDelete
	RightTransfer
)

// Has reports whether r includes every bit in want.
func (r Right) Has(want Right) bool { return r&want == want }

// Cap is one entry of a process's capability table.
type Cap struct {
	ID         defs.CapID
	Kind       Kind
	ResourceID uint64
	Rights     Right
}

// Table is one process's capability table: a sparse map keyed by
// CapID, guarded by its own spinlock (spec.md §5: "each capability
// table ... guarded by its own spinlock").
type Table struct {
	mu      sync.Mutex
	entries map[defs.CapID]Cap
	nextID  defs.CapID
	limits  *rescap.Limits
}

// NewTable constructs an empty capability table. limits may be nil
// (unbounded, for tests).
func NewTable(limits *rescap.Limits) *Table {
	return &Table{entries: make(map[defs.CapID]Cap), nextID: 1, limits: limits}
}

// Grant creates a fresh capability owned by this table's process and
// returns its id, per spec.md §4.7: "On creation by the current
// process, assign a fresh id and store {kind, resource_id, rights}."
func (t *Table) Grant(kind Kind, resourceID uint64, rights Right) (defs.CapID, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits != nil && !t.limits.Take(rescap.TagCapTable, 1) {
		return 0, defs.ENOHEAP
	}
	id := t.nextID
	t.nextID++
	t.entries[id] = Cap{ID: id, Kind: kind, ResourceID: resourceID, Rights: rights}
	return id, 0
}

// Check reports whether id exists in this table and its rights
// include want (spec.md §8 universal property 7).
func (t *Table) Check(id defs.CapID, want Right) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	if !ok {
		return false
	}
	return c.Rights.Has(want)
}

// Lookup returns the full capability entry, for IPC's "find the
// capability for this port" need.
func (t *Table) Lookup(id defs.CapID) (Cap, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.entries[id]
	return c, ok
}

// Find returns the id of a capability matching kind/resourceID, if
// any — the lookup-by-(kind,resource_id) IPC needs to resolve "the
// capability for this port" (spec.md §4.7).
func (t *Table) Find(kind Kind, resourceID uint64) (defs.CapID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, c := range t.entries {
		if c.Kind == kind && c.ResourceID == resourceID {
			return id, true
		}
	}
	return 0, false
}

// Revoke removes id's entry; subsequent Check calls return false
// (spec.md §8 universal property 7).
func (t *Table) Revoke(id defs.CapID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limits != nil {
		if _, ok := t.entries[id]; ok {
			t.limits.Give(rescap.TagCapTable, 1)
		}
	}
	delete(t.entries, id)
}

// Transfer moves (SPEC_FULL.md §14 decision 3: move semantics) a
// capability from sender to receiver. The sender must hold it with
// RightTransfer; the new entry in the receiver's table has identical
// kind/resource/rights.
func Transfer(sender, receiver *Table, id defs.CapID) (defs.CapID, defs.Err_t) {
	ids, err := TransferAll(sender, receiver, []defs.CapID{id})
	if err != 0 {
		return 0, err
	}
	return ids[0], 0
}

// TransferAll transfers every id from sender to receiver as one unit:
// it first verifies the sender holds all of them with RightTransfer,
// then grants every receiver-side copy, rolling back anything already
// granted if a later one in the batch fails. This realizes spec.md
// §4.7's "Transfer is all-or-nothing per message" for IPC messages
// that tag more than one capability.
func TransferAll(sender, receiver *Table, ids []defs.CapID) ([]defs.CapID, defs.Err_t) {
	sender.mu.Lock()
	caps := make([]Cap, len(ids))
	for i, id := range ids {
		c, ok := sender.entries[id]
		if !ok || !c.Rights.Has(RightTransfer) {
			sender.mu.Unlock()
			return nil, defs.EPERM
		}
		caps[i] = c
	}
	sender.mu.Unlock()

	granted := make([]defs.CapID, 0, len(caps))
	for _, c := range caps {
		receiver.mu.Lock()
		newID := receiver.nextID
		if receiver.limits != nil && !receiver.limits.Take(rescap.TagCapTable, 1) {
			receiver.mu.Unlock()
			for _, g := range granted {
				receiver.Revoke(g)
			}
			return nil, defs.ENOHEAP
		}
		receiver.nextID++
		receiver.entries[newID] = Cap{ID: newID, Kind: c.Kind, ResourceID: c.ResourceID, Rights: c.Rights}
		receiver.mu.Unlock()
		granted = append(granted, newID)
	}

	for _, id := range ids {
		sender.Revoke(id)
	}
	return granted, 0
}
