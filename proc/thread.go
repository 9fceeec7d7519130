// Package proc implements the Thread & Address-Space Core (TAS) from
// spec.md §4.4: thread control blocks, kernel stacks, the user-stack
// builder, and process lifecycle. It is grounded on the teacher's
// tinfo.Tnote_t/Threadinfo_t (per-thread bookkeeping behind a stable
// integer handle, guarded by a mutex-protected map — spec.md §9's
// "arena plus stable integer handles" guidance) and proc.Proc_t's
// parent/child/sibling PID-bitmap lifecycle, adapted to run hosted: a
// kernel stack is a contiguous run of simulated physical frames rather
// than a region carved from a forked runtime's own stack pool, and
// context switch is a bookkeeping transition rather than a real
// register-file save/restore (spec.md §4.4's context-switch algorithm
// is expressed here as the data it must move, not machine code).
package proc

import (
	"sync"
	"time"

	"microkernel/defs"
	"microkernel/mem"
	"microkernel/vm"
)

// State is a thread's lifecycle state (spec.md §3).
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateBlocked:
		return "BLOCKED"
	case StateSleeping:
		return "SLEEPING"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// ListMembership names which scheduler list a thread currently sits
// on, so SCHED can enforce spec.md §8 universal property 3 ("a
// thread is on at most one scheduler list") as a checked invariant
// instead of an implicit hope.
type ListMembership int

const (
	OnNoList ListMembership = iota
	OnReadyList
	OnWaitList
)

// KernelStackSize is fixed by spec.md §6: "Kernel stacks are 64 KiB."
const KernelStackSize = 64 * 1024
const kernelStackFrames = KernelStackSize / mem.PageSize

// SavedFrame is the callee-saved register set and stack pointer a
// context switch moves between threads (spec.md §4.4: "Save
// callee-saved registers and stack pointer into the outgoing thread's
// saved frame"). Hosted, there is no real register file to save; the
// fields stand in for what an architecture layer would persist.
type SavedFrame struct {
	SP uintptr
	IP uintptr
}

// AccountKind distinguishes which of a thread's two cumulative time
// counters an interval belongs to, mirroring the teacher's accnt
// package's user/system split (SPEC_FULL.md §12).
type AccountKind int

const (
	// AccountUser is time the thread spent running its own code between
	// syscalls, attributed from the gap between one Dispatch returning
	// and the next one being entered.
	AccountUser AccountKind = iota
	// AccountSystem is time spent inside the syscall dispatcher servicing
	// a call on the thread's behalf.
	AccountSystem
)

// TCB is a thread control block (spec.md §3 "Thread").
type TCB struct {
	mu sync.Mutex

	Tid  defs.Tid_t
	Pid  defs.Pid_t
	Name string

	Priority     int
	BasePriority int

	State State
	List  ListMembership

	HomeCPU int

	VRuntime  uint64
	TimeSlice int

	// UserNanos/SysNanos are cumulative nanosecond counters generalizing
	// spec.md §3's virtual-runtime counter into the teacher's accnt
	// user/system split (SPEC_FULL.md §12), fed by Account.
	UserNanos uint64
	SysNanos  uint64

	// lastDispatch is the last syscall-dispatch boundary MarkDispatchBoundary
	// recorded for this thread, used by the caller to measure the gap
	// between dispatches as user time.
	lastDispatch time.Time

	stackBase mem.Frame
	Stack     []byte
	Saved     SavedFrame

	Entry func(arg any)
	Arg   any
}

// Account adds nanos to the thread's cumulative user or system counter.
// Negative values are ignored.
func (t *TCB) Account(kind AccountKind, nanos int64) {
	if nanos <= 0 {
		return
	}
	t.mu.Lock()
	switch kind {
	case AccountUser:
		t.UserNanos += uint64(nanos)
	case AccountSystem:
		t.SysNanos += uint64(nanos)
	}
	t.mu.Unlock()
}

// Accounted reports the thread's cumulative user and system nanosecond
// totals, for kstat.Report and SysGetpid-adjacent bookkeeping.
func (t *TCB) Accounted() (userNanos, sysNanos uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.UserNanos, t.SysNanos
}

// MarkDispatchBoundary records at as the thread's most recent
// syscall-dispatch boundary and returns the previous one (the zero
// Time on the thread's first call), so the caller can account the
// elapsed interval to whichever side of the boundary it belongs.
func (t *TCB) MarkDispatchBoundary(at time.Time) (prev time.Time) {
	t.mu.Lock()
	prev = t.lastDispatch
	t.lastDispatch = at
	t.mu.Unlock()
	return prev
}

// NewTCB allocates a kernel stack and builds a TCB in state NEW whose
// first context switch lands in entry(arg), per spec.md §4.4's
// thread_create algorithm. prio is the thread's initial and base
// priority (0=highest).
func NewTCB(alloc *mem.Allocator, tid defs.Tid_t, pid defs.Pid_t, name string, entry func(arg any), arg any, prio int, homeCPU int) (*TCB, defs.Err_t) {
	base, ok := alloc.AllocContig(kernelStackFrames)
	if !ok {
		return nil, defs.ENOMEM
	}
	stack := alloc.DmapRange(base, kernelStackFrames)
	t := &TCB{
		Tid:          tid,
		Pid:          pid,
		Name:         name,
		Priority:     prio,
		BasePriority: prio,
		State:        StateNew,
		List:         OnNoList,
		HomeCPU:      homeCPU,
		stackBase:    base,
		Stack:        stack,
		Saved:        SavedFrame{SP: uintptr(len(stack))},
		Entry:        entry,
		Arg:          arg,
	}
	return t, 0
}

// FreeStack releases the kernel stack frames; called once by whichever
// reaper frees the TCB after ThreadExit (spec.md §4.4: "the reaper ...
// later frees the TCB and stack").
func (t *TCB) FreeStack(alloc *mem.Allocator) {
	alloc.FreeContig(t.stackBase, kernelStackFrames)
	t.Stack = nil
}

// SetState transitions the thread's lifecycle state under its lock.
func (t *TCB) SetState(s State) {
	t.mu.Lock()
	t.State = s
	t.mu.Unlock()
}

func (t *TCB) GetState() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// AssertOffList panics if the thread is already recorded as belonging
// to a scheduler list, catching the bug spec.md §8 property 3 forbids
// (a thread on two lists at once) at the point it would occur rather
// than leaving it latent.
func (t *TCB) AssertOffList() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.List != OnNoList {
		panic("proc: thread already on a scheduler list")
	}
}

// ContextSwitchTo persists the outgoing thread's frame, then returns
// the incoming thread's saved frame plus whether the caller must ask
// VMM to install a new root (spec.md §4.4: "Save callee-saved
// registers and stack pointer into the outgoing thread's saved frame;
// load the incoming thread's saved frame; if the incoming thread's AS
// differs from the outgoing thread's AS, ask VMM to install the new
// root").
func ContextSwitchTo(out, in *TCB, outFrame SavedFrame, outAS, inAS *vm.AS) (SavedFrame, bool) {
	if out != nil {
		out.mu.Lock()
		out.Saved = outFrame
		out.mu.Unlock()
	}
	in.mu.Lock()
	inSaved := in.Saved
	in.mu.Unlock()
	return inSaved, outAS != inAS
}
