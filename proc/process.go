package proc

import (
	"sync"

	"microkernel/cap"
	"microkernel/defs"
	"microkernel/rescap"
	"microkernel/vm"
)

// ProcState mirrors spec.md §3's process lifecycle: "NEW → RUNNING
// (at least one thread) → ZOMBIE (all threads exited, exit code
// retained for parent) → DEAD (reaped by parent; PID returned to the
// pool)."
type ProcState int

const (
	ProcNew ProcState = iota
	ProcRunning
	ProcZombie
	ProcDead
)

// Process is a thread-group (spec.md §3 "Process").
type Process struct {
	mu sync.Mutex

	Pid      defs.Pid_t
	ParentID defs.Pid_t
	AS       *vm.AS
	Caps     *cap.Table
	DefPort  defs.PortID

	// Brk is the process's current program-break address, managed by
	// the BRK syscall; zero means unset (scall picks the default base
	// on first growth).
	Brk uintptr

	State    ProcState
	ExitCode int

	Children []defs.Pid_t
	Threads  []defs.Tid_t
}

// Registry is the process/thread arena from spec.md §9: "Implement
// with an arena plus stable integer handles (PID, TID, port-id,
// cap-id); never with a heap-of-pointers that could form cycles."
// It owns PID and TID allocation via counters plus free lists of IDs
// recycled on reap.
type Registry struct {
	mu sync.Mutex

	procs   map[defs.Pid_t]*Process
	threads map[defs.Tid_t]*TCB

	nextPid defs.Pid_t
	nextTid defs.Tid_t
	freePid []defs.Pid_t
	freeTid []defs.Tid_t

	limits *rescap.Limits
}

// NewRegistry constructs an empty process/thread arena. limits may be
// nil (unbounded, for tests).
func NewRegistry(limits *rescap.Limits) *Registry {
	return &Registry{
		procs:   make(map[defs.Pid_t]*Process),
		threads: make(map[defs.Tid_t]*TCB),
		nextPid: 1,
		nextTid: 1,
		limits:  limits,
	}
}

func (r *Registry) allocPid() defs.Pid_t {
	if n := len(r.freePid); n > 0 {
		pid := r.freePid[n-1]
		r.freePid = r.freePid[:n-1]
		return pid
	}
	pid := r.nextPid
	r.nextPid++
	return pid
}

func (r *Registry) allocTid() defs.Tid_t {
	if n := len(r.freeTid); n > 0 {
		tid := r.freeTid[n-1]
		r.freeTid = r.freeTid[:n-1]
		return tid
	}
	tid := r.nextTid
	r.nextTid++
	return tid
}

// CreateProcess allocates a PID and an empty process entry, linking it
// as a child of parentID (0 for the root process).
func (r *Registry) CreateProcess(parentID defs.Pid_t, as *vm.AS) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := &Process{
		Pid:      r.allocPid(),
		ParentID: parentID,
		AS:       as,
		Caps:     cap.NewTable(r.limits),
		State:    ProcNew,
	}
	r.procs[p.Pid] = p
	if parent, ok := r.procs[parentID]; ok {
		parent.Children = append(parent.Children, p.Pid)
	}
	return p
}

// Process looks up a process by PID.
func (r *Registry) Process(pid defs.Pid_t) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pid]
	return p, ok
}

// AddThread registers tcb against the arena and its owning process.
func (r *Registry) AddThread(tcb *TCB) {
	r.mu.Lock()
	r.threads[tcb.Tid] = tcb
	if p, ok := r.procs[tcb.Pid]; ok {
		p.mu.Lock()
		p.Threads = append(p.Threads, tcb.Tid)
		if p.State == ProcNew {
			p.State = ProcRunning
		}
		p.mu.Unlock()
	}
	r.mu.Unlock()
}

// NextTid/NextPid expose fresh handles for thread_create/fork to
// assign before the TCB/Process struct exists.
func (r *Registry) NextTid() defs.Tid_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocTid()
}

func (r *Registry) NextPid() defs.Pid_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocPid()
}

// Thread looks up a TCB by TID.
func (r *Registry) Thread(tid defs.Tid_t) (*TCB, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.threads[tid]
	return t, ok
}

// Threads returns a snapshot of every thread currently registered in
// the arena, for diagnostics (kstat) that need to enumerate them
// without holding the registry lock across their own work.
func (r *Registry) Threads() []*TCB {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*TCB, 0, len(r.threads))
	for _, t := range r.threads {
		out = append(out, t)
	}
	return out
}

// ReapThread removes a ZOMBIE thread's TCB from the arena and recycles
// its TID, per spec.md §4.4: "the reaper ... later frees the TCB and
// stack and returns the TID."
func (r *Registry) ReapThread(tid defs.Tid_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, tid)
	r.freeTid = append(r.freeTid, tid)
}

// ExitProcess marks a process ZOMBIE with the given exit code, once
// its last thread has exited (spec.md §3's process lifecycle).
func (r *Registry) ExitProcess(pid defs.Pid_t, code int) {
	r.mu.Lock()
	p, ok := r.procs[pid]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.State = ProcZombie
	p.ExitCode = code
	p.mu.Unlock()
}

// Reap transitions a ZOMBIE process to DEAD and returns its PID to the
// pool, called by the parent's `wait`.
func (r *Registry) Reap(pid defs.Pid_t) (exitCode int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, exists := r.procs[pid]
	if !exists {
		return 0, false
	}
	p.mu.Lock()
	if p.State != ProcZombie {
		p.mu.Unlock()
		return 0, false
	}
	code := p.ExitCode
	p.State = ProcDead
	p.mu.Unlock()

	delete(r.procs, pid)
	r.freePid = append(r.freePid, pid)
	return code, true
}
