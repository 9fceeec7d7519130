// Package kern implements the top-level kernel-core object spec.md §9
// asks for: "Prefer a single top-level core object that owns these
// fields explicitly and is constructed once during boot; hand its
// subfields to subsystems by reference rather than scattering package-
// level globals." It is grounded on the teacher's kernel bring-up
// convention (a single ordered init sequence — physical memory, then
// virtual memory, then the heap, then process/scheduler state — each
// stage handed the previous stage's output rather than reaching for a
// package-level singleton), adapted to run hosted: there is no real
// bootloader handoff, so Config plays the role of the boot information
// block spec.md §6 describes as "consumed" by the core.
package kern

import (
	"context"
	"io"

	"microkernel/cap"
	"microkernel/defs"
	"microkernel/ipc"
	"microkernel/kheap"
	"microkernel/klog"
	"microkernel/mem"
	"microkernel/kdiag"
	"microkernel/proc"
	"microkernel/rescap"
	"microkernel/scall"
	"microkernel/sched"
	"microkernel/trapdisasm"
	"microkernel/vm"
)

// Config is the boot-handoff information block (SPEC_FULL.md §10.3):
// the physical memory map, the loaded kernel range, CPU count, default
// port capacity, admission limits, log sink and console reader. It has
// no fields for the direct-map base, kernel stack size or heap
// size-class table. Memory is required; a zero NumCPU,
// DefaultPortCapacity or Log selects the default, a nil Limits means
// unbounded and a nil Console disables console reads.
type Config struct {
	// Memory is the boot memory map (spec.md §6): the set of physical
	// regions the core may hand out as frames.
	Memory []mem.Region
	// KernelBase/KernelLen mark the loaded kernel image so the Frame
	// Allocator reserves it (spec.md §4.1, §6).
	KernelBase uint64
	KernelLen  uint64

	// NumCPU is the number of simulated per-CPU run-queues (spec.md
	// §4.5). Defaults to 1.
	NumCPU int

	// DefaultPortCapacity bounds newly created IPC ports that don't
	// specify their own size (spec.md §4.6). Defaults to
	// ipc.DefaultCapacity.
	DefaultPortCapacity int

	// Limits bounds heap growth, IPC queueing and capability-table
	// growth (SPEC_FULL.md §12); mmap growth is not drawn from it. nil
	// means unbounded, appropriate only for tests.
	Limits *rescap.Limits

	// Log is the structured diagnostic sink every subsystem is
	// constructed with (SPEC_FULL.md §10.1). nil becomes klog.Discard.
	Log klog.Sink

	// Console backs fd 0 (DevConsole) reads through the syscall
	// surface (spec.md §4.8). nil disables console reads.
	Console io.Reader
}

func (c Config) withDefaults() Config {
	if c.NumCPU <= 0 {
		c.NumCPU = 1
	}
	if c.DefaultPortCapacity <= 0 {
		c.DefaultPortCapacity = ipc.DefaultCapacity
	}
	if c.Log == nil {
		c.Log = klog.Discard
	}
	return c
}

// Core is the kernel-core object: it owns every subsystem and is
// constructed exactly once during Boot (spec.md §9). Fields are
// exported for subsystems and diagnostics (kdebug, kstat) that need to
// enumerate kernel state; there is no mutable global kernel state
// outside of it.
type Core struct {
	cfg Config
	log klog.Sink

	Alloc *mem.Allocator
	VMM   *vm.VMM
	Heap  *kheap.Heap
	Procs *proc.Registry
	Sched *sched.Scheduler
	Ports *ipc.Registry
	Sys   *scall.Dispatcher

	// idleTCBs holds the per-CPU idle threads created during Boot, kept
	// here so kdebug/kstat can report them without the scheduler
	// exposing them as ordinary runnable threads.
	idleTCBs []*proc.TCB

	// fatalCallers dedups FATAL-path stacks (SPEC_FULL.md §11's kdiag
	// wiring) so a recurring invariant violation logs its call chain
	// once instead of flooding the sink.
	fatalCallers kdiag.DistinctCallers
}

// idleLoop is the body every idle TCB runs conceptually; hosted, it is
// never actually scheduled onto a goroutine, it only exists so the
// per-CPU idle thread has a valid Entry per spec.md §4.4's thread_create
// contract.
func idleLoop(any) {}

// Boot runs the ordered bring-up sequence spec.md §9 implies (frame
// allocator, then virtual memory, then the heap, then process/thread
// and scheduler state, then IPC and the syscall surface), handing each
// stage's output to the next by reference instead of through package
// globals.
func Boot(cfg Config) (*Core, defs.Err_t) {
	cfg = cfg.withDefaults()
	log := cfg.Log

	alloc := mem.NewAllocator(cfg.Memory, cfg.KernelBase, cfg.KernelLen, log)

	vmm := vm.New(alloc, log)
	if err := vmm.Init(); err != 0 {
		log.Fatalf("kern: vmm init failed: %v", err)
		return nil, err
	}

	heap := kheap.New(alloc, cfg.Limits, log)
	procs := proc.NewRegistry(cfg.Limits)
	ports := ipc.NewRegistry(cfg.Limits, log)

	idles := make([]*proc.TCB, cfg.NumCPU)
	for i := 0; i < cfg.NumCPU; i++ {
		tid := procs.NextTid()
		idle, err := proc.NewTCB(alloc, tid, 0, "idle", idleLoop, nil, sched.NumPriorities-1, i)
		if err != 0 {
			log.Fatalf("kern: failed to create idle thread for cpu %d: %v", i, err)
			return nil, err
		}
		idles[i] = idle
	}
	schd := sched.New(cfg.NumCPU, idles, log)

	sys := scall.New(scall.Deps{
		Registry: procs,
		VMM:      vmm,
		Sched:    schd,
		Ports:    ports,
		Heap:     heap,
		Alloc:    alloc,
		Log:      log,
		Console:  cfg.Console,
	})

	return &Core{
		cfg:      cfg,
		log:      log,
		Alloc:    alloc,
		VMM:      vmm,
		Heap:     heap,
		Procs:    procs,
		Sched:    schd,
		Ports:    ports,
		Sys:      sys,
		idleTCBs: idles,
	}, 0
}

// SpawnInit creates the first user process: a fresh address space, a
// single thread running entry(arg), and a default IPC port granted to
// the process with read and write rights, mirroring spec.md §4.8's assumption
// that "every process is created with a DefPort" a parent can address
// it through. It is the hosted stand-in for the real boot handoff's
// "load the init binary and jump to its entry point" step, which is
// out of scope per spec.md §1 (no ELF loader, no filesystem).
func (c *Core) SpawnInit(entry func(arg any), arg any, prio int) (*proc.Process, *proc.TCB, defs.Err_t) {
	as, err := c.VMM.CreateAS()
	if err != 0 {
		return nil, nil, err
	}
	p := c.Procs.CreateProcess(0, as)

	portID := c.Ports.CreatePortSized(0, c.cfg.DefaultPortCapacity)
	if _, err := p.Caps.Grant(cap.KindPort, uint64(portID), cap.RightR|cap.RightW); err != 0 {
		c.VMM.DestroyAS(as)
		return nil, nil, err
	}
	p.DefPort = portID

	tid := c.Procs.NextTid()
	tcb, err := proc.NewTCB(c.Alloc, tid, p.Pid, "init", entry, arg, prio, 0)
	if err != 0 {
		c.VMM.DestroyAS(as)
		return nil, nil, err
	}
	c.Procs.AddThread(tcb)
	c.Sched.Enqueue(tcb)
	c.VMM.SwitchTo(as, tcb.HomeCPU)
	return p, tcb, 0
}

// SyscallEntry is the architectural dispatcher's landing point spec.md
// §4.8 names as "syscall_entry(number, a0..a5)": the trap assembly
// (out of scope, spec.md §1) is expected to have already resolved the
// calling thread's TID and unpacked its six argument registers before
// calling here.
func (c *Core) SyscallEntry(ctx context.Context, caller defs.Tid_t, num scall.Num, a0, a1, a2, a3, a4, a5 uintptr) (uint64, defs.Err_t) {
	return c.Sys.Dispatch(ctx, caller, num, a0, a1, a2, a3, a4, a5)
}

// Balance runs one round of cross-CPU load balancing (spec.md §4.5);
// a driver program calls this periodically from its own ticker.
func (c *Core) Balance(ctx context.Context) error {
	return c.Sched.Balance(ctx)
}

// ReportFatalFault handles a trap the architectural dispatcher could
// not resolve (anything other than the VMM's own COW write fault):
// spec.md §7 says such a fault "escalates to FATAL" for the faulting
// thread. It decodes the faulting instruction for the diagnostic,
// kills the thread, and returns the report text for the driver to
// surface however it sees fit (console, crash dump, etc.).
func (c *Core) ReportFatalFault(tid defs.Tid_t, instrBytes []byte, ip uintptr) string {
	report := trapdisasm.Decode(instrBytes, ip)
	if first, stack := c.fatalCallers.Seen(); first {
		c.log.Errorf("kern: fatal fault on thread %d: %s\n\t%s", tid, report, stack)
	} else {
		c.log.Errorf("kern: fatal fault on thread %d: %s (repeat call chain, stack suppressed)", tid, report)
	}
	if tcb, ok := c.Procs.Thread(tid); ok {
		tcb.SetState(proc.StateZombie)
	}
	return report.String()
}

// Shutdown logs that the core is shutting down. It does not destroy
// address spaces, release frames, flush ports or reap processes; every
// subsystem is left as it is.
func (c *Core) Shutdown() {
	c.log.Infof("kern: shutting down")
}
