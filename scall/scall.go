// Package scall implements the Syscall Surface (SYS) from spec.md
// §4.8: a validated dispatcher mapping a call number and up to six
// machine-word arguments onto the other modules. It is grounded on the
// teacher's syscall.go dispatch table (a big switch over a call number
// with per-call argument unpacking) and defs.Err_t's negative-int
// convention for the return value, adapted to run hosted: "user
// pointers" are addresses inside a simulated AS reached through the
// VMM's direct map rather than real userspace memory, and there is no
// architecture-specific trap stub — callers invoke Dispatch directly
// with already-unpacked arguments.
package scall

import (
	"bufio"
	"context"
	"io"
	"time"

	"microkernel/cap"
	"microkernel/defs"
	"microkernel/ipc"
	"microkernel/kheap"
	"microkernel/klog"
	"microkernel/mem"
	"microkernel/proc"
	"microkernel/sched"
	"microkernel/vm"
)

// Num enumerates the canonical syscall set (spec.md §4.8).
type Num int

const (
	SysExit Num = iota
	SysRead
	SysWrite
	SysOpen
	SysClose
	SysSleep
	SysYield
	SysGetpid
	SysGetuid
	SysFork
	SysExec
	SysWait
	SysMmap
	SysMunmap
	SysBrk
	SysGetcwd
	SysChdir
	SysThreadCreate
	SysThreadExit
	SysIPCSend
	SysIPCReceive
	numSyscalls
)

// userHalfBoundary is the canonical non-negative (user) half of a
// 48-bit virtual address space; every user pointer must lie strictly
// below it (spec.md §4.8).
const userHalfBoundary = uintptr(1) << 47

// defaultMmapBase/defaultBrkBase anchor MMAP's and BRK's search/growth
// ranges in the absence of an address hint (spec.md §4.2's mmap_alloc
// scans "starting at userBase").
const (
	defaultMmapBase = uintptr(0x0000_5000_0000_0000)
	defaultBrkBase  = uintptr(0x0000_6000_0000_0000)
)

// Deps collects the subsystems Dispatch calls into.
type Deps struct {
	Registry *proc.Registry
	VMM      *vm.VMM
	Sched    *sched.Scheduler
	Ports    *ipc.Registry
	Heap     *kheap.Heap
	Alloc    *mem.Allocator
	Log      klog.Sink
	Console  io.Reader // boot console backing READ from fd 0
}

// Dispatcher is the validated syscall entry point (spec.md §4.8,
// "Architectural dispatcher (consumed): ... syscall_entry(number,
// a0..a5)").
type Dispatcher struct {
	reg   *proc.Registry
	vmm   *vm.VMM
	sched *sched.Scheduler
	ports *ipc.Registry
	heap  *kheap.Heap
	alloc *mem.Allocator
	log   klog.Sink

	console *bufio.Reader
}

// New constructs a Dispatcher over the given subsystems.
func New(d Deps) *Dispatcher {
	log := d.Log
	if log == nil {
		log = klog.Discard
	}
	var console *bufio.Reader
	if d.Console != nil {
		console = bufio.NewReader(d.Console)
	}
	return &Dispatcher{
		reg: d.Registry, vmm: d.VMM, sched: d.Sched, ports: d.Ports,
		heap: d.Heap, alloc: d.Alloc, log: log, console: console,
	}
}

// callerContext resolves the calling thread's TCB and owning Process;
// every syscall needs at least one of them.
func (d *Dispatcher) callerContext(caller defs.Tid_t) (*proc.TCB, *proc.Process, defs.Err_t) {
	tcb, ok := d.reg.Thread(caller)
	if !ok {
		return nil, nil, defs.ENOENT
	}
	p, ok := d.reg.Process(tcb.Pid)
	if !ok {
		return nil, nil, defs.ENOENT
	}
	return tcb, p, 0
}

// validateUserPtr enforces spec.md §4.8's three boundary checks:
// non-NULL if required, the whole range strictly below the kernel-half
// boundary, and addr+len not overflowing.
func validateUserPtr(addr, length uintptr, required bool) defs.Err_t {
	if addr == 0 {
		if required {
			return defs.EFAULT
		}
		return 0
	}
	end := addr + length
	if end < addr {
		return defs.EFAULT
	}
	if end > userHalfBoundary {
		return defs.EFAULT
	}
	return 0
}

// readUser copies n bytes out of as starting at addr, walking the VMM
// translation page by page through the direct map.
func (d *Dispatcher) readUser(as *vm.AS, addr uintptr, n int) ([]byte, defs.Err_t) {
	if err := validateUserPtr(addr, uintptr(n), true); err != 0 {
		return nil, err
	}
	out := make([]byte, 0, n)
	va := addr
	for remaining := n; remaining > 0; {
		pageBase := va &^ uintptr(mem.PageMask)
		frame, ok := d.vmm.Translate(as, pageBase)
		if !ok {
			return nil, defs.EFAULT
		}
		off := va - pageBase
		chunk := mem.PageSize - int(off)
		if chunk > remaining {
			chunk = remaining
		}
		page := d.alloc.Dmap(frame)
		out = append(out, page[off:off+uintptr(chunk)]...)
		va += uintptr(chunk)
		remaining -= chunk
	}
	return out, 0
}

// writeUser copies data into as starting at addr, walking the VMM
// translation page by page.
func (d *Dispatcher) writeUser(as *vm.AS, addr uintptr, data []byte) defs.Err_t {
	if err := validateUserPtr(addr, uintptr(len(data)), true); err != 0 {
		return err
	}
	va := addr
	rest := data
	for len(rest) > 0 {
		pageBase := va &^ uintptr(mem.PageMask)
		frame, ok := d.vmm.Translate(as, pageBase)
		if !ok {
			return defs.EFAULT
		}
		off := va - pageBase
		chunk := mem.PageSize - int(off)
		if chunk > len(rest) {
			chunk = len(rest)
		}
		page := d.alloc.Dmap(frame)
		copy(page[off:off+uintptr(chunk)], rest[:chunk])
		va += uintptr(chunk)
		rest = rest[chunk:]
	}
	return 0
}

// Dispatch validates and executes one syscall, per spec.md §4.8: "The
// dispatcher must validate that the call number is known and that
// every user pointer satisfies" the three boundary rules.
func (d *Dispatcher) Dispatch(ctx context.Context, caller defs.Tid_t, num Num, a0, a1, a2, a3, a4, a5 uintptr) (uint64, defs.Err_t) {
	if num < 0 || num >= numSyscalls {
		return 0, defs.EINVAL
	}

	tcb, p, err := d.callerContext(caller)
	if err != 0 {
		return 0, err
	}

	// Account the gap since the thread's last dispatch as user time, and
	// this call's own execution as system time, generalizing spec.md §3's
	// virtual-runtime counter into the teacher's accnt user/system split
	// (SPEC_FULL.md §12).
	now := time.Now()
	if prev := tcb.MarkDispatchBoundary(now); !prev.IsZero() {
		tcb.Account(proc.AccountUser, now.Sub(prev).Nanoseconds())
	}
	defer func() {
		end := time.Now()
		tcb.Account(proc.AccountSystem, end.Sub(now).Nanoseconds())
		tcb.MarkDispatchBoundary(end)
	}()

	switch num {
	case SysExit:
		d.reg.ExitProcess(p.Pid, int(int32(a0)))
		tcb.SetState(proc.StateZombie)
		return 0, 0

	case SysRead:
		return d.sysRead(p, a0, a1, a2)

	case SysWrite:
		return d.sysWrite(p, a0, a1, a2)

	case SysOpen, SysClose, SysGetcwd, SysChdir, SysExec:
		return 0, defs.ENOSYS

	case SysSleep:
		d.sched.Block(tcb)
		time.Sleep(time.Duration(a0) * time.Millisecond)
		d.sched.Wake(tcb)
		return 0, 0

	case SysYield:
		d.sched.CPU(tcb.HomeCPU).Requeue(tcb, false)
		return 0, 0

	case SysGetpid:
		return uint64(p.Pid), 0

	case SysGetuid:
		return 0, defs.ENOSYS

	case SysFork:
		return d.sysFork(p, tcb)

	case SysWait:
		code, ok := d.reg.Reap(defs.Pid_t(a0))
		if !ok {
			return 0, defs.ENOENT
		}
		return uint64(int64(int32(code))), 0

	case SysMmap:
		return d.sysMmap(p, tcb, a0, a1, a2)

	case SysMunmap:
		return 0, d.vmm.MmapFreeCPU(p.AS, a0, a0+a1, tcb.HomeCPU)

	case SysBrk:
		return d.sysBrk(p, tcb, a0)

	case SysThreadCreate:
		return d.sysThreadCreate(p, a0, a1, a2)

	case SysThreadExit:
		tcb.SetState(proc.StateZombie)
		return 0, 0

	case SysIPCSend:
		return d.sysIPCSend(p, tcb, a0, a1, a2, a3)

	case SysIPCReceive:
		return d.sysIPCReceive(ctx, p, a0, a1, a2)

	default:
		return 0, defs.EINVAL
	}
}

func (d *Dispatcher) sysRead(p *proc.Process, fd, addr, length uintptr) (uint64, defs.Err_t) {
	if fd != defs.DevConsole {
		return 0, defs.ENOSYS
	}
	if d.console == nil {
		return 0, defs.ENOSYS
	}
	line, rerr := d.console.ReadString('\n')
	if rerr != nil && rerr != io.EOF {
		return 0, defs.EFAULT
	}
	if uintptr(len(line)) > length {
		line = line[:length]
	}
	if err := d.writeUser(p.AS, addr, []byte(line)); err != 0 {
		return 0, err
	}
	return uint64(len(line)), 0
}

func (d *Dispatcher) sysWrite(p *proc.Process, fd, addr, length uintptr) (uint64, defs.Err_t) {
	if fd != defs.DevStdout && fd != defs.DevStderr {
		return 0, defs.ENOSYS
	}
	data, err := d.readUser(p.AS, addr, int(length))
	if err != 0 {
		return 0, err
	}
	d.log.Infof("%s", string(data))
	return uint64(len(data)), 0
}

func (d *Dispatcher) sysFork(parent *proc.Process, parentTCB *proc.TCB) (uint64, defs.Err_t) {
	childAS, err := d.vmm.ForkCOW(parent.AS)
	if err != 0 {
		return 0, err
	}
	child := d.reg.CreateProcess(parent.Pid, childAS)

	tid := d.reg.NextTid()
	childTCB, err := proc.NewTCB(d.alloc, tid, child.Pid, parentTCB.Name+"-child", parentTCB.Entry, parentTCB.Arg, parentTCB.BasePriority, parentTCB.HomeCPU)
	if err != 0 {
		d.vmm.DestroyAS(childAS)
		return 0, err
	}
	d.reg.AddThread(childTCB)
	d.sched.Enqueue(childTCB)
	d.vmm.SwitchTo(childAS, childTCB.HomeCPU)
	return uint64(child.Pid), 0
}

// sysMmap backs every new mapping through the caller's home CPU's
// free-list cache (vm.MmapAllocCPU) rather than the global allocator
// directly, exercising the Frame Allocator's per-CPU fast path
// (SPEC_FULL.md §12) on the hot path a real workload drives hardest.
func (d *Dispatcher) sysMmap(p *proc.Process, tcb *proc.TCB, addrHint, length, permBits uintptr) (uint64, defs.Err_t) {
	base := addrHint
	if base == 0 {
		base = defaultMmapBase
	}
	addr, err := d.vmm.MmapAllocCPU(p.AS, base, length, vm.Perm(permBits), tcb.HomeCPU)
	return uint64(addr), err
}

func (d *Dispatcher) sysBrk(p *proc.Process, tcb *proc.TCB, newbrk uintptr) (uint64, defs.Err_t) {
	if p.Brk == 0 {
		p.Brk = defaultBrkBase
	}
	if newbrk == 0 {
		return uint64(p.Brk), 0
	}
	if newbrk < defaultBrkBase {
		return 0, defs.EINVAL
	}
	switch {
	case newbrk > p.Brk:
		if _, err := d.vmm.MmapAllocCPU(p.AS, p.Brk, newbrk-p.Brk, vm.PermR|vm.PermW, tcb.HomeCPU); err != 0 {
			return uint64(p.Brk), err
		}
	case newbrk < p.Brk:
		d.vmm.MmapFreeCPU(p.AS, newbrk, p.Brk, tcb.HomeCPU)
	}
	p.Brk = newbrk
	return uint64(p.Brk), 0
}

func (d *Dispatcher) sysThreadCreate(p *proc.Process, entry, arg uintptr, prio uintptr) (uint64, defs.Err_t) {
	tid := d.reg.NextTid()
	tcb, err := proc.NewTCB(d.alloc, tid, p.Pid, "thread", func(any) {}, arg, int(prio), 0)
	if err != 0 {
		return 0, err
	}
	d.reg.AddThread(tcb)
	d.sched.Enqueue(tcb)
	return uint64(tid), 0
}

func (d *Dispatcher) sysIPCSend(p *proc.Process, tcb *proc.TCB, portID, typeTag, payloadAddr, payloadLen uintptr) (uint64, defs.Err_t) {
	port, ok := d.ports.Lookup(defs.PortID(portID))
	if !ok {
		return 0, defs.ENOENT
	}
	if !p.Caps.Check(findPortCapOrZero(p.Caps, defs.PortID(portID)), cap.RightW) {
		return 0, defs.EPERM
	}

	ownerTCB, ok := d.reg.Thread(port.Owner())
	if !ok {
		return 0, defs.ENOENT
	}
	ownerProc, ok := d.reg.Process(ownerTCB.Pid)
	if !ok {
		return 0, defs.ENOENT
	}

	msg := ipc.Message{Sender: tcb.Tid, Type: uint32(typeTag)}
	if payloadLen > 0 {
		n := int(payloadLen)
		if n > ipc.MaxInlinePayload {
			n = ipc.MaxInlinePayload
		}
		data, err := d.readUser(p.AS, payloadAddr, n)
		if err != 0 {
			return 0, err
		}
		copy(msg.Payload[:], data)
		msg.PayloadLen = len(data)
	}

	if err := port.Send(p.Caps, ownerProc.Caps, msg); err != 0 {
		return 0, err
	}
	return uint64(msg.PayloadLen), 0
}

// findPortCapOrZero resolves the sender's capability id for portID, or
// 0 (never a valid id) if it holds none — Check on id 0 always fails,
// which is the desired PERMISSION_DENIED outcome.
func findPortCapOrZero(caps *cap.Table, portID defs.PortID) defs.CapID {
	if id, ok := caps.Find(cap.KindPort, uint64(portID)); ok {
		return id
	}
	return 0
}

func (d *Dispatcher) sysIPCReceive(ctx context.Context, p *proc.Process, portID, outAddr, outLen uintptr) (uint64, defs.Err_t) {
	port, ok := d.ports.Lookup(defs.PortID(portID))
	if !ok {
		return 0, defs.ENOENT
	}
	msg, err := port.Recv(ctx)
	if err != 0 {
		return 0, err
	}
	n := msg.PayloadLen
	if uintptr(n) > outLen {
		n = int(outLen)
	}
	if n > 0 {
		if err := d.writeUser(p.AS, outAddr, msg.Payload[:n]); err != 0 {
			return 0, err
		}
	}
	return uint64(n), 0
}
