package proc

import (
	"encoding/binary"
	"testing"

	"microkernel/mem"
)

func newTestAlloc(t *testing.T) *mem.Allocator {
	t.Helper()
	regions := []mem.Region{{Base: 0, Length: 64 << 20, Kind: mem.Conventional}}
	return mem.NewAllocator(regions, 0, 0, nil)
}

func TestNewTCBAndFreeStack(t *testing.T) {
	alloc := newTestAlloc(t)
	freeBefore, _ := alloc.Counts()

	tcb, err := NewTCB(alloc, 1, 1, "init", func(any) {}, nil, 10, 0)
	if err != 0 {
		t.Fatalf("new tcb: %v", err)
	}
	if tcb.State != StateNew {
		t.Fatalf("state = %v, want NEW", tcb.State)
	}
	if len(tcb.Stack) != KernelStackSize {
		t.Fatalf("stack size = %d, want %d", len(tcb.Stack), KernelStackSize)
	}

	tcb.FreeStack(alloc)
	freeAfter, _ := alloc.Counts()
	if freeAfter != freeBefore {
		t.Fatalf("freeing the stack leaked frames: before=%d after=%d", freeBefore, freeAfter)
	}
}

func TestAssertOffListCatchesDoubleListing(t *testing.T) {
	alloc := newTestAlloc(t)
	tcb, _ := NewTCB(alloc, 1, 1, "t", func(any) {}, nil, 0, 0)
	tcb.List = OnReadyList

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic when a thread is already on a list")
		}
	}()
	tcb.AssertOffList()
}

func TestProcessRegistryLifecycle(t *testing.T) {
	reg := NewRegistry(nil)
	p := reg.CreateProcess(0, nil)
	if p.State != ProcNew {
		t.Fatalf("new process state = %v, want NEW", p.State)
	}

	alloc := newTestAlloc(t)
	tid := reg.NextTid()
	tcb, _ := NewTCB(alloc, tid, p.Pid, "main", func(any) {}, nil, 0, 0)
	reg.AddThread(tcb)

	if got, _ := reg.Process(p.Pid); got.State != ProcRunning {
		t.Fatalf("process state after first thread = %v, want RUNNING", got.State)
	}

	reg.ExitProcess(p.Pid, 7)
	code, ok := reg.Reap(p.Pid)
	if !ok || code != 7 {
		t.Fatalf("reap = %v,%v want 7,true", code, ok)
	}
	if _, ok := reg.Process(p.Pid); ok {
		t.Fatalf("reaped process should no longer be found")
	}

	newPid := reg.NextPid()
	if newPid != p.Pid {
		t.Fatalf("reaped PID %d should be recycled, got %d", p.Pid, newPid)
	}
}

// TestBuildUserStackLayout models spec.md §8 scenario S6 exactly.
func TestBuildUserStackLayout(t *testing.T) {
	const stackSize = 4096
	buf := make([]byte, stackSize)
	const topVA = uintptr(0x0000_7fff_ff00_0000) // assumed page-aligned

	sp, err := BuildUserStack(buf, topVA, []string{"sh", "-c"}, []string{"TERM=vt100"})
	if err != 0 {
		t.Fatalf("build user stack: %v", err)
	}
	if sp%16 != 0 {
		t.Fatalf("stack pointer %#x is not 16-byte aligned", sp)
	}

	readWord := func(va uintptr) uint64 {
		off := va - (topVA - stackSize)
		return binary.LittleEndian.Uint64(buf[off : off+8])
	}
	readCString := func(va uintptr) string {
		off := va - (topVA - stackSize)
		end := off
		for buf[end] != 0 {
			end++
		}
		return string(buf[off:end])
	}

	argc := readWord(sp)
	if argc != 2 {
		t.Fatalf("argc = %d, want 2", argc)
	}

	argv0VA := uintptr(readWord(sp + 8))
	argv1VA := uintptr(readWord(sp + 16))
	argvNull := readWord(sp + 24)
	if argvNull != 0 {
		t.Fatalf("argv array not NULL-terminated")
	}
	if got := readCString(argv0VA); got != "sh" {
		t.Fatalf("argv[0] = %q, want \"sh\"", got)
	}
	if got := readCString(argv1VA); got != "-c" {
		t.Fatalf("argv[1] = %q, want \"-c\"", got)
	}

	envp0VA := uintptr(readWord(sp + 32))
	envpNull := readWord(sp + 40)
	if envpNull != 0 {
		t.Fatalf("envp array not NULL-terminated")
	}
	if got := readCString(envp0VA); got != "TERM=vt100" {
		t.Fatalf("envp[0] = %q, want \"TERM=vt100\"", got)
	}

	auxLo := readWord(sp + 48)
	auxHi := readWord(sp + 56)
	if auxLo != 0 || auxHi != 0 {
		t.Fatalf("terminating aux-vector pair should be zero, got (%d,%d)", auxLo, auxHi)
	}
}
