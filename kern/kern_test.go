package kern

import (
	"context"
	"testing"

	"microkernel/defs"
	"microkernel/mem"
	"microkernel/scall"
)

func testConfig() Config {
	return Config{
		Memory: []mem.Region{{Base: 0, Length: 64 << 20, Kind: mem.Conventional}},
		NumCPU: 2,
	}
}

func TestBootWiresEverySubsystem(t *testing.T) {
	c, err := Boot(testConfig())
	if err != 0 {
		t.Fatalf("boot: %v", err)
	}
	if c.Alloc == nil || c.VMM == nil || c.Heap == nil || c.Procs == nil || c.Sched == nil || c.Ports == nil || c.Sys == nil {
		t.Fatalf("boot left a subsystem unwired: %+v", c)
	}
	if c.Sched.NumCPU() != 2 {
		t.Fatalf("sched has %d cpus, want 2", c.Sched.NumCPU())
	}
}

func TestSpawnInitIsSchedulable(t *testing.T) {
	c, err := Boot(testConfig())
	if err != 0 {
		t.Fatalf("boot: %v", err)
	}
	p, tcb, err := c.SpawnInit(func(any) {}, nil, 10)
	if err != 0 {
		t.Fatalf("spawn init: %v", err)
	}
	if p.DefPort == defs.NoPort {
		t.Fatalf("init process has no default port")
	}
	if !p.Caps.Check(1, 0) {
		t.Fatalf("init process was not granted a capability over its own default port")
	}
	if got := c.Sched.CPU(0).PickNext(); got != tcb {
		t.Fatalf("init thread is not pickable on cpu 0")
	}
}

func TestSyscallEntryRoutesToDispatcher(t *testing.T) {
	c, err := Boot(testConfig())
	if err != 0 {
		t.Fatalf("boot: %v", err)
	}
	p, tcb, err := c.SpawnInit(func(any) {}, nil, 10)
	if err != 0 {
		t.Fatalf("spawn init: %v", err)
	}

	got, err := c.SyscallEntry(context.Background(), tcb.Tid, scall.SysGetpid, 0, 0, 0, 0, 0, 0)
	if err != 0 {
		t.Fatalf("getpid via syscall entry: %v", err)
	}
	if got != uint64(p.Pid) {
		t.Fatalf("getpid = %d, want %d", got, p.Pid)
	}
}
