// Command corekernel boots a kernel-core from a synthetic memory map
// and runs its load-balancer tick until interrupted, the hosted stand-
// in for the teacher's bare-metal boot entry point (the real
// bootloader/trap-assembly handoff is out of scope per spec.md §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"microkernel/kern"
	"microkernel/klog"
	"microkernel/mem"
)

func main() {
	memMB := flag.Int("mem-mb", 256, "simulated physical memory, in MiB")
	numCPU := flag.Int("cpus", 4, "number of simulated per-CPU run-queues")
	balanceEvery := flag.Duration("balance-every", 250*time.Millisecond, "load-balancer tick period")
	flag.Parse()

	log := klog.NewLogrus(os.Stdout, logrus.InfoLevel)

	cfg := kern.Config{
		Memory: []mem.Region{
			{Base: 0, Length: uint64(*memMB) << 20, Kind: mem.Conventional},
		},
		NumCPU:  *numCPU,
		Log:     log,
		Console: os.Stdin,
	}

	core, err := kern.Boot(cfg)
	if err != 0 {
		fmt.Fprintf(os.Stderr, "corekernel: boot failed: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	log.Infof("corekernel: booted with %d cpus, %d MiB", *numCPU, *memMB)
	ticker := time.NewTicker(*balanceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Infof("corekernel: shutting down")
			core.Shutdown()
			return
		case <-ticker.C:
			if err := core.Balance(ctx); err != nil {
				log.Warnf("corekernel: balance tick failed: %v", err)
			}
		}
	}
}
