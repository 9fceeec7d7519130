// Command kstat boots a throwaway kernel-core over a synthetic memory
// map and prints its accounting report, useful for eyeballing the
// kernel-core's default sizing without wiring up the full corekernel
// driver.
package main

import (
	"flag"
	"fmt"
	"os"

	"microkernel/kern"
	"microkernel/kstat"
	"microkernel/mem"
)

func main() {
	memMB := flag.Int("mem-mb", 256, "simulated physical memory, in MiB")
	numCPU := flag.Int("cpus", 4, "number of simulated per-CPU run-queues")
	flag.Parse()

	core, err := kern.Boot(kern.Config{
		Memory: []mem.Region{{Base: 0, Length: uint64(*memMB) << 20, Kind: mem.Conventional}},
		NumCPU: *numCPU,
	})
	if err != 0 {
		fmt.Fprintf(os.Stderr, "kstat: boot failed: %v\n", err)
		os.Exit(1)
	}

	if err := kstat.Report(os.Stdout, core, nil); err != nil {
		fmt.Fprintf(os.Stderr, "kstat: %v\n", err)
		os.Exit(1)
	}
}
