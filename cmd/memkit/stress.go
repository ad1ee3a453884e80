package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/memkit/memkit/malloc"
)

var (
	stressWorkers  int
	stressDuration time.Duration
	stressMinSize  int
	stressMaxSize  int
	stressRelease  int64
	stressRing     bool
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressWorkers, "workers", 8, "Concurrent allocating goroutines")
	cmd.Flags().DurationVar(&stressDuration, "duration", 5*time.Second, "How long to run")
	cmd.Flags().IntVar(&stressMinSize, "min", 8, "Minimum allocation size in bytes")
	cmd.Flags().IntVar(&stressMaxSize, "max", 4096, "Exclusive upper bound on allocation size in bytes")
	cmd.Flags().Int64Var(&stressRelease, "release-rate", 0, "Background OS release rate in bytes/sec")
	cmd.Flags().BoolVar(&stressRing, "ring", false, "Use the ring transfer cache variant")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a synthetic allocation workload and print the ledger",
		Long: `The stress command churns the allocator from several goroutines
with uniformly random sizes, frees everything, then prints the statistics
ledger so cache and page-heap behavior can be inspected.

Example:
  memkit stress --workers 16 --duration 10s --max 65536
  memkit stress --ring --release-rate 1048576`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
}

func runStress() error {
	opts := malloc.DefaultOptions()
	opts.PartialTransferCache = stressRing
	opts.Logger = newLogger()
	a, err := malloc.New(opts)
	if err != nil {
		return fmt.Errorf("allocator init: %w", err)
	}
	if stressRelease > 0 {
		a.Params().SetBackgroundReleaseRate(stressRelease)
	}
	a.Params().SetShufflePerCPUCaches(true)

	ctx, cancel := context.WithTimeout(context.Background(), stressDuration)
	defer cancel()
	a.StartBackground(ctx)

	printInfo("stressing: %d workers, sizes [%d, %d), %s\n",
		stressWorkers, stressMinSize, stressMaxSize, stressDuration)

	var (
		wg  sync.WaitGroup
		ops int64
		mu  sync.Mutex
	)
	for w := 0; w < stressWorkers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			live := make([]unsafe.Pointer, 0, 1024)
			n := int64(0)
			for ctx.Err() == nil {
				if len(live) > 512 || (len(live) > 0 && rng.Intn(2) == 0) {
					i := rng.Intn(len(live))
					a.Free(live[i])
					live[i] = live[len(live)-1]
					live = live[:len(live)-1]
				} else {
					size := stressMinSize + rng.Intn(stressMaxSize-stressMinSize)
					if p := a.Alloc(uintptr(size)); p != nil {
						live = append(live, p)
					}
				}
				n++
			}
			for _, p := range live {
				a.Free(p)
			}
			mu.Lock()
			ops += n
			mu.Unlock()
		}(int64(w) + 1)
	}
	wg.Wait()

	pr := message.NewPrinter(language.English)
	pr.Fprintf(os.Stdout, "%d operations (%d/sec)\n",
		ops, int64(float64(ops)/stressDuration.Seconds()))

	st := a.Snapshot()
	rows := []struct {
		name  string
		bytes int64
	}{
		{"heap size", st.HeapSizeBytes},
		{"physical memory", st.PhysicalMemoryUsed},
		{"in use by app", st.CurrentAllocated},
		{"pageheap free", st.PageheapFreeBytes},
		{"pageheap unmapped", st.PageheapUnmapped},
		{"central cache", st.CentralCacheFree},
		{"transfer cache", st.TransferCacheFree},
		{"per-cpu cache", st.CPUCacheFree},
		{"metadata", st.MetadataBytes},
	}
	for _, r := range rows {
		fmt.Fprintf(os.Stdout, "%-20s %10s\n", r.name, humanize.IBytes(uint64(max64(r.bytes, 0))))
	}
	if verbose {
		fmt.Fprintln(os.Stdout, a.Report())
	}
	return nil
}

func max64(v, floor int64) int64 {
	if v < floor {
		return floor
	}
	return v
}
