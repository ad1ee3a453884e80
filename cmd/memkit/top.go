package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"
	"unsafe"

	tea "github.com/charmbracelet/bubbletea"
	sigar "github.com/cloudfoundry/gosigar"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/memkit/memkit/malloc"
)

var (
	topWorkers  int
	topMaxSize  int
	topInterval time.Duration
)

func init() {
	cmd := newTopCmd()
	cmd.Flags().IntVar(&topWorkers, "workers", 4, "Churn goroutines feeding the display")
	cmd.Flags().IntVar(&topMaxSize, "max", 4096, "Exclusive upper bound on allocation size in bytes")
	cmd.Flags().DurationVar(&topInterval, "interval", 500*time.Millisecond, "Refresh interval")
	rootCmd.AddCommand(cmd)
}

func newTopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "top",
		Short: "Watch allocator statistics live under a churn workload",
		Long: `The top command runs a background allocation workload and renders
the allocator's ledger live: tier occupancy, page-heap backing state, and
the process's resident set for comparison. Press q to quit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTop()
		},
	}
}

func runTop() error {
	opts := malloc.DefaultOptions()
	opts.Logger = newLogger()
	a, err := malloc.New(opts)
	if err != nil {
		return fmt.Errorf("allocator init: %w", err)
	}
	a.Params().SetShufflePerCPUCaches(true)
	a.Params().SetBackgroundReleaseRate(1 << 20)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.StartBackground(ctx)
	startChurn(ctx, a, topWorkers, topMaxSize)

	m := topModel{alloc: a, interval: topInterval}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

// startChurn keeps the allocator busy so the display has something to
// show.
func startChurn(ctx context.Context, a *malloc.Allocator, workers, maxSize int) {
	for w := 0; w < workers; w++ {
		go func(seed int64) {
			rng := rand.New(rand.NewSource(seed))
			live := make([]unsafe.Pointer, 0, 512)
			for ctx.Err() == nil {
				if len(live) > 256 || (len(live) > 0 && rng.Intn(2) == 0) {
					i := rng.Intn(len(live))
					a.Free(live[i])
					live[i] = live[len(live)-1]
					live = live[:len(live)-1]
				} else if p := a.Alloc(uintptr(8 + rng.Intn(maxSize-8))); p != nil {
					live = append(live, p)
				}
			}
			for _, p := range live {
				a.Free(p)
			}
		}(int64(w) + 1)
	}
}

type tickMsg time.Time

type topModel struct {
	alloc    *malloc.Allocator
	interval time.Duration
	stats    malloc.Stats
	rss      uint64
	width    int
}

func (m topModel) Init() tea.Cmd {
	return m.tick()
}

func (m topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		m.stats = m.alloc.Snapshot()
		mem := sigar.ProcMem{}
		if err := mem.Get(os.Getpid()); err == nil {
			m.rss = mem.Resident
		}
		return m, m.tick()
	}
	return m, nil
}

func (m topModel) View() string {
	st := m.stats
	header := titleStyle.Render("memkit · live allocator ledger")
	rows := [][2]string{
		{"in use by app", humanize.IBytes(uint64(max64(st.CurrentAllocated, 0)))},
		{"per-cpu cache", humanize.IBytes(uint64(max64(st.CPUCacheFree, 0)))},
		{"transfer cache", humanize.IBytes(uint64(max64(st.TransferCacheFree, 0)))},
		{"central cache", humanize.IBytes(uint64(max64(st.CentralCacheFree, 0)))},
		{"pageheap free", humanize.IBytes(uint64(max64(st.PageheapFreeBytes, 0)))},
		{"pageheap unmapped", humanize.IBytes(uint64(max64(st.PageheapUnmapped, 0)))},
		{"heap size", humanize.IBytes(uint64(max64(st.HeapSizeBytes, 0)))},
		{"physical (ledger)", humanize.IBytes(uint64(max64(st.PhysicalMemoryUsed, 0)))},
		{"metadata", humanize.IBytes(uint64(max64(st.MetadataBytes, 0)))},
		{"process RSS", humanize.IBytes(m.rss)},
	}
	body := ""
	for _, r := range rows {
		body += labelStyle.Render(fmt.Sprintf("%-20s", r[0])) + valueStyle.Render(r[1]) + "\n"
	}
	footer := footerStyle.Render("q to quit")
	return boxStyle.Render(header + "\n\n" + body + "\n" + footer)
}
