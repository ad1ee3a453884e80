package malloc

import (
	"io"
	"log/slog"
	"runtime"

	"github.com/memkit/memkit/malloc/percpu"
)

// Options controls construction of an Allocator. The zero value is not
// usable; start from DefaultOptions.
type Options struct {
	// NumCPU sizes the per-CPU tier. Defaults to runtime.NumCPU().
	// Tests pin it to small values to get deterministic layouts.
	NumCPU int

	// SlabShift sets the initial per-CPU slab subregion size to
	// 1<<SlabShift bytes. Dynamic slab resize moves it later when
	// enabled.
	SlabShift uint

	// MaxPerCPUCacheSize is the starting per-CPU byte budget.
	MaxPerCPUCacheSize int64

	// PerCPUCaches enables the per-CPU tier. When false, allocations go
	// straight to the transfer cache.
	PerCPUCaches bool

	// PartialTransferCache starts the transfer cache in the ring variant
	// instead of the legacy exact-batch variant.
	PartialTransferCache bool

	// PrioritizeSpans enables the central free lists' fullest-first
	// draining order.
	PrioritizeSpans bool

	// HeapSizeHardLimit caps the heap's virtual size in bytes; 0 means
	// unlimited.
	HeapSizeHardLimit int64

	// Logger receives lifecycle events. Defaults to a discard logger;
	// the hot paths never log.
	Logger *slog.Logger
}

// DefaultOptions returns the production configuration.
func DefaultOptions() Options {
	return Options{
		NumCPU:             runtime.NumCPU(),
		SlabShift:          percpu.DefaultSlabShift,
		MaxPerCPUCacheSize: 3 << 20,
		PerCPUCaches:       true,
	}
}

func (o *Options) fill() {
	if o.NumCPU <= 0 {
		o.NumCPU = runtime.NumCPU()
	}
	if o.SlabShift == 0 {
		o.SlabShift = percpu.DefaultSlabShift
	}
	if o.MaxPerCPUCacheSize <= 0 {
		o.MaxPerCPUCacheSize = 3 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}
