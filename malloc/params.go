package malloc

import (
	"sync/atomic"
	"time"
)

// Params is the runtime knob surface. Every knob is atomically readable
// and settable while the allocator runs; setters forward to the tier
// that owns the behavior.
type Params struct {
	a *Allocator

	maxTotalThreadCacheBytes   atomic.Int64
	backgroundReleaseRate      atomic.Int64 // bytes per second
	skipSubreleaseInterval     atomic.Int64 // nanoseconds
	shufflePerCPUCaches        atomic.Bool
	prioritizeSpans            atomic.Bool
	partialTransferCache       atomic.Bool
	perCPUCaches               atomic.Bool
	dynamicSlabEnabled         atomic.Bool
	dynamicSlabGrowThreshold   atomic.Int64
	dynamicSlabShrinkThreshold atomic.Int64
}

const (
	defaultBackgroundReleaseRate = 0 // bytes/sec; 0 disables paced release
	defaultDynamicSlabGrow       = 1 << 12
	defaultDynamicSlabShrink     = 1 << 6
)

func newParams(a *Allocator, opts Options) *Params {
	p := &Params{a: a}
	p.perCPUCaches.Store(opts.PerCPUCaches)
	p.partialTransferCache.Store(opts.PartialTransferCache)
	p.prioritizeSpans.Store(opts.PrioritizeSpans)
	p.backgroundReleaseRate.Store(defaultBackgroundReleaseRate)
	p.dynamicSlabGrowThreshold.Store(defaultDynamicSlabGrow)
	p.dynamicSlabShrinkThreshold.Store(defaultDynamicSlabShrink)
	return p
}

// MaxPerCPUCacheSize reads the per-CPU byte budget knob.
func (p *Params) MaxPerCPUCacheSize() int64 { return p.a.cpu.MaxPerCPUBytes() }

// SetMaxPerCPUCacheSize adjusts the per-CPU byte budget; the capacity
// pool absorbs the change.
func (p *Params) SetMaxPerCPUCacheSize(bytes int64) { p.a.cpu.SetMaxPerCPUBytes(bytes) }

// MaxTotalThreadCacheBytes reads the aggregate bound for the legacy
// thread-cache variant. The variant is not built; the knob is carried
// for interface compatibility and reported in stats.
func (p *Params) MaxTotalThreadCacheBytes() int64 { return p.maxTotalThreadCacheBytes.Load() }

// SetMaxTotalThreadCacheBytes stores the thread-cache bound knob.
func (p *Params) SetMaxTotalThreadCacheBytes(bytes int64) {
	p.maxTotalThreadCacheBytes.Store(bytes)
}

// BackgroundReleaseRate reads the steady-state OS release rate in bytes
// per second.
func (p *Params) BackgroundReleaseRate() int64 { return p.backgroundReleaseRate.Load() }

// SetBackgroundReleaseRate paces the background task's ReleaseAtLeast
// calls. Zero disables paced release.
func (p *Params) SetBackgroundReleaseRate(bytesPerSec int64) {
	p.backgroundReleaseRate.Store(bytesPerSec)
}

// SkipSubreleaseInterval reads back the stored skip-subrelease interval.
// The page heap's release paths do not consult it.
func (p *Params) SkipSubreleaseInterval() time.Duration {
	return time.Duration(p.skipSubreleaseInterval.Load())
}

// SetSkipSubreleaseInterval stores the skip-subrelease interval; release
// behavior does not change with it.
func (p *Params) SetSkipSubreleaseInterval(d time.Duration) {
	p.skipSubreleaseInterval.Store(int64(d))
}

// ShufflePerCPUCaches reports whether the background shuffle policy runs.
func (p *Params) ShufflePerCPUCaches() bool { return p.shufflePerCPUCaches.Load() }

// SetShufflePerCPUCaches toggles the background shuffle policy.
func (p *Params) SetShufflePerCPUCaches(on bool) { p.shufflePerCPUCaches.Store(on) }

// PrioritizeSpans reports whether central lists drain fullest-first.
func (p *Params) PrioritizeSpans() bool { return p.prioritizeSpans.Load() }

// SetPrioritizeSpans toggles the central lists' partial-span ordering.
// Spans re-bucket lazily as they are touched.
func (p *Params) SetPrioritizeSpans(on bool) { p.prioritizeSpans.Store(on) }

// PartialTransferCache reports whether the ring variant is active.
func (p *Params) PartialTransferCache() bool { return p.partialTransferCache.Load() }

// SetPartialTransferCache switches the transfer cache variant, migrating
// each class's buffered objects. Used counts and capacities survive the
// toggle.
func (p *Params) SetPartialTransferCache(ring bool) {
	p.partialTransferCache.Store(ring)
	p.a.tc.SetVariant(ring)
}

// PerCPUCaches reports whether the per-CPU tier is in the allocation
// path.
func (p *Params) PerCPUCaches() bool { return p.perCPUCaches.Load() }

// SetPerCPUCaches toggles the per-CPU tier. Turning it off strands
// nothing: cached objects stay reachable and drain through the normal
// policies.
func (p *Params) SetPerCPUCaches(on bool) { p.perCPUCaches.Store(on) }

// PerCPUCachesDynamicSlabEnabled reports whether the background task may
// resize the slab.
func (p *Params) PerCPUCachesDynamicSlabEnabled() bool { return p.dynamicSlabEnabled.Load() }

// SetPerCPUCachesDynamicSlabEnabled toggles dynamic slab resize.
func (p *Params) SetPerCPUCachesDynamicSlabEnabled(on bool) { p.dynamicSlabEnabled.Store(on) }

// DynamicSlabGrowThreshold reads the miss delta above which the slab
// grows.
func (p *Params) DynamicSlabGrowThreshold() int64 { return p.dynamicSlabGrowThreshold.Load() }

// SetDynamicSlabGrowThreshold sets the grow threshold.
func (p *Params) SetDynamicSlabGrowThreshold(v int64) { p.dynamicSlabGrowThreshold.Store(v) }

// DynamicSlabShrinkThreshold reads the miss delta below which the slab
// shrinks.
func (p *Params) DynamicSlabShrinkThreshold() int64 { return p.dynamicSlabShrinkThreshold.Load() }

// SetDynamicSlabShrinkThreshold sets the shrink threshold.
func (p *Params) SetDynamicSlabShrinkThreshold(v int64) { p.dynamicSlabShrinkThreshold.Store(v) }

// HeapSizeHardLimit reads the virtual-size cap (0 = unlimited).
func (p *Params) HeapSizeHardLimit() int64 { return p.a.heap.HardLimit() }

// SetHeapSizeHardLimit caps the heap's virtual size; allocations that
// would grow past it fail with ErrLimitExceeded.
func (p *Params) SetHeapSizeHardLimit(bytes int64) { p.a.heap.SetHardLimit(bytes) }
