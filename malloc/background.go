package malloc

import (
	"context"
	"time"

	"github.com/memkit/memkit/malloc/span"
)

const (
	backgroundTick = time.Second

	// Slower policies run every N ticks.
	reclaimEvery = 5
	resizeEvery  = 5
)

// StartBackground launches the maintenance goroutine: shuffle, cache
// reclaim, transfer-cache plunder and resize, dynamic slab resize, and
// rate-paced release to the OS. It returns after starting; cancel ctx to
// stop the task.
func (a *Allocator) StartBackground(ctx context.Context) {
	go a.backgroundLoop(ctx)
}

func (a *Allocator) backgroundLoop(ctx context.Context) {
	ticker := time.NewTicker(backgroundTick)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		tick++
		a.backgroundStep(tick)
	}
}

// backgroundStep runs one maintenance round. Split out so tests can
// drive the policies without real time.
func (a *Allocator) backgroundStep(tick int) {
	perCPU := a.params.PerCPUCaches()
	if perCPU && a.params.ShufflePerCPUCaches() {
		a.cpu.Shuffle()
	}
	// Plunder and reclaim run with the per-CPU tier off too, so objects
	// it still caches drain down.
	a.cpu.PlunderAll()
	if tick%reclaimEvery == 0 {
		a.cpu.TryReclaimingCaches()
	}
	if perCPU && a.params.PerCPUCachesDynamicSlabEnabled() && tick%resizeEvery == 0 {
		shift := a.cpu.DynamicSlabResize(
			a.params.DynamicSlabGrowThreshold(),
			a.params.DynamicSlabShrinkThreshold())
		a.opts.Logger.Debug("dynamic slab pass", "shift", shift)
	}

	a.tc.PlunderAll()
	a.tc.ResizeAll()

	if rate := a.params.BackgroundReleaseRate(); rate > 0 {
		bytesPerTick := rate * int64(backgroundTick) / int64(time.Second)
		pages := span.PagesFor(uintptr(bytesPerTick))
		if pages > 0 {
			a.heap.ReleaseAtLeast(pages)
		}
	}
}

// ReleaseMemory asks the page heap to release at least n bytes back to
// the OS immediately, returning the bytes actually released.
func (a *Allocator) ReleaseMemory(n int64) int64 {
	released := a.heap.ReleaseAtLeast(span.PagesFor(uintptr(n)))
	return int64(released.Bytes())
}
