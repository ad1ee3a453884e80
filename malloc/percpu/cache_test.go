package percpu

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/malloc/central"
	"github.com/memkit/memkit/malloc/pageheap"
	"github.com/memkit/memkit/malloc/pagemap"
	"github.com/memkit/memkit/malloc/sizeclass"
	"github.com/memkit/memkit/malloc/transfercache"
)

const testMaxPerCPU = 1 << 20

// testRig wires a full lower stack under the per-CPU tier, with the
// current-CPU lookup pinned to a settable value.
type testRig struct {
	cache *Cache
	tc    *transfercache.Cache
	heap  *pageheap.PageHeap
	cpu   atomic.Int64
}

func newRig(t *testing.T, numCPU int) *testRig {
	t.Helper()
	pm := pagemap.New()
	heap := pageheap.New(pm)
	flag := new(atomic.Bool)
	n := sizeclass.NumClasses()
	lists := make([]*central.FreeList, n)
	for sc := 1; sc < n; sc++ {
		lists[sc] = central.NewFreeList(sc, heap, pm, flag)
	}
	tc := transfercache.New(lists, true)
	rig := &testRig{tc: tc, heap: heap}
	cache, err := New(tc, Config{
		NumCPU:         numCPU,
		SlabShift:      minSlabShift,
		MaxPerCPUBytes: testMaxPerCPU,
		CurrentCPU:     func() int { return int(rig.cpu.Load()) },
	})
	require.NoError(t, err)
	t.Cleanup(cache.Close)
	rig.cache = cache
	return rig
}

func requireCapacityInvariant(t *testing.T, c *Cache) {
	t.Helper()
	for cpu := 0; cpu < c.NumCPU(); cpu++ {
		st := c.StatsFor(cpu)
		require.Equal(t, st.CapacityBytes, st.AllocatedBytes+st.UnallocatedBytes,
			"cpu %d: allocated + unallocated must equal capacity", cpu)
		require.GreaterOrEqual(t, st.AllocatedBytes, st.UsedBytes, "cpu %d", cpu)
	}
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(16)

	ptr, err := c.Allocate(cls)
	require.NoError(t, err)
	require.NotZero(t, ptr)
	c.Deallocate(cls, ptr)

	for i := 0; i < 100000; i++ {
		p, err := c.Allocate(cls)
		require.NoError(t, err)
		require.Equal(t, ptr, p, "the slot is LIFO; the same object cycles")
		c.Deallocate(cls, p)
	}

	st := c.StatsFor(0)
	require.Equal(t, int64(1), st.Underflows, "exactly one refill")
	require.Zero(t, st.Overflows)
	requireCapacityInvariant(t, c)
}

func TestRefillKeepsBatchMinusOne(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)
	n := sizeclass.Batch(cls)

	_, err := c.Allocate(cls)
	require.NoError(t, err)
	st := c.StatsFor(0)
	require.Equal(t, int64(n-1)*int64(sizeclass.Size(cls)), st.UsedBytes)
}

func TestDrainOnOverflow(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	// Allocate far more than one slot can hold, then free everything:
	// the frees must overflow into drains without losing an object.
	held := make([]uintptr, 0, 4096)
	for i := 0; i < 4096; i++ {
		p, err := c.Allocate(cls)
		require.NoError(t, err)
		held = append(held, p)
	}
	for _, p := range held {
		c.Deallocate(cls, p)
	}
	st := c.StatsFor(0)
	require.Positive(t, st.Overflows)
	requireCapacityInvariant(t, c)

	// Every object is reachable again.
	seen := make(map[uintptr]bool, len(held))
	for range held {
		p, err := c.Allocate(cls)
		require.NoError(t, err)
		require.False(t, seen[p], "object %#x returned twice", p)
		seen[p] = true
	}
	for _, p := range held {
		require.True(t, seen[p])
	}
}

func TestShuffleMovesCapacityToHotCPU(t *testing.T) {
	rig := newRig(t, 2)
	c := rig.cache
	cls, _ := sizeclass.Classify(128)

	total := c.TotalCapacityBytes()
	require.Equal(t, int64(2*testMaxPerCPU), total)
	floor := int64(testMaxPerCPU) / capacityFloorDenom

	// CPU 0 runs hot; CPU 1 never allocates. Shuffle until steady state.
	rig.cpu.Store(0)
	for round := 0; round < 32; round++ {
		for i := 0; i < 4*sizeclass.Batch(cls); i++ {
			p, err := c.Allocate(cls)
			require.NoError(t, err)
			c.Deallocate(cls, p)
			// Empty the slot so the next allocation misses again.
			c.Reclaim(0)
		}
		c.Shuffle()
	}

	require.Equal(t, floor, c.CapacityBytes(1), "cold CPU pinned at the floor")
	require.Equal(t, int64(2*testMaxPerCPU), c.TotalCapacityBytes(),
		"shuffle conserves total capacity")
	require.Greater(t, c.CapacityBytes(0)+c.PoolBytes(), c.CapacityBytes(1))
}

func TestReclaimDrainsAndReturnsBudget(t *testing.T) {
	rig := newRig(t, 2)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	rig.cpu.Store(0)
	p, err := c.Allocate(cls)
	require.NoError(t, err)
	c.Deallocate(cls, p)
	require.Positive(t, c.UsedBytes(0))

	before := c.TotalCapacityBytes()
	c.Reclaim(0)
	require.Zero(t, c.UsedBytes(0))
	require.Zero(t, c.CapacityBytes(0))
	require.Positive(t, c.PoolBytes())
	require.Equal(t, before, c.TotalCapacityBytes(), "reclaim conserves capacity")
	requireCapacityInvariant(t, c)

	// The CPU restarts from the pool on its next miss.
	p2, err := c.Allocate(cls)
	require.NoError(t, err)
	require.NotZero(t, p2)
	require.Positive(t, c.CapacityBytes(0))
}

func TestTryReclaimingCachesOnlyIdle(t *testing.T) {
	rig := newRig(t, 2)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	rig.cpu.Store(0)
	p, err := c.Allocate(cls)
	require.NoError(t, err)
	c.Deallocate(cls, p)

	// First pass sees fresh misses on CPU 0 and leaves it alone; CPU 1,
	// idle from the start, is the one CPU reclaimed.
	require.Equal(t, 1, c.TryReclaimingCaches())
	require.Positive(t, c.UsedBytes(0))

	// No activity since: the second pass reclaims it.
	require.Equal(t, 1, c.TryReclaimingCaches())
	require.Zero(t, c.UsedBytes(0))
}

func TestDynamicSlabResize(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	p, err := c.Allocate(cls)
	require.NoError(t, err)
	c.Deallocate(cls, p)
	used := c.UsedBytes(0)
	require.Positive(t, used)

	// Any activity beats a grow threshold of -1: the slab doubles.
	shift := c.SlabShift()
	require.Equal(t, shift+1, c.DynamicSlabResize(-1, -2))
	require.Equal(t, used, c.UsedBytes(0), "cached objects survive the resize")
	requireCapacityInvariant(t, c)

	// An idle interval shrinks it back.
	require.Equal(t, shift, c.DynamicSlabResize(1<<40, 1<<30))
	require.Equal(t, used, c.UsedBytes(0))
	requireCapacityInvariant(t, c)

	// The same object still comes back out.
	p2, err := c.Allocate(cls)
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestTryPlunderDrainsIdleSlots(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	p, err := c.Allocate(cls)
	require.NoError(t, err)
	c.Deallocate(cls, p)
	require.Positive(t, c.UsedBytes(0))

	// First pass only arms the low-water window: it began at an empty
	// slot, so nothing is provably idle yet.
	c.TryPlunder(0)
	require.Positive(t, c.UsedBytes(0))

	// Untouched since: the whole fill is idle and moves down a tier, and
	// the freed capacity returns to the budget.
	c.TryPlunder(0)
	require.Zero(t, c.UsedBytes(0))
	requireCapacityInvariant(t, c)

	// Idempotent once drained.
	c.TryPlunder(0)
	require.Zero(t, c.UsedBytes(0))

	// The tier below received the objects.
	require.Positive(t, c.tc.StatsFor(cls).Used)
}

func TestMissIntervalsIndependent(t *testing.T) {
	rig := newRig(t, 1)
	c := rig.cache
	cls, _ := sizeclass.Classify(64)

	p, err := c.Allocate(cls)
	require.NoError(t, err)
	c.Deallocate(cls, p)

	// Reading the shuffle interval must not disturb the reclaim one.
	require.Positive(t, c.missDelta(0, IntervalShuffle))
	require.Positive(t, c.missDelta(0, IntervalReclaim))
	require.Zero(t, c.missDelta(0, IntervalShuffle))
	require.Zero(t, c.missDelta(0, IntervalReclaim))
	require.Positive(t, c.missDelta(0, IntervalResize))
}

func TestAllocateFailurePropagates(t *testing.T) {
	rig := newRig(t, 1)
	rig.heap.SetHardLimit(1)
	cls, _ := sizeclass.Classify(64)
	p, err := rig.cache.Allocate(cls)
	require.Zero(t, p)
	require.Error(t, err)
}
