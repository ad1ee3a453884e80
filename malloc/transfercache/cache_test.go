package transfercache

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/malloc/central"
	"github.com/memkit/memkit/malloc/pageheap"
	"github.com/memkit/memkit/malloc/pagemap"
	"github.com/memkit/memkit/malloc/sizeclass"
)

func newBool(v bool) *atomic.Bool {
	b := new(atomic.Bool)
	b.Store(v)
	return b
}

// newTC builds a transfer cache over real central lists and a real page
// heap, and returns the class index for 1 KiB objects.
func newTC(t *testing.T, ring bool) (*Cache, []*central.FreeList, int) {
	t.Helper()
	pm := pagemap.New()
	heap := pageheap.New(pm)
	noPrioritize := newBool(false)
	n := sizeclass.NumClasses()
	lists := make([]*central.FreeList, n)
	for sc := 1; sc < n; sc++ {
		lists[sc] = central.NewFreeList(sc, heap, pm, noPrioritize)
	}
	cls, ok := sizeclass.Classify(1024)
	require.True(t, ok)
	return New(lists, ring), lists, cls
}

// fetch pulls count objects out through the central list directly, so
// the transfer slot's own stats stay untouched during setup.
func fetch(t *testing.T, lists []*central.FreeList, cls, count int) []uintptr {
	t.Helper()
	objs := make([]uintptr, 0, count)
	for len(objs) < count {
		want := count - len(objs)
		if b := lists[cls].Batch(); want > b {
			want = b
		}
		out := make([]uintptr, want)
		k, err := lists[cls].RemoveRange(out)
		require.NoError(t, err)
		require.Positive(t, k)
		objs = append(objs, out[:k]...)
	}
	return objs
}

func TestLegacyExactBatchOnly(t *testing.T) {
	c, lists, cls := newTC(t, false)
	n := c.batch(cls)
	objs := fetch(t, lists, cls, n)

	// A non-batch insert misses and forwards to central.
	centralBefore := lists[cls].FreeBytes()
	c.InsertRange(cls, objs[:n-1])
	st := c.StatsFor(cls)
	require.Zero(t, st.Used)
	require.Equal(t, int64(1), st.InsertMisses)
	require.Equal(t, int64(1), st.InsertNonBatchMisses)
	require.Greater(t, lists[cls].FreeBytes(), centralBefore)

	// An exact batch insert hits.
	c.InsertRange(cls, fetch(t, lists, cls, n))
	st = c.StatsFor(cls)
	require.Equal(t, n, st.Used)
	require.Equal(t, int64(1), st.InsertHits)

	// A non-batch remove misses through to central; an exact one hits.
	one := make([]uintptr, 1)
	k, err := c.RemoveRange(cls, one)
	require.NoError(t, err)
	require.Equal(t, 1, k)
	st = c.StatsFor(cls)
	require.Equal(t, n, st.Used, "non-batch remove must not touch the buffer")
	require.Equal(t, int64(1), st.RemoveMisses)
	require.Equal(t, int64(1), st.RemoveNonBatchMisses)

	batch := make([]uintptr, n)
	k, err = c.RemoveRange(cls, batch)
	require.NoError(t, err)
	require.Equal(t, n, k)
	st = c.StatsFor(cls)
	require.Zero(t, st.Used)
	require.Equal(t, int64(1), st.RemoveHits)
}

func TestRingPartialBatches(t *testing.T) {
	c, lists, cls := newTC(t, true)
	objs := fetch(t, lists, cls, 5)

	c.InsertRange(cls, objs[:2])
	c.InsertRange(cls, objs[2:5])
	st := c.StatsFor(cls)
	require.Equal(t, 5, st.Used)
	require.Equal(t, int64(2), st.InsertHits)

	// FIFO: the first two in are the first two out.
	out := make([]uintptr, 2)
	k, err := c.RemoveRange(cls, out)
	require.NoError(t, err)
	require.Equal(t, 2, k)
	require.Equal(t, objs[:2], out)
}

func TestRingWraparoundFIFO(t *testing.T) {
	c, lists, cls := newTC(t, true)
	objs := fetch(t, lists, cls, 7)

	// Cycle far past the slot array size; order must hold across every
	// index wrap.
	var mirror []uintptr
	push := func(batch []uintptr) {
		c.InsertRange(cls, batch)
		mirror = append(mirror, batch...)
	}
	pop := func(n int) []uintptr {
		out := make([]uintptr, n)
		k, err := c.RemoveRange(cls, out)
		require.NoError(t, err)
		require.Equal(t, n, k)
		require.Equal(t, mirror[:n], out)
		mirror = append([]uintptr(nil), mirror[n:]...)
		return out
	}
	push(objs)
	for i := 0; i < 4000; i++ {
		push(pop(3))
	}
	pop(len(objs))
	st := c.StatsFor(cls)
	require.Zero(t, st.Used)
	require.Zero(t, st.RemoveMisses, "no remove may fall through to central")
}

func TestRingEvictsOldestBatchOnOverflow(t *testing.T) {
	c, lists, cls := newTC(t, true)
	st := c.StatsFor(cls)
	n := c.batch(cls)
	objs := fetch(t, lists, cls, st.Capacity+n)

	for i := 0; i < st.Capacity; i += n {
		c.InsertRange(cls, objs[i:i+n])
	}
	require.Equal(t, st.Capacity, c.StatsFor(cls).Used)

	insertsBefore, removesBefore := lists[cls].Counters()
	c.InsertRange(cls, objs[st.Capacity:])

	after := c.StatsFor(cls)
	require.Equal(t, st.Capacity, after.Used, "fill stays at capacity after eviction")
	insertsAfter, removesAfter := lists[cls].Counters()
	require.Equal(t, insertsBefore+int64(n), insertsAfter, "exactly one batch evicted to central")
	require.Equal(t, removesBefore, removesAfter, "eviction must not remove from central")

	// The evicted batch was the oldest; the survivors stay FIFO.
	out := make([]uintptr, n)
	k, err := c.RemoveRange(cls, out)
	require.NoError(t, err)
	require.Equal(t, n, k)
	require.Equal(t, objs[n:2*n], out)
}

func TestTryPlunder(t *testing.T) {
	c, lists, cls := newTC(t, true)
	n := c.batch(cls)
	objs := fetch(t, lists, cls, 2*n)
	c.InsertRange(cls, objs)

	// First plunder: the low-water window started at an empty buffer, so
	// nothing is provably idle.
	c.TryPlunder(cls)
	require.Equal(t, 2*n, c.StatsFor(cls).Used)

	// Second plunder: nothing was touched since, so the whole fill is
	// idle and drains.
	c.TryPlunder(cls)
	require.Zero(t, c.StatsFor(cls).Used)

	// Idempotence: a third call is a no-op.
	c.TryPlunder(cls)
	require.Zero(t, c.StatsFor(cls).Used)
}

func TestVariantToggleConserves(t *testing.T) {
	c, lists, cls := newTC(t, false)
	n := c.batch(cls)
	objs := fetch(t, lists, cls, 2*n)
	c.InsertRange(cls, objs[:n])
	c.InsertRange(cls, objs[n:])

	before := c.StatsFor(cls)
	c.SetVariant(true)
	mid := c.StatsFor(cls)
	require.Equal(t, before.Used, mid.Used)
	require.Equal(t, before.Capacity, mid.Capacity)
	require.Equal(t, before.MaxCapacity, mid.MaxCapacity)
	require.True(t, c.Ring(cls))

	c.SetVariant(false)
	after := c.StatsFor(cls)
	require.Equal(t, before.Used, after.Used)
	require.Equal(t, before.Capacity, after.Capacity)
	require.Equal(t, before.MaxCapacity, after.MaxCapacity)

	// Every object survives the double migration.
	got := map[uintptr]bool{}
	for i := 0; i < 2; i++ {
		out := make([]uintptr, n)
		k, err := c.RemoveRange(cls, out)
		require.NoError(t, err)
		require.Equal(t, n, k)
		for _, p := range out {
			got[p] = true
		}
	}
	for _, p := range objs {
		require.True(t, got[p])
	}
}

func TestTryResizeMovesCapacity(t *testing.T) {
	c, _, cls := newTC(t, true)
	donorStats := c.StatsFor(cls)

	// Pick a different class to be the grower and hammer it with misses.
	grower, ok := sizeclass.Classify(512)
	require.True(t, ok)
	require.NotEqual(t, cls, grower)
	out := make([]uintptr, 1)
	held := make([]uintptr, 0, 2*resizeMissThreshold)
	for i := 0; i < 2*resizeMissThreshold; i++ {
		// The slot is empty every round, so each single-object remove is
		// a miss served by central.
		k, err := c.RemoveRange(grower, out)
		require.NoError(t, err)
		require.Equal(t, 1, k)
		held = append(held, out[0])
	}
	c.InsertRange(grower, held)

	before := c.StatsFor(grower)
	require.True(t, c.TryResize(grower))
	after := c.StatsFor(grower)
	require.Equal(t, before.Capacity+c.batch(grower), after.Capacity)
	require.LessOrEqual(t, after.Capacity, after.MaxCapacity)
	require.GreaterOrEqual(t, donorStats.Capacity, c.StatsFor(cls).Capacity)
}

func TestHasSpareCapacity(t *testing.T) {
	c, _, cls := newTC(t, true)
	require.True(t, c.HasSpareCapacity(cls))
}
