package malloc

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/malloc/sizeclass"
	"github.com/memkit/memkit/malloc/span"
)

func newTestAllocator(t *testing.T, mutate ...func(*Options)) *Allocator {
	t.Helper()
	opts := DefaultOptions()
	opts.NumCPU = 1 // deterministic slot selection
	for _, f := range mutate {
		f(&opts)
	}
	a, err := New(opts)
	require.NoError(t, err)
	return a
}

func TestAllocSmall(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Alloc(16)
	require.NotNil(t, p)
	require.Equal(t, uintptr(16), a.AllocatedSize(p))
	require.Zero(t, uintptr(p)%sizeclass.MinAlign)

	// The memory is writable through the whole granted size.
	b := unsafe.Slice((*byte)(p), 16)
	for i := range b {
		b[i] = 0xAA
	}
	a.Free(p)
}

func TestZeroSizeAllocation(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Alloc(0)
	require.NotNil(t, p, "zero-size requests are treated as one byte")
	require.Equal(t, uintptr(sizeclass.MinAlign), a.AllocatedSize(p))
	a.Free(p)
}

func TestAllocLarge(t *testing.T) {
	a := newTestAllocator(t)
	const size = 1 << 20
	p := a.Alloc(size)
	require.NotNil(t, p)
	require.Zero(t, uintptr(p)%span.PageSize, "large allocations are page-aligned")
	require.Equal(t, uintptr(span.PagesFor(size).Bytes()), a.AllocatedSize(p))

	b := unsafe.Slice((*byte)(p), size)
	b[0], b[size-1] = 1, 2
	a.Free(p)

	st := a.Snapshot()
	require.Zero(t, st.CurrentAllocated)
}

func TestAllocatedSizeCoversRequest(t *testing.T) {
	a := newTestAllocator(t)
	for _, size := range []uintptr{1, 8, 24, 100, 1000, 5000, 100000, sizeclass.MaxSmallSize} {
		p := a.Alloc(size)
		require.NotNil(t, p)
		require.GreaterOrEqual(t, a.AllocatedSize(p), size)
		a.Free(p)
	}
}

func TestAllocAligned(t *testing.T) {
	a := newTestAllocator(t)
	for _, align := range []uintptr{8, 16, 64, 1024, span.PageSize, 4 * span.PageSize} {
		p := a.AllocAligned(100, align)
		require.NotNil(t, p, "align %d", align)
		require.Zero(t, uintptr(p)%align, "align %d", align)
		a.Free(p)
	}
	require.Panics(t, func() { a.AllocAligned(8, 3) })
}

func TestFreeWithClassHint(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Alloc(100)
	require.NotNil(t, p)
	cls := a.SizeClassOf(p)
	require.Positive(t, cls)

	a.FreeWithClass(p, cls)
	require.Zero(t, a.Snapshot().CurrentAllocated)

	// The object cycles back out of the cache.
	q := a.Alloc(100)
	require.Equal(t, p, q)
	a.Free(q)

	// Large allocations report class 0 and fall back to the lookup path.
	big := a.Alloc(1 << 20)
	require.Zero(t, a.SizeClassOf(big))
	a.FreeWithClass(big, 0)
	require.Zero(t, a.Snapshot().CurrentAllocated)
}

func TestFreeForeignPointerPanics(t *testing.T) {
	a := newTestAllocator(t)
	var local int64
	require.Panics(t, func() { a.Free(unsafe.Pointer(&local)) })
}

func TestProperties(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Alloc(64)
	require.NotNil(t, p)

	for _, name := range propertyNames {
		_, ok := a.Property(name)
		require.True(t, ok, "property %q", name)
	}
	_, ok := a.Property("tcmalloc.no_such_property")
	require.False(t, ok, "unknown names are not present")

	v, _ := a.Property("generic.current_allocated_bytes")
	require.Equal(t, int64(64), v)
	active, _ := a.Property("tcmalloc.per_cpu_caches_active")
	require.Equal(t, int64(1), active)
	a.Free(p)
}

func TestOOMHandlerAndLimitError(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) {
		o.HeapSizeHardLimit = 64 << 10
	})
	var failed uintptr
	a.SetOOMHandler(func(size uintptr) { failed = size })

	p, err := a.AllocErr(8 << 20)
	require.Nil(t, p)
	require.ErrorIs(t, err, ErrLimitExceeded)
	require.Equal(t, uintptr(8<<20), failed)

	// Statistics stay readable during OOM.
	st := a.Snapshot()
	require.GreaterOrEqual(t, st.HeapSizeBytes, int64(0))

	// Small allocations still fit under the limit.
	q := a.Alloc(64)
	require.NotNil(t, q)
	a.Free(q)
}

func TestPerCPUCachesDisabled(t *testing.T) {
	a := newTestAllocator(t, func(o *Options) {
		o.PerCPUCaches = false
	})
	p := a.Alloc(128)
	require.NotNil(t, p)
	a.Free(p)

	active, _ := a.Property("tcmalloc.per_cpu_caches_active")
	require.Zero(t, active)
	require.Zero(t, a.Snapshot().CurrentAllocated)
}

func TestTransferVariantToggleConserves(t *testing.T) {
	a := newTestAllocator(t)
	// Push traffic through several classes so the transfer tier holds
	// something worth conserving.
	var held []unsafe.Pointer
	for i := 0; i < 2000; i++ {
		held = append(held, a.Alloc(uintptr(8+(i%64)*16)))
	}
	for _, p := range held {
		a.Free(p)
	}

	type slotView struct{ used, capacity, maxCapacity int }
	view := func() []slotView {
		out := make([]slotView, a.tc.NumClasses())
		for sc := 1; sc < a.tc.NumClasses(); sc++ {
			st := a.tc.StatsFor(sc)
			out[sc] = slotView{st.Used, st.Capacity, st.MaxCapacity}
		}
		return out
	}

	before := view()
	a.Params().SetPartialTransferCache(true)
	require.Equal(t, before, view(), "toggle to ring must preserve every slot")
	a.Params().SetPartialTransferCache(false)
	require.Equal(t, before, view(), "toggle back must preserve every slot")
}

func TestParamsRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Params()

	p.SetMaxPerCPUCacheSize(1 << 21)
	require.Equal(t, int64(1<<21), p.MaxPerCPUCacheSize())
	p.SetMaxTotalThreadCacheBytes(123)
	require.Equal(t, int64(123), p.MaxTotalThreadCacheBytes())
	p.SetBackgroundReleaseRate(456)
	require.Equal(t, int64(456), p.BackgroundReleaseRate())
	p.SetShufflePerCPUCaches(true)
	require.True(t, p.ShufflePerCPUCaches())
	p.SetPrioritizeSpans(true)
	require.True(t, p.PrioritizeSpans())
	p.SetHeapSizeHardLimit(1 << 30)
	require.Equal(t, int64(1<<30), p.HeapSizeHardLimit())
	v, _ := a.Property("tcmalloc.hard_usage_limit_bytes")
	require.Equal(t, int64(1<<30), v)
}

func TestReportMentionsLedger(t *testing.T) {
	a := newTestAllocator(t)
	p := a.Alloc(64)
	report := a.Report()
	require.Contains(t, report, "generic.heap_size")
	require.Contains(t, report, "tcmalloc.cpu_free")
	require.Contains(t, report, "class")
	a.Free(p)
}
