package malloc

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/memkit/memkit/malloc/sizeclass"
)

// TestSingleCPUSmoke cycles one object through the fast path: after the
// first refill, no tier below the per-CPU cache is touched.
func TestSingleCPUSmoke(t *testing.T) {
	a := newTestAllocator(t)

	p := a.Alloc(16)
	require.NotNil(t, p)
	a.Free(p)
	heapFree := a.Snapshot().PageheapFreeBytes

	for i := 0; i < 100000; i++ {
		q := a.Alloc(16)
		require.Equal(t, p, q)
		a.Free(q)
	}

	st := a.cpu.StatsFor(0)
	require.Equal(t, int64(1), st.Underflows, "exactly one underflow for the whole run")
	require.Zero(t, st.Overflows)
	require.Equal(t, heapFree, a.Snapshot().PageheapFreeBytes,
		"the page heap must not move under fast-path traffic")
}

// TestRoundTripLaw: after any allocate/free sequence over classes whose
// spans carve without waste, every heap byte is somewhere in the free
// ledger — central + transfer + per-CPU + page-heap free + unmapped adds
// back up to the heap size.
func TestRoundTripLaw(t *testing.T) {
	a := newTestAllocator(t)

	// Zero-waste classes: span bytes divide exactly into objects, so the
	// ledger has no unaccounted carve tail.
	var sizes []uintptr
	for c := 1; c < sizeclass.NumClasses(); c++ {
		cls := sizeclass.ByIndex(c)
		if cls.Size <= 4096 && cls.Pages.Bytes()%cls.Size == 0 {
			sizes = append(sizes, cls.Size)
		}
	}
	require.NotEmpty(t, sizes)

	run := func(seed int64) {
		rng := rand.New(rand.NewSource(seed))
		ptrs := make([]unsafe.Pointer, 0, 512)
		for i := 0; i < 512; i++ {
			ptrs = append(ptrs, a.Alloc(sizes[rng.Intn(len(sizes))]))
		}
		rng.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
		for _, p := range ptrs {
			a.Free(p)
		}
	}

	freeState := func() int64 {
		st := a.Snapshot()
		return st.CentralCacheFree + st.TransferCacheFree + st.CPUCacheFree +
			st.PageheapFreeBytes + st.PageheapUnmapped
	}

	for seed := int64(1); seed <= 3; seed++ {
		run(seed)
		st := a.Snapshot()
		require.Zero(t, st.CurrentAllocated, "seed %d", seed)
		require.Equal(t, st.HeapSizeBytes, freeState(),
			"seed %d: the free ledger must account for every heap byte", seed)
	}
}

// TestConcurrentChurnWithRelease is the release-under-load scenario cut
// to test size: allocator traffic on several goroutines races a release
// loop, and the ledger still balances at the end.
func TestConcurrentChurnWithRelease(t *testing.T) {
	a, err := New(DefaultOptions())
	require.NoError(t, err)

	const (
		workers    = 8
		iterations = 2000
	)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				a.ReleaseMemory(1 << 20)
			}
		}
	}()

	var workersWG sync.WaitGroup
	for w := 0; w < workers; w++ {
		workersWG.Add(1)
		go func(seed int64) {
			defer workersWG.Done()
			rng := rand.New(rand.NewSource(seed))
			live := make([]unsafe.Pointer, 0, 64)
			for i := 0; i < iterations; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					n := rng.Intn(len(live))
					a.Free(live[n])
					live[n] = live[len(live)-1]
					live = live[:len(live)-1]
					continue
				}
				p := a.Alloc(uintptr(8 + rng.Intn(4088)))
				if p != nil {
					live = append(live, p)
				}
			}
			for _, p := range live {
				a.Free(p)
			}
		}(int64(w))
	}
	workersWG.Wait()
	close(stop)
	wg.Wait()

	st := a.Snapshot()
	require.Zero(t, st.CurrentAllocated, "all application bytes returned")
	require.Equal(t, st.PhysicalMemoryUsed, st.HeapSizeBytes-st.PageheapUnmapped)
}

// TestBackgroundStepPolicies drives one maintenance round directly.
func TestBackgroundStepPolicies(t *testing.T) {
	a := newTestAllocator(t)
	a.Params().SetShufflePerCPUCaches(true)
	a.Params().SetPerCPUCachesDynamicSlabEnabled(true)
	a.Params().SetBackgroundReleaseRate(1 << 20)

	var held []unsafe.Pointer
	for i := 0; i < 512; i++ {
		held = append(held, a.Alloc(256))
	}
	for _, p := range held {
		a.Free(p)
	}

	for tick := 1; tick <= 3*resizeEvery; tick++ {
		a.backgroundStep(tick)
	}
	require.Zero(t, a.Snapshot().CurrentAllocated)

	// With no traffic, reclaim empties the idle CPU and repeated plunder
	// rounds walk everything down to the central tier.
	st := a.Snapshot()
	require.Zero(t, st.CPUCacheFree, "idle CPU caches reclaimed")
	require.Zero(t, st.TransferCacheFree, "idle transfer slots plundered dry")
	require.Positive(t, st.CentralCacheFree+st.PageheapFreeBytes+st.PageheapUnmapped)
}
