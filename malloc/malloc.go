package malloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/memkit/memkit/malloc/central"
	"github.com/memkit/memkit/malloc/pageheap"
	"github.com/memkit/memkit/malloc/pagemap"
	"github.com/memkit/memkit/malloc/percpu"
	"github.com/memkit/memkit/malloc/sizeclass"
	"github.com/memkit/memkit/malloc/span"
	"github.com/memkit/memkit/malloc/transfercache"
)

// OOMHandler is invoked (outside any allocator lock) when an allocation
// fails for lack of memory. size is the failed request.
type OOMHandler func(size uintptr)

// Allocator is one assembled cache hierarchy. Allocators are safe for
// concurrent use by any number of goroutines.
type Allocator struct {
	opts   Options
	params *Params

	pm    *pagemap.Map
	heap  *pageheap.PageHeap
	lists []*central.FreeList
	tc    *transfercache.Cache
	cpu   *percpu.Cache

	oom        atomic.Pointer[OOMHandler]
	bytesInUse atomic.Int64
}

var defaultInstance struct {
	once sync.Once
	a    *Allocator
}

// Default returns the process-wide allocator, building it on first use.
func Default() *Allocator {
	defaultInstance.once.Do(func() {
		a, err := New(DefaultOptions())
		if err != nil {
			panic(fmt.Sprintf("malloc: default allocator init: %v", err))
		}
		defaultInstance.a = a
	})
	return defaultInstance.a
}

// New assembles an allocator from the bottom tier up.
func New(opts Options) (*Allocator, error) {
	opts.fill()
	a := &Allocator{opts: opts}
	a.params = newParams(a, opts)

	a.pm = pagemap.New()
	a.heap = pageheap.New(a.pm)
	if opts.HeapSizeHardLimit > 0 {
		a.heap.SetHardLimit(opts.HeapSizeHardLimit)
	}

	n := sizeclass.NumClasses()
	a.lists = make([]*central.FreeList, n)
	for sc := 1; sc < n; sc++ {
		a.lists[sc] = central.NewFreeList(sc, a.heap, a.pm, &a.params.prioritizeSpans)
	}
	a.tc = transfercache.New(a.lists, opts.PartialTransferCache)

	cpuCache, err := percpu.New(a.tc, percpu.Config{
		NumCPU:         opts.NumCPU,
		SlabShift:      opts.SlabShift,
		MaxPerCPUBytes: opts.MaxPerCPUCacheSize,
	})
	if err != nil {
		return nil, err
	}
	a.cpu = cpuCache

	opts.Logger.Info("allocator initialized",
		"cpus", opts.NumCPU,
		"classes", n-1,
		"slab_shift", opts.SlabShift)
	return a, nil
}

// Params exposes the runtime knobs.
func (a *Allocator) Params() *Params { return a.params }

// SetOOMHandler installs the handler run when an allocation fails.
func (a *Allocator) SetOOMHandler(h OOMHandler) {
	if h == nil {
		a.oom.Store(nil)
		return
	}
	a.oom.Store(&h)
}

func (a *Allocator) reportOOM(size uintptr) {
	if h := a.oom.Load(); h != nil {
		(*h)(size)
	}
}

// Alloc returns a pointer to at least size bytes aligned to the platform
// minimum, or nil after invoking the OOM handler.
func (a *Allocator) Alloc(size uintptr) unsafe.Pointer {
	p, _ := a.alloc(size)
	return p
}

// AllocErr is Alloc with the failure reason: ErrOutOfMemory or
// ErrLimitExceeded.
func (a *Allocator) AllocErr(size uintptr) (unsafe.Pointer, error) {
	return a.alloc(size)
}

func (a *Allocator) alloc(size uintptr) (unsafe.Pointer, error) {
	if cls, ok := sizeclass.Classify(size); ok {
		return a.allocSmall(size, cls)
	}
	return a.allocLarge(size)
}

func (a *Allocator) allocSmall(size uintptr, cls int) (unsafe.Pointer, error) {
	var (
		addr uintptr
		err  error
	)
	if a.params.PerCPUCaches() {
		addr, err = a.cpu.Allocate(cls)
	} else {
		var buf [1]uintptr
		var got int
		got, err = a.tc.RemoveRange(cls, buf[:])
		if got == 1 {
			addr = buf[0]
		}
	}
	if addr == 0 {
		err = a.classifyFailure(err)
		a.reportOOM(size)
		return nil, err
	}
	a.bytesInUse.Add(int64(sizeclass.Size(cls)))
	return unsafe.Pointer(addr), nil
}

func (a *Allocator) allocLarge(size uintptr) (unsafe.Pointer, error) {
	s, err := a.heap.NewSpan(span.PagesFor(size))
	if err != nil {
		err = a.classifyFailure(err)
		a.reportOOM(size)
		return nil, err
	}
	a.bytesInUse.Add(int64(s.Length().Bytes()))
	return unsafe.Pointer(s.Start().Addr()), nil
}

// AllocAligned returns size bytes whose address is a multiple of align,
// a power of two. Small alignments ride the class path; larger ones take
// page-aligned or span-aligned memory from the page heap.
func (a *Allocator) AllocAligned(size, align uintptr) unsafe.Pointer {
	if align == 0 {
		align = sizeclass.MinAlign
	}
	if align&(align-1) != 0 {
		panic(fmt.Sprintf("malloc: alignment %d not a power of two", align))
	}
	switch {
	case align <= 16:
		// Class sizes of 16 bytes and up are multiples of 16, and objects
		// sit at size-multiples from a page boundary.
		want := size
		if want < align {
			want = align
		}
		if want%align != 0 {
			want += align - want%align
		}
		return a.Alloc(want)
	case align <= span.PageSize:
		// Every span starts on a page boundary.
		s, err := a.heap.NewSpan(span.PagesFor(size))
		if err != nil {
			a.reportOOM(size)
			return nil
		}
		a.bytesInUse.Add(int64(s.Length().Bytes()))
		return unsafe.Pointer(s.Start().Addr())
	default:
		s, err := a.heap.NewAligned(span.PagesFor(size), span.PagesFor(align))
		if err != nil {
			a.reportOOM(size)
			return nil
		}
		a.bytesInUse.Add(int64(s.Length().Bytes()))
		return unsafe.Pointer(s.Start().Addr())
	}
}

func (a *Allocator) classifyFailure(err error) error {
	if errors.Is(err, pageheap.ErrLimitExceeded) {
		return ErrLimitExceeded
	}
	return ErrOutOfMemory
}

// Free returns ptr to the allocator. Freeing a pointer the allocator
// does not own is a caller bug and panics with ErrInvalidPointer.
func (a *Allocator) Free(ptr unsafe.Pointer) {
	addr := uintptr(ptr)
	s := a.pm.GetAddr(addr)
	if s == nil {
		panic(fmt.Errorf("%w: %#x", ErrInvalidPointer, addr))
	}
	cls := int(s.SizeClass())
	if cls == 0 {
		if addr != s.Start().Addr() {
			panic(fmt.Errorf("%w: %#x is interior to a large allocation", ErrInvalidPointer, addr))
		}
		a.bytesInUse.Add(-int64(s.Length().Bytes()))
		a.heap.DeleteSpan(s)
		return
	}
	a.bytesInUse.Add(-int64(sizeclass.Size(cls)))
	if a.params.PerCPUCaches() {
		a.cpu.Deallocate(cls, addr)
		return
	}
	a.tc.InsertRange(cls, []uintptr{addr})
}

// FreeWithClass is Free with the owning size class supplied by the
// caller, skipping the page-map lookup on the hot path. cls must be the
// class Alloc used for ptr; a wrong hint corrupts a free list and will
// trip an invariant panic downstream.
func (a *Allocator) FreeWithClass(ptr unsafe.Pointer, cls int) {
	if cls <= 0 || cls >= sizeclass.NumClasses() {
		a.Free(ptr)
		return
	}
	addr := uintptr(ptr)
	a.bytesInUse.Add(-int64(sizeclass.Size(cls)))
	if a.params.PerCPUCaches() {
		a.cpu.Deallocate(cls, addr)
		return
	}
	a.tc.InsertRange(cls, []uintptr{addr})
}

// SizeClassOf returns the class Alloc served ptr from, or 0 for a
// page-heap (large) allocation. Useful as the hint for FreeWithClass.
func (a *Allocator) SizeClassOf(ptr unsafe.Pointer) int {
	s := a.pm.GetAddr(uintptr(ptr))
	if s == nil {
		panic(fmt.Errorf("%w: %#x", ErrInvalidPointer, uintptr(ptr)))
	}
	return int(s.SizeClass())
}

// AllocatedSize reports the exact usable size recorded for ptr.
func (a *Allocator) AllocatedSize(ptr unsafe.Pointer) uintptr {
	addr := uintptr(ptr)
	s := a.pm.GetAddr(addr)
	if s == nil {
		panic(fmt.Errorf("%w: %#x", ErrInvalidPointer, addr))
	}
	if cls := int(s.SizeClass()); cls != 0 {
		return sizeclass.Size(cls)
	}
	return s.Length().Bytes()
}
