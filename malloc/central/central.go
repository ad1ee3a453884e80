package central

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/memkit/memkit/malloc/pageheap"
	"github.com/memkit/memkit/malloc/pagemap"
	"github.com/memkit/memkit/malloc/sizeclass"
	"github.com/memkit/memkit/malloc/span"
)

// numBuckets partitions partial spans by allocated fraction when span
// prioritization is on. Bucket numBuckets-1 holds the fullest spans.
const numBuckets = 8

// FreeList owns the partial spans of one size class.
type FreeList struct {
	mu sync.Mutex

	sc      int
	size    uintptr
	pages   span.Length
	objects uint32 // objects per span
	batch   int

	heap *pageheap.PageHeap
	pm   *pagemap.Map

	// prioritize is shared with the facade's runtime params; when false
	// every span lives in bucket 0 and draining is insertion-ordered.
	prioritize *atomic.Bool

	partial [numBuckets]span.List

	numSpans    int
	freeObjects int64

	inserts atomic.Int64
	removes atomic.Int64
}

// NewFreeList builds the free list for class sc.
func NewFreeList(sc int, heap *pageheap.PageHeap, pm *pagemap.Map, prioritize *atomic.Bool) *FreeList {
	cls := sizeclass.ByIndex(sc)
	f := &FreeList{
		sc:         sc,
		size:       cls.Size,
		pages:      cls.Pages,
		objects:    cls.ObjectsPerSpan,
		batch:      cls.BatchSize,
		heap:       heap,
		pm:         pm,
		prioritize: prioritize,
	}
	for i := range f.partial {
		f.partial[i].Init()
	}
	return f
}

// SizeClass returns the class this list serves.
func (f *FreeList) SizeClass() int { return f.sc }

// ObjectSize returns the class's object size in bytes.
func (f *FreeList) ObjectSize() uintptr { return f.size }

// Batch returns the class's inter-tier batch size.
func (f *FreeList) Batch() int { return f.batch }

func (f *FreeList) bucketFor(s *span.Span) int {
	if !f.prioritize.Load() {
		return 0
	}
	b := int(s.Allocated()) * numBuckets / int(f.objects)
	if b >= numBuckets {
		b = numBuckets - 1
	}
	return b
}

// InsertRange returns a batch of objects to their owning spans. A span
// whose last object comes back is handed to the page heap; a span that
// was full becomes partial and is listed again.
func (f *FreeList) InsertRange(batch []uintptr) {
	if len(batch) == 0 {
		return
	}
	f.inserts.Add(int64(len(batch)))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ptr := range batch {
		s := f.pm.GetAddr(ptr)
		if s == nil || int(s.SizeClass()) != f.sc || !s.Contains(ptr) {
			panic(fmt.Sprintf("central: class %d free of unowned pointer %#x", f.sc, ptr))
		}
		s.Unlink()
		s.PushObject(ptr)
		f.freeObjects++
		if s.Allocated() == 0 {
			f.numSpans--
			f.freeObjects -= int64(f.objects)
			f.heap.DeleteSpan(s)
			continue
		}
		f.partial[f.bucketFor(s)].PushFront(s)
	}
}

// RemoveRange harvests up to len(out) objects, preferring the fullest
// partial spans, growing a fresh span from the page heap when none
// remain. Returns the number harvested; 0 only when the page heap fails.
func (f *FreeList) RemoveRange(out []uintptr) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := 0
	for k < len(out) {
		s := f.fullestPartial()
		if s == nil {
			if err := f.populate(); err != nil {
				if k > 0 {
					break
				}
				return 0, err
			}
			continue
		}
		s.Unlink()
		for k < len(out) {
			ptr := s.PopObject()
			if ptr == 0 {
				break
			}
			out[k] = ptr
			k++
			f.freeObjects--
		}
		if s.HasFreeObjects() {
			f.partial[f.bucketFor(s)].PushFront(s)
		}
		// A span drained of free objects stays off-list until a free
		// brings it back; the page map still knows it.
	}
	f.removes.Add(int64(k))
	return k, nil
}

func (f *FreeList) fullestPartial() *span.Span {
	for i := numBuckets - 1; i >= 0; i-- {
		if s := f.partial[i].Front(); s != nil {
			return s
		}
	}
	return nil
}

// populate carves one fresh span into objects and lists it as partial.
func (f *FreeList) populate() error {
	s, err := f.heap.NewSpan(f.pages)
	if err != nil {
		return err
	}
	s.SetSizeClass(uint32(f.sc))
	s.Thread(f.size, f.objects)
	f.numSpans++
	f.freeObjects += int64(f.objects)
	f.partial[f.bucketFor(s)].PushFront(s)
	return nil
}

// FreeBytes reports the bytes sitting free on this class's spans.
func (f *FreeList) FreeBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.freeObjects * int64(f.size)
}

// Spans reports how many spans the class currently owns.
func (f *FreeList) Spans() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numSpans
}

// Counters returns cumulative objects inserted and removed.
func (f *FreeList) Counters() (inserts, removes int64) {
	return f.inserts.Load(), f.removes.Load()
}
