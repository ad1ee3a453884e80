package pageheap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/memkit/memkit/internal/sys"
	"github.com/memkit/memkit/malloc/pagemap"
	"github.com/memkit/memkit/malloc/span"
)

const (
	// MaxPages is the first length that lands on the large lists. Spans
	// shorter than this get an exact-length bucket.
	MaxPages = span.Length(128)

	// minSystemAlloc is the granularity the heap grows by: one huge page.
	minSystemAlloc = 2 << 20

	minSystemPages = span.Length(minSystemAlloc >> span.PageShift)
)

// listPair segregates free spans of one length by backing state.
type listPair struct {
	normal   span.List
	returned span.List
}

func (p *listPair) init() {
	p.normal.Init()
	p.returned.Init()
}

// BackingStats is the heap-wide byte accounting.
type BackingStats struct {
	SystemBytes   uintptr // virtual bytes obtained from the OS
	FreeBytes     uintptr // backed bytes on normal free lists
	UnmappedBytes uintptr // bytes on returned free lists
}

// PageHeap manages every span the allocator owns.
type PageHeap struct {
	mu sync.Mutex

	pm *pagemap.Map

	free  [MaxPages]listPair // index = span length; index 0 unused
	large listPair

	stats BackingStats

	// Incremental scavenger state: counter of deallocated pages until the
	// next release attempt, and the persistent bucket cursor.
	scavengeCounter int64
	releaseIndex    int

	// mappings pins every OS mapping for later unmap (and, on fallback
	// platforms, to keep the backing arrays alive).
	mappings [][]byte

	hardLimit       atomic.Int64 // bytes; 0 means unlimited
	madviseFailures atomic.Int64
	spanRecords     atomic.Int64

	nowNanos func() int64
}

// New creates an empty heap over the given page map.
func New(pm *pagemap.Map) *PageHeap {
	h := &PageHeap{
		pm:              pm,
		scavengeCounter: defaultReleaseDelay,
		nowNanos:        func() int64 { return time.Now().UnixNano() },
	}
	for i := range h.free {
		h.free[i].init()
	}
	h.large.init()
	return h
}

// SetHardLimit caps SystemBytes; grow attempts beyond it fail with
// ErrLimitExceeded. Zero removes the cap.
func (h *PageHeap) SetHardLimit(bytes int64) { h.hardLimit.Store(bytes) }

// HardLimit returns the configured cap in bytes (0 = none).
func (h *PageHeap) HardLimit() int64 { return h.hardLimit.Load() }

// MadviseFailures returns how many advisory release calls the OS
// rejected.
func (h *PageHeap) MadviseFailures() int64 { return h.madviseFailures.Load() }

// NewSpan produces a span of exactly n backed pages, or an error when the
// OS mapping fails or the hard limit is hit.
func (h *PageHeap) NewSpan(n span.Length) (*span.Span, error) {
	if n == 0 {
		n = 1
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.newSpanLocked(n)
}

// NewAligned is NewSpan with the span's first page aligned to an align-page
// boundary. align must be a power of two.
func (h *PageHeap) NewAligned(n, align span.Length) (*span.Span, error) {
	if align&(align-1) != 0 {
		panic(fmt.Sprintf("pageheap: alignment %d not a power of two", align))
	}
	if n == 0 {
		n = 1
	}
	if align <= 1 {
		return h.NewSpan(n)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// Over-allocate and trim both ends back onto the free lists. The trim
	// happens before anything escapes the lock, so the extra pages are
	// only transiently in use.
	s, err := h.newSpanLocked(n + align - 1)
	if err != nil {
		return nil, err
	}
	aligned := (s.Start() + span.PageID(align) - 1) &^ (span.PageID(align) - 1)
	if skip := span.Length(aligned - s.Start()); skip > 0 {
		prefix := span.New(s.Start(), skip)
		s.Reshape(aligned, s.Length()-skip)
		h.pm.Set(prefix)
		h.spanRecords.Add(1)
		h.freeSpanLocked(prefix, span.OnNormalList)
	}
	if extra := s.Length() - n; extra > 0 {
		suffix := span.New(aligned+span.PageID(n), extra)
		s.Reshape(aligned, n)
		h.pm.Set(suffix)
		h.spanRecords.Add(1)
		h.freeSpanLocked(suffix, span.OnNormalList)
	}
	h.pm.Set(s)
	return s, nil
}

// newSpanLocked searches the free lists, growing the heap once on miss.
func (h *PageHeap) newSpanLocked(n span.Length) (*span.Span, error) {
	if s := h.searchFreeLists(n); s != nil {
		return s, nil
	}
	if err := h.growLocked(n); err != nil {
		return nil, err
	}
	if s := h.searchFreeLists(n); s != nil {
		return s, nil
	}
	// A successful grow always inserts at least n contiguous pages, so a
	// second miss is a bookkeeping bug.
	panic("pageheap: grow succeeded but search still misses")
}

// searchFreeLists implements the fit order: exact length first (normal
// before returned), then longer lengths ascending, then best-fit from the
// large lists.
func (h *PageHeap) searchFreeLists(n span.Length) *span.Span {
	for l := n; l < MaxPages; l++ {
		if s := h.free[l].normal.Front(); s != nil {
			return h.carve(s, n)
		}
		if s := h.free[l].returned.Front(); s != nil {
			return h.carve(s, n)
		}
	}
	if best := h.bestLarge(n); best != nil {
		return h.carve(best, n)
	}
	return nil
}

// bestLarge picks the best-fit large span by length, ties broken by
// lowest start address, across both backing states.
func (h *PageHeap) bestLarge(n span.Length) *span.Span {
	var best *span.Span
	consider := func(l *span.List) {
		for s := l.Front(); s != nil; s = l.Next(s) {
			if s.Length() < n {
				continue
			}
			if best == nil || s.Length() < best.Length() ||
				(s.Length() == best.Length() && s.Start() < best.Start()) {
				best = s
			}
		}
	}
	consider(&h.large.normal)
	consider(&h.large.returned)
	return best
}

// carve removes s from its free list and returns its first n pages as an
// IN_USE span, reinserting any leftover with the original backing state.
func (h *PageHeap) carve(s *span.Span, n span.Length) *span.Span {
	loc := s.Location()
	h.removeFromFreeList(s)
	if extra := s.Length() - n; extra > 0 {
		leftover := span.New(s.Start()+span.PageID(n), extra)
		s.Reshape(s.Start(), n)
		h.pm.Set(leftover)
		h.spanRecords.Add(1)
		h.insertToFreeList(leftover, loc)
	}
	s.SetLocation(span.InUse)
	h.pm.Set(s)
	if loc == span.OnReturnedList {
		// The caller expects backed pages; fault the handed-out portion
		// back in.
		sys.CommitRange(h.byteRange(s.Start(), s.Length()))
	}
	return s
}

// DeleteSpan returns an IN_USE span to the free lists, coalescing with
// free neighbors and running the incremental scavenger.
func (h *PageHeap) DeleteSpan(s *span.Span) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Location() != span.InUse {
		panic(fmt.Sprintf("pageheap: DeleteSpan of %s span at page %x", s.Location(), s.Start()))
	}
	n := s.Length()
	s.SetSizeClass(0)
	s.ResetObjects()
	h.freeSpanLocked(s, span.OnNormalList)
	h.incrementalScavenge(int64(n))
}

// freeSpanLocked coalesces s with eligible neighbors and inserts the
// union into the free list for the target state.
//
// Deleting backed pages merges with neighbors of either state and the
// union stays normal; only a release merging into all-returned parts
// keeps the returned state. Neighbors of the other state are left alone
// on the release path, which is why normal and returned spans may sit
// side by side.
func (h *PageHeap) freeSpanLocked(s *span.Span, target span.Location) {
	mergeable := func(nb *span.Span) bool {
		if nb == nil || nb.Location() == span.InUse {
			return false
		}
		if target == span.OnReturnedList {
			return nb.Location() == span.OnReturnedList
		}
		return true
	}

	if s.Start() > 0 {
		if nb := h.pm.Get(s.Start() - 1); mergeable(nb) {
			h.removeFromFreeList(nb)
			s.Reshape(nb.Start(), nb.Length()+s.Length())
			h.spanRecords.Add(-1)
		}
	}
	if nb := h.pm.Get(s.Limit()); mergeable(nb) {
		h.removeFromFreeList(nb)
		s.Reshape(s.Start(), s.Length()+nb.Length())
		h.spanRecords.Add(-1)
	}

	h.pm.Set(s)
	s.SetFreedAt(h.nowNanos())
	h.insertToFreeList(s, target)
}

// insertToFreeList prepends s to the list for (length, state) and counts
// its bytes under that state.
func (h *PageHeap) insertToFreeList(s *span.Span, loc span.Location) {
	s.SetLocation(loc)
	pair := &h.large
	if s.Length() < MaxPages {
		pair = &h.free[s.Length()]
	}
	switch loc {
	case span.OnNormalList:
		pair.normal.PushFront(s)
		h.stats.FreeBytes += s.Length().Bytes()
	case span.OnReturnedList:
		pair.returned.PushFront(s)
		h.stats.UnmappedBytes += s.Length().Bytes()
	default:
		panic("pageheap: inserting an in-use span onto a free list")
	}
}

// removeFromFreeList unlinks s and uncounts its bytes.
func (h *PageHeap) removeFromFreeList(s *span.Span) {
	pair := &h.large
	if s.Length() < MaxPages {
		pair = &h.free[s.Length()]
	}
	switch s.Location() {
	case span.OnNormalList:
		pair.normal.Remove(s)
		h.stats.FreeBytes -= s.Length().Bytes()
	case span.OnReturnedList:
		pair.returned.Remove(s)
		h.stats.UnmappedBytes -= s.Length().Bytes()
	default:
		panic("pageheap: removing an in-use span from a free list")
	}
}

// growLocked maps fresh address space covering at least n pages, rounded
// up to the huge-page growth granularity, and seeds the free lists.
func (h *PageHeap) growLocked(n span.Length) error {
	ask := n
	if ask < minSystemPages {
		ask = minSystemPages
	} else if rem := ask % minSystemPages; rem != 0 {
		ask += minSystemPages - rem
	}
	if err := h.checkLimit(ask); err != nil {
		// Retry with the exact request before giving up.
		if ask == n {
			return err
		}
		ask = n
		if err := h.checkLimit(ask); err != nil {
			return err
		}
	}
	// Over-reserve one page so the usable region can be aligned to the
	// allocator page size; mmap only guarantees OS-page alignment.
	raw, err := sys.Reserve(int(ask.Bytes()) + span.PageSize)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoMemory, err)
	}
	h.mappings = append(h.mappings, raw)

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + span.PageSize - 1) &^ (span.PageSize - 1)
	start := span.PageOf(aligned)

	s := span.New(start, ask)
	h.pm.Set(s)
	h.spanRecords.Add(1)
	h.stats.SystemBytes += ask.Bytes()
	h.freeSpanLocked(s, span.OnNormalList)
	return nil
}

func (h *PageHeap) checkLimit(ask span.Length) error {
	limit := h.hardLimit.Load()
	if limit > 0 && int64(h.stats.SystemBytes)+int64(ask.Bytes()) > limit {
		return ErrLimitExceeded
	}
	return nil
}

// byteRange exposes a span's pages as a slice for the OS helpers.
func (h *PageHeap) byteRange(start span.PageID, n span.Length) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(start.Addr())), n.Bytes())
}

// Stats returns a snapshot of the byte accounting.
func (h *PageHeap) Stats() BackingStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

// MetadataBytes estimates heap metadata: span records plus the page map
// trie.
func (h *PageHeap) MetadataBytes() int64 {
	return h.spanRecords.Load()*int64(unsafe.Sizeof(span.Span{})) + h.pm.MetadataBytes()
}
