package pageheap

import (
	"github.com/memkit/memkit/internal/sys"
	"github.com/memkit/memkit/malloc/span"
)

const (
	// Release delays for the incremental scavenger, in pages. With 8 KiB
	// pages defaultReleaseDelay is 2 GiB of deallocation between release
	// attempts, and maxReleaseDelay caps the wait at 8 GiB when the last
	// attempt found nothing.
	defaultReleaseDelay = 1 << 18
	maxReleaseDelay     = 1 << 20

	// numBuckets counts the release cursor positions: one per exact
	// length plus one for the large lists.
	numBuckets = int(MaxPages) + 1
)

// ReleaseAtLeast walks the free-list buckets from the persistent cursor,
// advising the least-recently-used normal spans back to the OS until at
// least n pages have been released or every bucket has been visited.
// Whole spans are released, so the result may overshoot n; it is 0 when
// no normal span exists anywhere.
func (h *PageHeap) ReleaseAtLeast(n span.Length) span.Length {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseLocked(n)
}

func (h *PageHeap) releaseLocked(n span.Length) span.Length {
	released := span.Length(0)
	visited := 0
	for released < n && visited < numBuckets {
		list := h.normalListAt(h.releaseIndex)
		if s := list.Back(); s != nil {
			released += h.releaseSpan(s)
			// Stay on this bucket; it may hold more LRU spans.
			visited = 0
			continue
		}
		h.releaseIndex = (h.releaseIndex + 1) % numBuckets
		visited++
	}
	return released
}

func (h *PageHeap) normalListAt(bucket int) *span.List {
	if bucket == int(MaxPages) {
		return &h.large.normal
	}
	return &h.free[bucket].normal
}

// releaseSpan unmaps one normal span's pages and moves it to the returned
// lists, merging with adjacent returned spans. An madvise failure is
// counted but the span still moves. Release passes walk only the normal
// lists, so the advice is not issued again for that span.
func (h *PageHeap) releaseSpan(s *span.Span) span.Length {
	n := s.Length()
	h.removeFromFreeList(s)
	if err := sys.ReleaseRange(h.byteRange(s.Start(), n)); err != nil {
		h.madviseFailures.Add(1)
	}
	h.freeSpanLocked(s, span.OnReturnedList)
	return n
}

// incrementalScavenge runs one release pass for every few GiB of
// deallocation, so long-lived processes drift back toward their working
// set without a dedicated thread.
func (h *PageHeap) incrementalScavenge(pages int64) {
	h.scavengeCounter -= pages
	if h.scavengeCounter >= 0 {
		return
	}
	released := h.releaseLocked(1)
	if released > 0 {
		h.scavengeCounter = defaultReleaseDelay
	} else {
		h.scavengeCounter = maxReleaseDelay
	}
}
