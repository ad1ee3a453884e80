package pageheap

import (
	"github.com/memkit/memkit/malloc/span"
)

// SmallSpanStats counts free spans per exact length, split by backing
// state.
type SmallSpanStats struct {
	NormalLength   [MaxPages]int
	ReturnedLength [MaxPages]int
}

// LargeSpanStats aggregates the large free lists.
type LargeSpanStats struct {
	Spans         int
	NormalPages   span.Length
	ReturnedPages span.Length
}

// SmallSpanStatsSnapshot reports the per-length free-span counts.
func (h *PageHeap) SmallSpanStatsSnapshot() SmallSpanStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out SmallSpanStats
	for l := 1; l < int(MaxPages); l++ {
		out.NormalLength[l] = h.free[l].normal.Len()
		out.ReturnedLength[l] = h.free[l].returned.Len()
	}
	return out
}

// LargeSpanStatsSnapshot reports the aggregate large free-span figures.
func (h *PageHeap) LargeSpanStatsSnapshot() LargeSpanStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out LargeSpanStats
	for s := h.large.normal.Front(); s != nil; s = h.large.normal.Next(s) {
		out.Spans++
		out.NormalPages += s.Length()
	}
	for s := h.large.returned.Front(); s != nil; s = h.large.returned.Next(s) {
		out.Spans++
		out.ReturnedPages += s.Length()
	}
	return out
}
