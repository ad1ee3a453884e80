package malloc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/memkit/memkit/malloc/sizeclass"
)

// Stats is a coherent snapshot of the allocator's byte accounting.
type Stats struct {
	HeapSizeBytes         int64 // virtual bytes obtained for the heap
	PhysicalMemoryUsed    int64 // heap bytes minus what was advised away
	VirtualMemoryUsed     int64 // heap plus the slab mapping
	CurrentAllocated      int64 // bytes live in the application
	PageheapFreeBytes     int64
	PageheapUnmapped      int64
	CentralCacheFree      int64
	TransferCacheFree     int64
	CPUCacheFree          int64
	MetadataBytes         int64
	ExternalFragmentation int64
	RequiredBytes         int64
	SlackBytes            int64
}

// Snapshot gathers Stats from every tier. Tiers are read in turn, so the
// figures are each internally exact but only loosely simultaneous — the
// same guarantee the statistics interface has always had.
func (a *Allocator) Snapshot() Stats {
	backing := a.heap.Stats()
	var central int64
	for sc := 1; sc < len(a.lists); sc++ {
		central += a.lists[sc].FreeBytes()
	}
	st := Stats{
		HeapSizeBytes:     int64(backing.SystemBytes),
		PageheapFreeBytes: int64(backing.FreeBytes),
		PageheapUnmapped:  int64(backing.UnmappedBytes),
		CurrentAllocated:  a.bytesInUse.Load(),
		CentralCacheFree:  central,
		TransferCacheFree: a.tc.FreeBytes(),
		CPUCacheFree:      a.cpu.FreeBytes(),
		MetadataBytes:     a.heap.MetadataBytes(),
	}
	st.PhysicalMemoryUsed = st.HeapSizeBytes - st.PageheapUnmapped
	st.VirtualMemoryUsed = st.HeapSizeBytes + int64(a.cpu.SlabVirtualBytes())
	st.ExternalFragmentation = st.CentralCacheFree + st.TransferCacheFree +
		st.CPUCacheFree + st.PageheapFreeBytes
	st.RequiredBytes = st.CurrentAllocated + st.MetadataBytes
	if slack := st.PhysicalMemoryUsed - st.RequiredBytes; slack > 0 {
		st.SlackBytes = slack
	}
	return st
}

// Property returns one named numeric statistic. ok is false for names
// the allocator does not export ("not present").
func (a *Allocator) Property(name string) (value int64, ok bool) {
	st := a.Snapshot()
	switch name {
	case "generic.heap_size":
		return st.HeapSizeBytes, true
	case "generic.physical_memory_used":
		return st.PhysicalMemoryUsed, true
	case "generic.virtual_memory_used":
		return st.VirtualMemoryUsed, true
	case "generic.current_allocated_bytes":
		return st.CurrentAllocated, true
	case "tcmalloc.pageheap_free_bytes":
		return st.PageheapFreeBytes, true
	case "tcmalloc.pageheap_unmapped_bytes":
		return st.PageheapUnmapped, true
	case "tcmalloc.central_cache_free":
		return st.CentralCacheFree, true
	case "tcmalloc.transfer_cache_free":
		return st.TransferCacheFree, true
	case "tcmalloc.cpu_free":
		return st.CPUCacheFree, true
	case "tcmalloc.per_cpu_caches_active":
		if a.params.PerCPUCaches() {
			return 1, true
		}
		return 0, true
	case "tcmalloc.max_total_thread_cache_bytes":
		return a.params.MaxTotalThreadCacheBytes(), true
	case "tcmalloc.current_total_thread_cache_bytes":
		// The legacy thread-cache variant is not in this build.
		return 0, true
	case "tcmalloc.metadata_bytes":
		return st.MetadataBytes, true
	case "tcmalloc.external_fragmentation_bytes":
		return st.ExternalFragmentation, true
	case "tcmalloc.required_bytes":
		return st.RequiredBytes, true
	case "tcmalloc.slack_bytes":
		return st.SlackBytes, true
	case "tcmalloc.hard_usage_limit_bytes":
		return a.heap.HardLimit(), true
	case "tcmalloc.desired_usage_limit_bytes":
		return a.heap.HardLimit(), true
	case "tcmalloc.page_algorithm":
		return 0, true
	default:
		return 0, false
	}
}

// propertyNames lists everything Property answers, for Properties and
// the CLI.
var propertyNames = []string{
	"generic.heap_size",
	"generic.physical_memory_used",
	"generic.virtual_memory_used",
	"generic.current_allocated_bytes",
	"tcmalloc.pageheap_free_bytes",
	"tcmalloc.pageheap_unmapped_bytes",
	"tcmalloc.central_cache_free",
	"tcmalloc.transfer_cache_free",
	"tcmalloc.cpu_free",
	"tcmalloc.per_cpu_caches_active",
	"tcmalloc.max_total_thread_cache_bytes",
	"tcmalloc.current_total_thread_cache_bytes",
	"tcmalloc.metadata_bytes",
	"tcmalloc.external_fragmentation_bytes",
	"tcmalloc.required_bytes",
	"tcmalloc.slack_bytes",
	"tcmalloc.hard_usage_limit_bytes",
	"tcmalloc.desired_usage_limit_bytes",
	"tcmalloc.page_algorithm",
}

// Properties returns every exported statistic by name.
func (a *Allocator) Properties() map[string]int64 {
	out := make(map[string]int64, len(propertyNames))
	for _, name := range propertyNames {
		if v, ok := a.Property(name); ok {
			out[name] = v
		}
	}
	return out
}

// Report renders a human-readable multi-line summary: the byte ledger
// followed by per-class occupancy for classes that have seen traffic.
func (a *Allocator) Report() string {
	var b strings.Builder
	props := a.Properties()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%-44s %d\n", name, props[name])
	}

	b.WriteString("------------------------------------------------\n")
	fmt.Fprintf(&b, "%5s %10s %8s %10s %10s %8s %8s\n",
		"class", "size", "batch", "tc-used", "central", "tc-hit", "tc-miss")
	for sc := 1; sc < len(a.lists); sc++ {
		ts := a.tc.StatsFor(sc)
		cb := a.lists[sc].FreeBytes()
		if ts.Used == 0 && cb == 0 && ts.InsertHits+ts.InsertMisses == 0 {
			continue
		}
		fmt.Fprintf(&b, "%5d %10d %8d %10d %10d %8d %8d\n",
			sc, sizeclass.Size(sc), sizeclass.Batch(sc), ts.Used, cb,
			ts.InsertHits+ts.RemoveHits, ts.InsertMisses+ts.RemoveMisses)
	}

	b.WriteString("------------------------------------------------\n")
	b.WriteString("pageheap free spans by length (normal/returned)\n")
	small := a.heap.SmallSpanStatsSnapshot()
	for l := 1; l < len(small.NormalLength); l++ {
		n, r := small.NormalLength[l], small.ReturnedLength[l]
		if n == 0 && r == 0 {
			continue
		}
		fmt.Fprintf(&b, "%5d pages: %4d / %4d\n", l, n, r)
	}
	large := a.heap.LargeSpanStatsSnapshot()
	fmt.Fprintf(&b, "large: %d spans, %d normal pages, %d returned pages\n",
		large.Spans, large.NormalPages, large.ReturnedPages)
	return b.String()
}
