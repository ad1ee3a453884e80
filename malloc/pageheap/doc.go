// Package pageheap implements the page-granular span allocator at the
// bottom of the cache hierarchy.
//
// Free spans are segregated by length into circular lists, one pair per
// length: a normal list for backed spans and a returned list for spans
// whose pages have been advised back to the OS. Spans of MaxPages or more
// share one large pair. Freeing coalesces eagerly with free neighbors, and
// an incremental scavenger trickles idle pages back to the OS as
// deallocations accumulate.
//
// A single heap-wide mutex guards every mutation, including the page-map
// writes and all OS calls. That mirrors the lock discipline of the rest of
// the allocator: the tiers above only fall through here on cache misses.
package pageheap
