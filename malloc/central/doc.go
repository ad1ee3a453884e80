// Package central implements the per-size-class owners of partial spans:
// the tier between the transfer caches and the page heap.
//
// Each free list tracks every span of its class that still has free
// objects, hands objects out in batches, and returns a span to the page
// heap the moment its last object comes home. With span prioritization
// enabled, spans are bucketed by how full they are and draining prefers
// the fullest, so nearly-empty spans drift toward release instead of
// being nibbled back into circulation.
package central
