// Package malloc assembles the cache hierarchy into a thread-caching
// general-purpose allocator: per-CPU slots over a transfer cache over
// per-class central free lists over a page heap over anonymous OS
// mappings.
//
// An Allocator hands out raw off-heap memory addressed by unsafe
// pointers; it never moves live objects and returns idle memory to the
// OS through the page heap's scavenger and an optional background task.
// Every tier can be tuned at runtime through Params, and the named
// statistics mirror the allocator's accounting at any moment, including
// under memory pressure.
//
// The usual entry point is the process-wide instance:
//
//	p := malloc.Default().Alloc(64)
//	...
//	malloc.Default().Free(p)
//
// Dedicated instances (mainly for tests and tools) come from New.
package malloc
