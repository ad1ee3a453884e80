// Package percpu implements the top cache tier: per-CPU bounded LIFO
// slots living in one contiguous slab mapping.
//
// The slab covers every CPU's subregion back to back and is reserved
// without backing, so a CPU's slots cost physical memory only once that
// CPU first caches something. Restartable sequences are not reachable
// from user Go code, so the fast path takes the documented fallback: a
// per-CPU spinlock over the same slab layout. The lock is uncontended
// unless a thread migrates mid-operation, which the layout tolerates by
// keying every operation off the CPU it locked, not the CPU it runs on.
//
// Capacity is budgeted in bytes per CPU against a pool of
// numCPU × MaxPerCPUCacheSize. Slots grow on misses while their CPU has
// budget, steal from sibling classes when it does not, and give
// capacity back through three policies: shuffle (cold CPUs fund hot
// ones), reclaim (idle CPUs are drained entirely), and dynamic slab
// resize (the whole slab doubles or halves when aggregate miss rates
// say the layout is wrong).
package percpu
