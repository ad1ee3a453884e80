// Package transfercache implements the batched buffer between the per-CPU
// caches and the central free lists.
//
// Each size class owns one slot holding loose objects. Two buffer variants
// sit behind the slot: the legacy array-backed LIFO, which only moves
// exact batches, and the ring buffer, which accepts partial batches and
// evicts the oldest batch to the central free list when an insert would
// overflow. The variant is chosen at startup and may be toggled at
// runtime; toggling migrates the buffered objects and preserves every
// slot's used count and capacity figures.
//
// Slots also participate in two background policies: plunder, which
// returns objects a slot provably never needed (its low-water mark) to
// the central list, and resize, which moves capacity from quiet classes
// to ones that keep missing.
package transfercache
