// Package sizeclass holds the static partitioning of small-object sizes
// into classes. Every class fixes four numbers: the object size, the span
// length (in pages) the central free list carves for it, the objects one
// such span yields, and the batch size moved between cache tiers.
//
// The table is computed once at package init and never mutated. Class 0
// is reserved and invalid; Classify returns it only together with
// ok == false.
package sizeclass
