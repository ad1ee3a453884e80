// Package span defines the page-granular units the allocator manages: page
// identifiers, span records, and the intrusive circular lists the page heap
// keeps its free spans on.
//
// A span is a maximal contiguous run of pages owned by exactly one entity
// at a time — the page heap's free lists, a central free list (when the
// span is chopped into same-sized objects), or the client. The span record
// itself is an ordinary Go object; only the pages it describes live in the
// allocator's off-heap mappings.
package span
