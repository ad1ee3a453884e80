// Package pagemap maps page identifiers to their owning span records with
// a three-level radix trie over the 48-bit address space.
//
// Reads are lock-free: every node pointer is published atomically and is
// immutable once installed. Writes happen only under the page-heap lock,
// which serializes them; the map itself never owns a span.
package pagemap
