// Package sys provides the platform primitives the allocator needs from
// the operating system: anonymous page-aligned mappings, advisory release
// of resident pages, and a current-CPU hint for the per-CPU cache.
//
// All functions operate on whole mappings or page-aligned sub-ranges of
// them. On unix the package is a thin wrapper over golang.org/x/sys/unix;
// other platforms fall back to ordinary heap slices with release as a
// no-op, which keeps the allocator functional (if less frugal) there.
package sys
