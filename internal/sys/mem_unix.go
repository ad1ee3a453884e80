//go:build unix

package sys

import (
	"golang.org/x/sys/unix"
)

// Reserve maps length bytes of zero-filled anonymous memory. Private
// anonymous mappings are demand-paged, so pages cost nothing until
// touched.
func Reserve(length int) ([]byte, error) {
	if length <= 0 {
		return nil, unix.EINVAL
	}
	b, err := unix.Mmap(-1, 0, length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Unmap returns the whole mapping to the OS. The slice must be exactly
// what Reserve returned.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munmap(b)
}

// ReleaseRange tells the OS it may reclaim the physical pages behind the
// given page-aligned range. The virtual range stays mapped and refaults
// as zeros on the next touch.
func ReleaseRange(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// CommitRange faults the range back in by touching one byte per OS page.
// Used when previously-released pages are handed back to a caller that
// expects them backed.
func CommitRange(b []byte) {
	pageSize := unix.Getpagesize()
	for off := 0; off < len(b); off += pageSize {
		b[off] = 0
	}
}
