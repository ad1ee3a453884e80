//go:build !unix

package sys

import (
	"errors"
	"sync"
)

var errBadLength = errors.New("sys: non-positive mapping length")

// retained pins fallback "mappings" so their backing arrays outlive the
// callers that only hold raw addresses into them.
var retained struct {
	sync.Mutex
	bufs map[*byte][]byte
}

// Reserve allocates length bytes from the Go heap when real mappings are
// unavailable.
func Reserve(length int) ([]byte, error) {
	if length <= 0 {
		return nil, errBadLength
	}
	b := make([]byte, length)
	retained.Lock()
	if retained.bufs == nil {
		retained.bufs = make(map[*byte][]byte)
	}
	retained.bufs[&b[0]] = b
	retained.Unlock()
	return b, nil
}

// Unmap drops the pin on a fallback mapping.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	retained.Lock()
	delete(retained.bufs, &b[0])
	retained.Unlock()
	return nil
}

// ReleaseRange is a no-op without madvise support; the pages simply stay
// resident.
func ReleaseRange(b []byte) error { return nil }

// CommitRange is a no-op for heap-backed memory.
func CommitRange(b []byte) {}
