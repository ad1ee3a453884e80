package pagemap

import (
	"sync/atomic"
	"unsafe"

	"github.com/memkit/memkit/malloc/span"
)

// The trie splits the 35 page-id bits (48 address bits minus the page
// shift) into 12 root, 12 interior, and 11 leaf bits. A leaf covers
// 2048 pages (16 MiB), so sparse heaps stay cheap.
const (
	addressBits = 48
	pageBits    = addressBits - span.PageShift

	leafBits     = 11
	interiorBits = 12
	rootBits     = pageBits - interiorBits - leafBits

	leafLen     = 1 << leafBits
	interiorLen = 1 << interiorBits
	rootLen     = 1 << rootBits
)

type leaf struct {
	spans [leafLen]atomic.Pointer[span.Span]
}

type interior struct {
	leaves [interiorLen]atomic.Pointer[leaf]
}

// Map is the page-id → span radix trie.
type Map struct {
	root [rootLen]atomic.Pointer[interior]

	// metadataBytes counts trie nodes allocated, for the metadata stat.
	metadataBytes atomic.Int64
}

// New returns an empty map.
func New() *Map { return &Map{} }

func split(p span.PageID) (r, i, l uintptr) {
	r = uintptr(p) >> (interiorBits + leafBits)
	i = (uintptr(p) >> leafBits) & (interiorLen - 1)
	l = uintptr(p) & (leafLen - 1)
	return
}

// Get returns the span owning page p, or nil. Safe to call without any
// lock.
func (m *Map) Get(p span.PageID) *span.Span {
	r, i, l := split(p)
	if r >= rootLen {
		return nil
	}
	in := m.root[r].Load()
	if in == nil {
		return nil
	}
	lf := in.leaves[i].Load()
	if lf == nil {
		return nil
	}
	return lf.spans[l].Load()
}

// GetAddr returns the span owning the page containing addr, or nil.
func (m *Map) GetAddr(addr uintptr) *span.Span {
	return m.Get(span.PageOf(addr))
}

// Set records s as the owner of every page in [s.Start, s.Limit).
// REQUIRES: page-heap lock held.
func (m *Map) Set(s *span.Span) {
	m.setRange(s.Start(), s.Length(), s)
}

// Clear removes the mapping for every page in [s.Start, s.Limit).
// REQUIRES: page-heap lock held.
func (m *Map) Clear(s *span.Span) {
	m.setRange(s.Start(), s.Length(), nil)
}

func (m *Map) setRange(start span.PageID, n span.Length, s *span.Span) {
	for p := start; p < start+span.PageID(n); p++ {
		lf := m.ensure(p)
		_, _, l := split(p)
		lf.spans[l].Store(s)
	}
}

func (m *Map) ensure(p span.PageID) *leaf {
	r, i, _ := split(p)
	in := m.root[r].Load()
	if in == nil {
		in = new(interior)
		m.root[r].Store(in)
		m.metadataBytes.Add(int64(unsafe.Sizeof(*in)))
	}
	lf := in.leaves[i].Load()
	if lf == nil {
		lf = new(leaf)
		in.leaves[i].Store(lf)
		m.metadataBytes.Add(int64(unsafe.Sizeof(*lf)))
	}
	return lf
}

// MetadataBytes returns the bytes spent on trie nodes.
func (m *Map) MetadataBytes() int64 { return m.metadataBytes.Load() }
