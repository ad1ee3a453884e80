package percpu

import (
	"fmt"
	"unsafe"

	"github.com/memkit/memkit/internal/sys"
)

const (
	// Slab shift bounds: per-CPU subregions between 64 KiB and 4 MiB.
	minSlabShift = 16
	maxSlabShift = 22

	// DefaultSlabShift sizes each CPU's subregion at 256 KiB.
	DefaultSlabShift = 18

	wordSize = int(unsafe.Sizeof(uintptr(0)))
)

// slab is one contiguous mapping holding every CPU's object-pointer
// slots. Word w of CPU c lives at base + (c<<shift) + w*wordSize.
type slab struct {
	shift   uint
	numCPU  int
	mapping []byte

	// begin and maxCap describe the static per-shift layout: class c's
	// slot occupies words [begin[c], begin[c]+maxCap[c]) of each CPU's
	// subregion.
	begin  []int
	maxCap []int
}

func newSlab(shift uint, numCPU, numClasses int) (*slab, error) {
	if shift < minSlabShift || shift > maxSlabShift {
		return nil, fmt.Errorf("percpu: slab shift %d outside [%d, %d]", shift, minSlabShift, maxSlabShift)
	}
	mapping, err := sys.Reserve(numCPU << shift)
	if err != nil {
		return nil, err
	}
	s := &slab{
		shift:   shift,
		numCPU:  numCPU,
		mapping: mapping,
		begin:   make([]int, numClasses),
		maxCap:  make([]int, numClasses),
	}
	s.layout(numClasses)
	return s, nil
}

// layout splits each CPU's subregion evenly across the valid classes.
// The layout depends only on the shift, so every CPU shares it.
func (s *slab) layout(numClasses int) {
	words := (1 << s.shift) / wordSize
	if numClasses <= 1 {
		return
	}
	per := words / (numClasses - 1)
	off := 0
	for c := 1; c < numClasses; c++ {
		s.begin[c] = off
		s.maxCap[c] = per
		off += per
	}
}

func (s *slab) release() {
	_ = sys.Unmap(s.mapping)
}

// word returns the address of slot word w in CPU c's subregion.
func (s *slab) word(cpu, w int) *uintptr {
	off := cpu<<s.shift + w*wordSize
	return (*uintptr)(unsafe.Pointer(&s.mapping[off]))
}

// virtualBytes is the slab mapping's reserved size.
func (s *slab) virtualBytes() int { return len(s.mapping) }
