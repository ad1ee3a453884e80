package sizeclass

import (
	"fmt"

	"github.com/memkit/memkit/malloc/span"
)

const (
	// MinAlign is the platform minimum alignment every class size honors.
	MinAlign = 8

	// MaxSmallSize is the largest size served by the cache hierarchy.
	// Requests above it go straight to the page heap.
	MaxSmallSize = 256 << 10

	// MaxClasses bounds the table so per-class arrays elsewhere can be
	// fixed-size. The generator produces fewer; the rest stay invalid.
	MaxClasses = 96

	// MaxBatch and minBatch clamp the per-class batch ("num to move")
	// between cache tiers.
	MaxBatch = 32
	minBatch = 2

	// wasteDenom bounds per-span internal fragmentation: the tail a span
	// cannot carve into objects must stay under 1/wasteDenom of the span.
	wasteDenom = 8

	// maxSpanPages caps how many pages one small-object span may claim.
	maxSpanPages = 64
)

// Class describes one size class.
type Class struct {
	Size           uintptr     // object size in bytes
	Pages          span.Length // span length carved for this class
	ObjectsPerSpan uint32      // objects one span yields
	BatchSize      int         // objects moved per inter-tier batch
}

var (
	classes    []Class
	numClasses int

	// classify lookup arrays, indexed the way the sizes were generated:
	// fine steps of 8 bytes up to smallCutoff, coarse steps of 128 above.
	classIndex8   [smallCutoff/8 + 1]uint8
	classIndex128 [(MaxSmallSize-smallCutoff)/128 + 1]uint8
)

const smallCutoff = 1024

func init() {
	classes = makeTable()
	numClasses = len(classes)
	buildIndex()
}

// alignFor returns the spacing unit used around a given size. Sizes stay
// multiples of 16 from 16 bytes up so that small aligned requests can be
// served from the class path.
func alignFor(size uintptr) uintptr {
	switch {
	case size < 16:
		return MinAlign
	case size < 256:
		return 16
	case size < smallCutoff:
		return 64
	default:
		// Classes above the fine-grained cutoff sit on the 128-byte grid
		// the coarse classify index walks.
		return 128
	}
}

// spanPagesFor picks the shortest span whose carve waste is bounded.
func spanPagesFor(size uintptr) span.Length {
	for pages := span.Length(1); pages < maxSpanPages; pages++ {
		total := pages.Bytes()
		waste := total % size
		if waste*wasteDenom <= total {
			return pages
		}
	}
	return maxSpanPages
}

func batchFor(size uintptr) int {
	n := int(64 * 1024 / size)
	if n < minBatch {
		n = minBatch
	}
	if n > MaxBatch {
		n = MaxBatch
	}
	return n
}

// makeTable generates the class sizes with bounded internal
// fragmentation: each size is ~12.5% above the previous, rounded to the
// spacing unit for its range.
func makeTable() []Class {
	out := make([]Class, 1, MaxClasses) // class 0 reserved
	size := uintptr(MinAlign)
	for size <= MaxSmallSize {
		pages := spanPagesFor(size)
		out = append(out, Class{
			Size:           size,
			Pages:          pages,
			ObjectsPerSpan: uint32(pages.Bytes() / size),
			BatchSize:      batchFor(size),
		})
		step := size / wasteDenom
		if a := alignFor(size); step < a {
			step = a
		}
		next := size + step
		if a := alignFor(next); next%a != 0 {
			next += a - next%a
		}
		size = next
	}
	if out[len(out)-1].Size < MaxSmallSize {
		pages := spanPagesFor(MaxSmallSize)
		out = append(out, Class{
			Size:           MaxSmallSize,
			Pages:          pages,
			ObjectsPerSpan: uint32(pages.Bytes() / MaxSmallSize),
			BatchSize:      batchFor(MaxSmallSize),
		})
	}
	if len(out) > MaxClasses {
		panic(fmt.Sprintf("sizeclass: generated %d classes, limit %d", len(out), MaxClasses))
	}
	return out
}

func buildIndex() {
	c := 1
	for i := range classIndex8 {
		size := uintptr(i) * 8
		for classes[c].Size < size {
			c++
		}
		classIndex8[i] = uint8(c)
	}
	for i := range classIndex128 {
		size := smallCutoff + uintptr(i)*128
		for classes[c].Size < size {
			c++
		}
		classIndex128[i] = uint8(c)
	}
}

// NumClasses returns the number of valid classes plus the reserved
// class 0.
func NumClasses() int { return numClasses }

// Classify maps a request size to the smallest class whose object size
// covers it. Zero-size requests classify as one byte. ok is false when
// the size exceeds MaxSmallSize.
func Classify(size uintptr) (int, bool) {
	if size == 0 {
		size = 1
	}
	if size <= smallCutoff {
		return int(classIndex8[(size+7)/8]), true
	}
	if size <= MaxSmallSize {
		return int(classIndex128[(size-smallCutoff+127)/128]), true
	}
	return 0, false
}

// ByIndex returns the class record for a valid class index.
func ByIndex(c int) Class {
	if c <= 0 || c >= numClasses {
		panic(fmt.Sprintf("sizeclass: invalid class %d", c))
	}
	return classes[c]
}

// Size returns the object size of class c.
func Size(c int) uintptr { return ByIndex(c).Size }

// Batch returns the inter-tier batch size of class c.
func Batch(c int) int { return ByIndex(c).BatchSize }
