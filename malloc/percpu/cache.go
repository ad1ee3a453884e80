package percpu

import (
	"sync"
	"sync/atomic"

	"github.com/memkit/memkit/internal/sys"
	"github.com/memkit/memkit/malloc/sizeclass"
	"github.com/memkit/memkit/malloc/transfercache"
)

// Interval identifies one of the policy windows that read miss deltas.
// Each keeps its own last-read snapshot, so reading one never clears
// another's view.
type Interval int

const (
	IntervalShuffle Interval = iota
	IntervalReclaim
	IntervalResize
	numIntervals
)

// capacityFloorDenom fixes the shuffle floor: a CPU's byte budget is
// never shuffled below MaxPerCPUCacheSize/capacityFloorDenom.
const capacityFloorDenom = 10

// slotState is the mutable header of one (cpu, class) slot. The object
// words themselves live in the slab.
type slotState struct {
	length   int // objects currently cached
	capacity int // current bound, <= slab maxCap for the class
	lowWater int // minimum length since the last plunder
}

// cpuCache is one CPU's view: slot headers, the byte budget, and miss
// accounting.
type cpuCache struct {
	mu    sync.Mutex
	slots []slotState

	// capacityBytes is this CPU's share of the global capacity pool.
	// slotCapBytes is how much of it the slots have claimed.
	capacityBytes int64
	slotCapBytes  int64

	misses     []atomic.Int64 // cumulative, per class
	missTotal  atomic.Int64
	underflows atomic.Int64
	overflows  atomic.Int64
	missSnap   [numIntervals]int64
}

// Cache is the per-CPU tier.
type Cache struct {
	tc         *transfercache.Cache
	numCPU     int
	numClasses int

	slab *slab

	cpus []cpuCache

	// maxPerCPUBytes is the per-CPU capacity knob. pool holds capacity
	// bytes not currently assigned to any CPU.
	maxPerCPUBytes atomic.Int64
	poolMu         sync.Mutex
	pool           int64

	// resizeMu serializes dynamic slab resizes against each other; the
	// per-CPU locks serialize them against the data plane.
	resizeMu sync.Mutex

	cpuFn func() int
}

// Config carries the construction parameters.
type Config struct {
	NumCPU         int
	SlabShift      uint
	MaxPerCPUBytes int64

	// CurrentCPU overrides the CPU lookup; tests pin it to exercise one
	// slot group deterministically. Nil means the OS hint.
	CurrentCPU func() int
}

// New builds the tier over the given transfer cache.
func New(tc *transfercache.Cache, cfg Config) (*Cache, error) {
	numClasses := tc.NumClasses()
	sl, err := newSlab(cfg.SlabShift, cfg.NumCPU, numClasses)
	if err != nil {
		return nil, err
	}
	c := &Cache{
		tc:         tc,
		numCPU:     cfg.NumCPU,
		numClasses: numClasses,
		slab:       sl,
		cpus:       make([]cpuCache, cfg.NumCPU),
		cpuFn:      cfg.CurrentCPU,
	}
	c.maxPerCPUBytes.Store(cfg.MaxPerCPUBytes)
	for i := range c.cpus {
		cc := &c.cpus[i]
		cc.slots = make([]slotState, numClasses)
		cc.capacityBytes = cfg.MaxPerCPUBytes
		cc.misses = make([]atomic.Int64, numClasses)
	}
	return c, nil
}

// Close releases the slab mapping. The cache must be idle.
func (c *Cache) Close() {
	c.slab.release()
}

// NumCPU returns the CPU count the slab was laid out for.
func (c *Cache) NumCPU() int { return c.numCPU }

// currentCPU picks the slot group for the calling thread.
func (c *Cache) currentCPU() int {
	if c.cpuFn != nil {
		return c.cpuFn() % c.numCPU
	}
	return sys.CurrentCPU() % c.numCPU
}

// Allocate pops one object of the class, refilling from the transfer
// cache on underflow. It returns 0 and an error only when every tier
// below failed.
func (c *Cache) Allocate(cls int) (uintptr, error) {
	cpu := c.currentCPU()
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	slot := &cc.slots[cls]
	if slot.length > 0 {
		ptr := c.pop(cpu, cls, slot)
		cc.mu.Unlock()
		return ptr, nil
	}
	ptr, err := c.refill(cpu, cc, cls)
	cc.mu.Unlock()
	return ptr, err
}

// Deallocate pushes one object, draining a batch to the transfer cache
// on overflow.
func (c *Cache) Deallocate(cls int, ptr uintptr) {
	cpu := c.currentCPU()
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	slot := &cc.slots[cls]
	if slot.length >= slot.capacity {
		c.drain(cpu, cc, cls)
	}
	slot = &cc.slots[cls]
	if slot.length < slot.capacity {
		c.push(cpu, cls, slot, ptr)
		cc.mu.Unlock()
		return
	}
	cc.mu.Unlock()
	// No capacity even after the drain attempt; hand the object straight
	// to the tier below.
	c.tc.InsertRange(cls, []uintptr{ptr})
}

func (c *Cache) pop(cpu, cls int, slot *slotState) uintptr {
	slot.length--
	if slot.length < slot.lowWater {
		slot.lowWater = slot.length
	}
	w := c.slab.begin[cls] + slot.length
	return *c.slab.word(cpu, w)
}

func (c *Cache) push(cpu, cls int, slot *slotState, ptr uintptr) {
	w := c.slab.begin[cls] + slot.length
	*c.slab.word(cpu, w) = ptr
	slot.length++
}

// refill records the underflow, fetches one batch from the transfer
// cache, keeps one object for the caller and caches the rest.
// REQUIRES: cc.mu held.
func (c *Cache) refill(cpu int, cc *cpuCache, cls int) (uintptr, error) {
	cc.noteMiss(cls)
	cc.underflows.Add(1)
	c.growSlot(cpu, cc, cls)

	n := sizeclass.Batch(cls)
	var buf [sizeclass.MaxBatch]uintptr
	got, err := c.tc.RemoveRange(cls, buf[:n])
	if got == 0 {
		return 0, err
	}
	slot := &cc.slots[cls]
	keep := got - 1
	if keep > slot.capacity-slot.length {
		keep = slot.capacity - slot.length
	}
	for i := 0; i < keep; i++ {
		c.push(cpu, cls, slot, buf[i])
	}
	if spill := got - 1 - keep; spill > 0 {
		c.tc.InsertRange(cls, buf[keep:got-1])
	}
	return buf[got-1], nil
}

// drain records the overflow and pushes one batch down to the transfer
// cache.
// REQUIRES: cc.mu held.
func (c *Cache) drain(cpu int, cc *cpuCache, cls int) {
	cc.noteMiss(cls)
	cc.overflows.Add(1)
	c.growSlot(cpu, cc, cls)

	slot := &cc.slots[cls]
	n := sizeclass.Batch(cls)
	if n > slot.length {
		n = slot.length
	}
	if n == 0 {
		return
	}
	out := make([]uintptr, n)
	for i := 0; i < n; i++ {
		out[i] = c.pop(cpu, cls, slot)
	}
	c.tc.InsertRange(cls, out)
}

func (cc *cpuCache) noteMiss(cls int) {
	cc.misses[cls].Add(1)
	cc.missTotal.Add(1)
}

// growSlot widens a missing slot by one batch when the CPU's byte budget
// allows, stealing capacity from a colder sibling class otherwise.
// REQUIRES: cc.mu held.
func (c *Cache) growSlot(cpu int, cc *cpuCache, cls int) {
	slot := &cc.slots[cls]
	want := sizeclass.Batch(cls)
	if slot.capacity+want > c.slab.maxCap[cls] {
		want = c.slab.maxCap[cls] - slot.capacity
	}
	if want <= 0 {
		return
	}
	bytes := int64(want) * int64(sizeclass.Size(cls))
	if cc.slotCapBytes+bytes > cc.capacityBytes {
		c.acquireBudget(cc, bytes)
	}
	if cc.slotCapBytes+bytes > cc.capacityBytes {
		if !c.stealCapacity(cpu, cc, cls, bytes) {
			return
		}
	}
	slot.capacity += want
	cc.slotCapBytes += bytes
}

// acquireBudget tops the CPU's budget up from the global pool, bounded
// by the per-CPU knob.
func (c *Cache) acquireBudget(cc *cpuCache, bytes int64) {
	limit := c.maxPerCPUBytes.Load()
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	grant := bytes
	if room := limit - cc.capacityBytes; grant > room {
		grant = room
	}
	if grant > c.pool {
		grant = c.pool
	}
	if grant <= 0 {
		return
	}
	c.pool -= grant
	cc.capacityBytes += grant
}

// stealCapacity shrinks the class on this CPU with the most idle
// capacity to make room for cls.
// REQUIRES: cc.mu held.
func (c *Cache) stealCapacity(cpu int, cc *cpuCache, cls int, bytes int64) bool {
	victim := c.determineSizeClassToEvict(cc, cls)
	if victim == 0 {
		return false
	}
	vs := &cc.slots[victim]
	vsize := int64(sizeclass.Size(victim))
	give := (bytes + vsize - 1) / vsize
	if give > int64(vs.capacity) {
		give = int64(vs.capacity)
	}
	if give == 0 {
		return false
	}
	newCap := vs.capacity - int(give)
	c.shrinkSlotTo(cpu, cc, victim, newCap)
	return give*vsize >= bytes
}

// determineSizeClassToEvict picks the sibling class with the most unused
// capacity.
func (c *Cache) determineSizeClassToEvict(cc *cpuCache, cls int) int {
	victim, best := 0, int64(0)
	for sc := 1; sc < c.numClasses; sc++ {
		if sc == cls {
			continue
		}
		s := &cc.slots[sc]
		idle := int64(s.capacity-s.length) * int64(sizeclass.Size(sc))
		if idle > best {
			victim, best = sc, idle
		}
	}
	return victim
}

// shrinkSlotTo lowers a slot's capacity, spilling any excess objects to
// the transfer cache.
// REQUIRES: cc.mu held.
func (c *Cache) shrinkSlotTo(cpu int, cc *cpuCache, cls, newCap int) {
	slot := &cc.slots[cls]
	if newCap < 0 {
		newCap = 0
	}
	if newCap >= slot.capacity {
		return
	}
	for slot.length > newCap {
		n := slot.length - newCap
		if b := sizeclass.Batch(cls); n > b {
			n = b
		}
		out := make([]uintptr, n)
		for i := 0; i < n; i++ {
			out[i] = c.pop(cpu, cls, slot)
		}
		c.tc.InsertRange(cls, out)
	}
	freed := int64(slot.capacity-newCap) * int64(sizeclass.Size(cls))
	slot.capacity = newCap
	cc.slotCapBytes -= freed
}
