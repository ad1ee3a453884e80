package percpu

import (
	"sort"

	"github.com/memkit/memkit/malloc/sizeclass"
)

// missDelta reads one CPU's miss count since the interval's previous
// read and advances that interval's snapshot. Other intervals keep their
// own snapshots untouched.
func (c *Cache) missDelta(cpu int, iv Interval) int64 {
	cc := &c.cpus[cpu]
	cur := cc.missTotal.Load()
	delta := cur - cc.missSnap[iv]
	cc.missSnap[iv] = cur
	return delta
}

// Shuffle moves byte capacity from cold CPUs (few misses in the last
// shuffle interval) to hot ones, conserving the global capacity total.
// A cold CPU is never cut below the fixed floor of its base capacity.
func (c *Cache) Shuffle() {
	type cpuHeat struct {
		cpu    int
		misses int64
	}
	heat := make([]cpuHeat, c.numCPU)
	for i := 0; i < c.numCPU; i++ {
		heat[i] = cpuHeat{cpu: i, misses: c.missDelta(i, IntervalShuffle)}
	}
	sort.Slice(heat, func(i, j int) bool { return heat[i].misses > heat[j].misses })

	floor := c.maxPerCPUBytes.Load() / capacityFloorDenom
	// Walk hottest against coldest; stop when neither end has anything
	// to gain or give.
	for hi, lo := 0, c.numCPU-1; hi < lo; {
		hot, cold := heat[hi], heat[lo]
		if hot.misses == 0 || hot.misses == cold.misses {
			break
		}
		moved := c.moveBudget(cold.cpu, hot.cpu, floor)
		if moved == 0 {
			lo--
			continue
		}
		hi++
		lo--
	}
}

// moveBudget transfers up to 1/16 of the per-CPU bound from cold to hot,
// respecting the cold floor and never lifting the hot CPU above twice the
// bound. Locks are taken in CPU order.
func (c *Cache) moveBudget(cold, hot int, floor int64) int64 {
	if cold == hot {
		return 0
	}
	bound := c.maxPerCPUBytes.Load()
	step := bound / 16
	first, second := &c.cpus[cold], &c.cpus[hot]
	if hot < cold {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	cc, hc := &c.cpus[cold], &c.cpus[hot]
	give := step
	if room := cc.capacityBytes - floor; give > room {
		give = room
	}
	if room := 2*bound - hc.capacityBytes; give > room {
		give = room
	}
	if give <= 0 {
		return 0
	}
	cc.capacityBytes -= give
	hc.capacityBytes += give
	c.trimToBudget(cold, cc)
	return give
}

// trimToBudget shrinks a CPU's slots until their claimed capacity fits
// its (possibly lowered) budget.
// REQUIRES: cc.mu held.
func (c *Cache) trimToBudget(cpu int, cc *cpuCache) {
	for cc.slotCapBytes > cc.capacityBytes {
		victim := c.determineSizeClassToEvict(cc, 0)
		if victim == 0 {
			return
		}
		vs := &cc.slots[victim]
		c.shrinkSlotTo(cpu, cc, victim, vs.capacity/2)
	}
}

// TryPlunder returns each slot's provably idle objects — its low-water
// mark since the previous plunder — to the transfer cache, and hands the
// freed capacity back to the CPU's budget so hungrier classes can grow
// into it.
func (c *Cache) TryPlunder(cpu int) {
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for cls := 1; cls < c.numClasses; cls++ {
		slot := &cc.slots[cls]
		idle := slot.lowWater
		if idle > slot.length {
			idle = slot.length
		}
		for drained := 0; drained < idle; {
			n := idle - drained
			if b := sizeclass.Batch(cls); n > b {
				n = b
			}
			out := make([]uintptr, n)
			for i := 0; i < n; i++ {
				out[i] = c.pop(cpu, cls, slot)
			}
			c.tc.InsertRange(cls, out)
			drained += n
		}
		if idle > 0 {
			slot.capacity -= idle
			cc.slotCapBytes -= int64(idle) * int64(sizeclass.Size(cls))
		}
		slot.lowWater = slot.length
	}
}

// PlunderAll runs TryPlunder over every CPU.
func (c *Cache) PlunderAll() {
	for cpu := 0; cpu < c.numCPU; cpu++ {
		c.TryPlunder(cpu)
	}
}

// Reclaim drains every slot of one CPU and returns its whole byte budget
// to the global pool. The next miss on that CPU re-acquires budget on
// demand.
func (c *Cache) Reclaim(cpu int) {
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	for cls := 1; cls < c.numClasses; cls++ {
		c.shrinkSlotTo(cpu, cc, cls, 0)
	}
	returned := cc.capacityBytes
	cc.capacityBytes = 0
	cc.mu.Unlock()

	c.poolMu.Lock()
	c.pool += returned
	c.poolMu.Unlock()
}

// TryReclaimingCaches reclaims every CPU that has not missed since the
// previous reclaim interval — an idle CPU holds objects nobody is
// coming back for.
func (c *Cache) TryReclaimingCaches() int {
	reclaimed := 0
	for cpu := 0; cpu < c.numCPU; cpu++ {
		delta := c.missDelta(cpu, IntervalReclaim)
		if delta != 0 {
			continue
		}
		st := c.StatsFor(cpu)
		if st.UsedBytes == 0 && st.CapacityBytes == 0 {
			continue
		}
		c.Reclaim(cpu)
		reclaimed++
	}
	return reclaimed
}

// ResizeMissDelta reads the aggregate miss delta for the resize interval.
func (c *Cache) ResizeMissDelta() int64 {
	var total int64
	for cpu := 0; cpu < c.numCPU; cpu++ {
		total += c.missDelta(cpu, IntervalResize)
	}
	return total
}

// DynamicSlabResize grows the slab shift when the aggregate miss delta
// exceeds growThreshold and shrinks it when below shrinkThreshold.
// Growing doubles the slab's virtual size. Returns the shift in force
// afterwards.
func (c *Cache) DynamicSlabResize(growThreshold, shrinkThreshold int64) uint {
	delta := c.ResizeMissDelta()
	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()
	shift := c.slab.shift
	switch {
	case delta > growThreshold && shift < maxSlabShift:
		c.resizeSlab(shift + 1)
	case delta < shrinkThreshold && shift > minSlabShift:
		c.resizeSlab(shift - 1)
	}
	return c.slab.shift
}

// resizeSlab swaps in a slab of the new shift, migrating every slot's
// objects. All CPU locks are held across the swap, so the data plane
// observes either the old layout or the new one, never a mix.
// REQUIRES: resizeMu held.
func (c *Cache) resizeSlab(shift uint) {
	next, err := newSlab(shift, c.numCPU, c.numClasses)
	if err != nil {
		return
	}
	for i := range c.cpus {
		c.cpus[i].mu.Lock()
	}
	old := c.slab
	for cpu := range c.cpus {
		cc := &c.cpus[cpu]
		for cls := 1; cls < c.numClasses; cls++ {
			slot := &cc.slots[cls]
			n := slot.length
			held := make([]uintptr, n)
			for i := n - 1; i >= 0; i-- {
				slot.length--
				held[i] = *old.word(cpu, old.begin[cls]+slot.length)
			}
			if slot.capacity > next.maxCap[cls] {
				diff := int64(slot.capacity-next.maxCap[cls]) * int64(sizeclass.Size(cls))
				slot.capacity = next.maxCap[cls]
				cc.slotCapBytes -= diff
			}
			keep := n
			if keep > slot.capacity {
				keep = slot.capacity
			}
			for i := 0; i < keep; i++ {
				*next.word(cpu, next.begin[cls]+slot.length) = held[i]
				slot.length++
			}
			if keep < n {
				c.tc.InsertRange(cls, held[keep:])
			}
		}
	}
	c.slab = next
	for i := range c.cpus {
		c.cpus[i].mu.Unlock()
	}
	old.release()
}
