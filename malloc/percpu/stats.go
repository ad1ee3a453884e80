package percpu

import (
	"github.com/memkit/memkit/malloc/sizeclass"
)

// CPUStats is a point-in-time view of one CPU's cache.
type CPUStats struct {
	UsedBytes        int64 // bytes of cached objects
	AllocatedBytes   int64 // budget claimed by slot capacities
	UnallocatedBytes int64 // budget not yet claimed
	CapacityBytes    int64 // AllocatedBytes + UnallocatedBytes
	Underflows       int64
	Overflows        int64
	Misses           int64
}

// StatsFor snapshots one CPU under its lock.
func (c *Cache) StatsFor(cpu int) CPUStats {
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	var used int64
	for cls := 1; cls < c.numClasses; cls++ {
		used += int64(cc.slots[cls].length) * int64(sizeclass.Size(cls))
	}
	out := CPUStats{
		UsedBytes:        used,
		AllocatedBytes:   cc.slotCapBytes,
		UnallocatedBytes: cc.capacityBytes - cc.slotCapBytes,
		CapacityBytes:    cc.capacityBytes,
		Underflows:       cc.underflows.Load(),
		Overflows:        cc.overflows.Load(),
		Misses:           cc.missTotal.Load(),
	}
	cc.mu.Unlock()
	return out
}

// UsedBytes reports the bytes cached on one CPU.
func (c *Cache) UsedBytes(cpu int) int64 {
	return c.StatsFor(cpu).UsedBytes
}

// CapacityBytes reports one CPU's byte budget.
func (c *Cache) CapacityBytes(cpu int) int64 {
	cc := &c.cpus[cpu]
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.capacityBytes
}

// FreeBytes totals the cached bytes across all CPUs.
func (c *Cache) FreeBytes() int64 {
	var total int64
	for cpu := 0; cpu < c.numCPU; cpu++ {
		total += c.UsedBytes(cpu)
	}
	return total
}

// PoolBytes returns the capacity currently unassigned to any CPU.
func (c *Cache) PoolBytes() int64 {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return c.pool
}

// TotalCapacityBytes sums every CPU's budget plus the pool. Shuffle,
// reclaim and slab resize all conserve this figure.
func (c *Cache) TotalCapacityBytes() int64 {
	total := c.PoolBytes()
	for cpu := 0; cpu < c.numCPU; cpu++ {
		total += c.CapacityBytes(cpu)
	}
	return total
}

// SetMaxPerCPUBytes updates the per-CPU capacity knob. The capacity pool
// absorbs the difference: raising the knob adds headroom to the pool,
// lowering it removes headroom (going negative until CPUs drain back).
func (c *Cache) SetMaxPerCPUBytes(bytes int64) {
	old := c.maxPerCPUBytes.Swap(bytes)
	delta := (bytes - old) * int64(c.numCPU)
	c.poolMu.Lock()
	c.pool += delta
	c.poolMu.Unlock()
}

// MaxPerCPUBytes reads the per-CPU capacity knob.
func (c *Cache) MaxPerCPUBytes() int64 { return c.maxPerCPUBytes.Load() }

// SlabShift returns the current per-CPU subregion shift.
func (c *Cache) SlabShift() uint {
	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()
	return c.slab.shift
}

// SlabVirtualBytes returns the current slab mapping size.
func (c *Cache) SlabVirtualBytes() int {
	c.resizeMu.Lock()
	defer c.resizeMu.Unlock()
	return c.slab.virtualBytes()
}

// MissesFor reads the cumulative per-class miss counter of one CPU.
func (c *Cache) MissesFor(cpu, cls int) int64 {
	return c.cpus[cpu].misses[cls].Load()
}
