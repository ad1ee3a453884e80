package transfercache

import (
	"sync"
	"sync/atomic"

	"github.com/memkit/memkit/malloc/central"
	"github.com/memkit/memkit/malloc/sizeclass"
)

const (
	// Capacity bounds per slot, in batches.
	initialCapacityBatches = 16
	maxCapacityBatches     = 64

	// maxCapacityObjects caps slot capacity for tiny classes whose
	// batches are large.
	maxCapacityObjects = 2048

	// resizeMissThreshold is the miss count over one resize interval
	// above which a class tries to grow at a donor's expense.
	resizeMissThreshold = 8
)

// buffer is the per-slot storage behind the variant tag.
type buffer interface {
	len() int
	insert(batch []uintptr)
	remove(out []uintptr) int
	drainOldest(out []uintptr) int
}

// Stats is a point-in-time view of one slot.
type Stats struct {
	Used        int
	Capacity    int
	MaxCapacity int

	InsertHits           int64
	InsertMisses         int64
	InsertNonBatchMisses int64
	RemoveHits           int64
	RemoveMisses         int64
	RemoveNonBatchMisses int64
}

type slot struct {
	mu sync.Mutex

	buf         buffer
	ring        bool
	capacity    int // current object capacity, <= maxCapacity
	maxCapacity int
	lowWater    int // minimum fill since the last plunder

	insertHits           atomic.Int64
	insertMisses         atomic.Int64
	insertNonBatchMisses atomic.Int64
	removeHits           atomic.Int64
	removeMisses         atomic.Int64
	removeNonBatchMisses atomic.Int64

	// Snapshot of miss totals at the last resize pass.
	lastMisses int64
}

func (t *slot) misses() int64 {
	return t.insertMisses.Load() + t.removeMisses.Load()
}

// Cache is the full transfer tier: one slot per size class in front of
// that class's central free list.
type Cache struct {
	lists []*central.FreeList // index by class; 0 nil
	slots []*slot
}

// New builds the transfer tier over the given central free lists. ring
// selects the starting variant.
func New(lists []*central.FreeList, ring bool) *Cache {
	c := &Cache{
		lists: lists,
		slots: make([]*slot, len(lists)),
	}
	for sc := 1; sc < len(lists); sc++ {
		batch := lists[sc].Batch()
		maxCap := maxCapacityBatches * batch
		if maxCap > maxCapacityObjects {
			maxCap = maxCapacityObjects - maxCapacityObjects%batch
		}
		capacity := initialCapacityBatches * batch
		if capacity > maxCap {
			capacity = maxCap
		}
		t := &slot{
			ring:        ring,
			capacity:    capacity,
			maxCapacity: maxCap,
		}
		t.buf = c.newBuffer(ring, maxCap)
		c.slots[sc] = t
	}
	return c
}

func (c *Cache) newBuffer(ring bool, maxCapacity int) buffer {
	if ring {
		return newRingBuffer(maxCapacity)
	}
	return newLegacyBuffer(maxCapacity)
}

func (c *Cache) batch(cls int) int { return c.lists[cls].Batch() }

// InsertRange buffers a batch of freed objects, spilling to the central
// free list when the slot cannot take them.
func (c *Cache) InsertRange(cls int, batch []uintptr) {
	if len(batch) == 0 {
		return
	}
	t := c.slots[cls]
	n := c.batch(cls)
	t.mu.Lock()
	if t.ring {
		c.insertRing(cls, t, batch, n)
		t.mu.Unlock()
		return
	}
	if len(batch) == n && t.buf.len()+n <= t.capacity {
		t.buf.insert(batch)
		t.mu.Unlock()
		t.insertHits.Add(1)
		return
	}
	t.mu.Unlock()
	t.insertMisses.Add(1)
	if len(batch) < n {
		t.insertNonBatchMisses.Add(1)
	}
	c.lists[cls].InsertRange(batch)
}

// insertRing appends under the slot lock, evicting the oldest full batch
// per overflow. Batches wider than the whole capacity spill directly.
func (c *Cache) insertRing(cls int, t *slot, batch []uintptr, n int) {
	if len(batch) > t.capacity {
		t.insertMisses.Add(1)
		c.lists[cls].InsertRange(batch)
		return
	}
	evicted := false
	for t.buf.len()+len(batch) > t.capacity {
		out := make([]uintptr, n)
		k := t.buf.drainOldest(out)
		if k == 0 {
			break
		}
		c.lists[cls].InsertRange(out[:k])
		evicted = true
	}
	t.buf.insert(batch)
	if t.buf.len() < t.lowWater {
		t.lowWater = t.buf.len()
	}
	if evicted {
		t.insertMisses.Add(1)
		if len(batch) < n {
			t.insertNonBatchMisses.Add(1)
		}
	} else {
		t.insertHits.Add(1)
	}
}

// RemoveRange fills out with up to len(out) objects, falling through to
// the central free list on miss. Returns the count delivered and any
// page-heap error from below.
func (c *Cache) RemoveRange(cls int, out []uintptr) (int, error) {
	if len(out) == 0 {
		return 0, nil
	}
	t := c.slots[cls]
	n := c.batch(cls)
	t.mu.Lock()
	var k int
	if t.ring {
		k = t.buf.remove(out)
	} else if len(out) == n && t.buf.len() >= n {
		k = t.buf.remove(out)
	}
	if fill := t.buf.len(); fill < t.lowWater {
		t.lowWater = fill
	}
	t.mu.Unlock()

	if k == len(out) {
		t.removeHits.Add(1)
		return k, nil
	}
	t.removeMisses.Add(1)
	if len(out) < n {
		t.removeNonBatchMisses.Add(1)
	}
	got, err := c.lists[cls].RemoveRange(out[k:])
	if k+got == 0 {
		return 0, err
	}
	return k + got, nil
}

// TryPlunder returns a slot's provably idle objects — its low-water mark
// since the previous plunder — to the central free list, batch by batch,
// and restarts the low-water window at the new fill.
func (c *Cache) TryPlunder(cls int) {
	t := c.slots[cls]
	n := c.batch(cls)
	t.mu.Lock()
	idle := t.lowWater
	if fill := t.buf.len(); idle > fill {
		idle = fill
	}
	for idle > 0 {
		chunk := n
		if chunk > idle {
			chunk = idle
		}
		out := make([]uintptr, chunk)
		k := t.buf.drainOldest(out)
		if k == 0 {
			break
		}
		c.lists[cls].InsertRange(out[:k])
		idle -= k
	}
	t.lowWater = t.buf.len()
	t.mu.Unlock()
}

// HasSpareCapacity reports whether the slot could give up a batch of
// capacity without evicting anything it holds.
func (c *Cache) HasSpareCapacity(cls int) bool {
	t := c.slots[cls]
	n := c.batch(cls)
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capacity-t.buf.len() >= n && t.capacity >= n
}

// TryResize grows cls by one batch of capacity at a donor's expense when
// the class kept missing since the last pass. The donor gives up the byte
// equivalent of that batch in its own objects, capped at its spare
// capacity; the recipient grows by the full batch either way.
func (c *Cache) TryResize(cls int) bool {
	t := c.slots[cls]
	delta := t.misses() - t.lastMisses
	t.lastMisses = t.misses()
	if delta < resizeMissThreshold {
		return false
	}
	t.mu.Lock()
	room := t.maxCapacity - t.capacity
	t.mu.Unlock()
	if room < c.batch(cls) {
		return false
	}
	donor := c.pickDonor(cls)
	if donor == 0 {
		return false
	}
	c.moveCapacity(donor, cls)
	return true
}

// pickDonor finds the class with the most spare capacity, skipping cls.
func (c *Cache) pickDonor(cls int) int {
	best, bestSpare := 0, 0
	for sc := 1; sc < len(c.slots); sc++ {
		if sc == cls {
			continue
		}
		t := c.slots[sc]
		n := c.batch(sc)
		t.mu.Lock()
		spare := t.capacity - t.buf.len()
		ok := spare >= n && t.capacity >= n
		t.mu.Unlock()
		if ok && spare > bestSpare {
			best, bestSpare = sc, spare
		}
	}
	return best
}

// moveCapacity shifts one recipient batch of capacity from donor to
// recipient, locking the two slots in class order.
func (c *Cache) moveCapacity(donor, recipient int) {
	bytes := int64(c.batch(recipient)) * int64(sizeclass.Size(recipient))
	donorObjs := int(bytes / int64(sizeclass.Size(donor)))
	if donorObjs < 1 {
		donorObjs = 1
	}

	first, second := c.slots[donor], c.slots[recipient]
	if recipient < donor {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	defer second.mu.Unlock()
	defer first.mu.Unlock()

	d, r := c.slots[donor], c.slots[recipient]
	if give := d.capacity - d.buf.len(); donorObjs > give {
		donorObjs = give
	}
	if donorObjs <= 0 {
		return
	}
	d.capacity -= donorObjs
	grow := c.batch(recipient)
	if r.capacity+grow > r.maxCapacity {
		grow = r.maxCapacity - r.capacity
	}
	r.capacity += grow
}

// SetVariant switches every slot to the ring (true) or legacy (false)
// buffer, carrying the buffered objects across in age order. Used,
// capacity and max capacity are unchanged by the toggle.
func (c *Cache) SetVariant(ring bool) {
	for sc := 1; sc < len(c.slots); sc++ {
		t := c.slots[sc]
		t.mu.Lock()
		if t.ring == ring {
			t.mu.Unlock()
			continue
		}
		held := make([]uintptr, t.buf.len())
		t.buf.drainOldest(held)
		next := c.newBuffer(ring, t.maxCapacity)
		next.insert(held)
		t.buf = next
		t.ring = ring
		t.mu.Unlock()
	}
}

// Ring reports whether cls currently runs the ring variant.
func (c *Cache) Ring(cls int) bool {
	t := c.slots[cls]
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ring
}

// StatsFor snapshots one slot.
func (c *Cache) StatsFor(cls int) Stats {
	t := c.slots[cls]
	t.mu.Lock()
	used, capacity, maxCap := t.buf.len(), t.capacity, t.maxCapacity
	t.mu.Unlock()
	return Stats{
		Used:                 used,
		Capacity:             capacity,
		MaxCapacity:          maxCap,
		InsertHits:           t.insertHits.Load(),
		InsertMisses:         t.insertMisses.Load(),
		InsertNonBatchMisses: t.insertNonBatchMisses.Load(),
		RemoveHits:           t.removeHits.Load(),
		RemoveMisses:         t.removeMisses.Load(),
		RemoveNonBatchMisses: t.removeNonBatchMisses.Load(),
	}
}

// FreeBytes totals the bytes buffered across every slot.
func (c *Cache) FreeBytes() int64 {
	var total int64
	for sc := 1; sc < len(c.slots); sc++ {
		t := c.slots[sc]
		t.mu.Lock()
		total += int64(t.buf.len()) * int64(sizeclass.Size(sc))
		t.mu.Unlock()
	}
	return total
}

// NumClasses returns the class-index bound (including reserved class 0).
func (c *Cache) NumClasses() int { return len(c.slots) }

// PlunderAll runs TryPlunder over every class; the background task calls
// this on its period.
func (c *Cache) PlunderAll() {
	for sc := 1; sc < len(c.slots); sc++ {
		c.TryPlunder(sc)
	}
}

// ResizeAll gives every class one resize attempt, refreshing each miss
// snapshot in the process.
func (c *Cache) ResizeAll() {
	for sc := 1; sc < len(c.slots); sc++ {
		c.TryResize(sc)
	}
}
