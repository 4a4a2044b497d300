package heap

import (
	"math/bits"

	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/mem"
	"vmcore/kernel/sync"
)

// sizeClasses lists the slot sizes of the slab pools.
var sizeClasses = [...]mem.Size{16, 32, 64, 128, 256, 512}

const (
	// slabChunkSize is the amount of memory a pool carves into slots
	// whenever it runs out of free slots.
	slabChunkSize = 16 * mem.Kb

	// slabChunkAlign aligns every chunk to the largest size class so that
	// each slot is aligned to its own size.
	slabChunkAlign = 512 * mem.Byte
)

// sizeClassIndex returns the index of the smallest size class that can hold
// size bytes aligned to align or -1 if no class fits.
func sizeClassIndex(size, align mem.Size) int {
	want := size
	if align > want {
		want = align
	}

	for index, class := range sizeClasses {
		if class >= want {
			return index
		}
	}
	return -1
}

// slabChunk is a slabChunkSize area carved into equally sized slots.
type slabChunk struct {
	base mem.VirtAddr

	// allocated has a set bit for every slot that is handed out.
	allocated []uint64
	live      int

	// layouts holds the requested size and alignment of every live slot.
	layouts []slotLayout
}

// slotLayout is the layout an allocated slot was requested with. Both values
// are below SlabThreshold.
type slotLayout struct {
	size, align uint16
}

func (c *slabChunk) contains(ptr mem.VirtAddr) bool {
	return ptr >= c.base && ptr < c.base.Add(slabChunkSize)
}

// slabPool serves allocations of a single size class. Free slots are kept
// in a stack so that both allocation and deallocation are O(1); the chunk
// bitmaps detect double frees.
type slabPool struct {
	lock      sync.Spinlock
	slotSize  mem.Size
	chunks    *btree.BTreeG[*slabChunk]
	freeSlots []mem.VirtAddr
	live      int
	capacity  int
}

func (p *slabPool) init(slotSize mem.Size) {
	p.slotSize = slotSize
	p.chunks = btree.NewG[*slabChunk](8, func(a, b *slabChunk) bool { return a.base < b.base })
}

// alloc pops a free slot, carving a new chunk out of the free-list tier if
// the pool is empty.
func (p *slabPool) alloc(large *freeList, size, align mem.Size) (mem.VirtAddr, *kernel.Error) {
	p.lock.Acquire()
	defer p.lock.Release()

	if len(p.freeSlots) == 0 {
		base, err := large.alloc(slabChunkSize, slabChunkAlign, true)
		if err != nil {
			return 0, err
		}
		p.addChunk(base)
	}

	slot := p.freeSlots[len(p.freeSlots)-1]
	p.freeSlots = p.freeSlots[:len(p.freeSlots)-1]

	chunk := p.chunkFor(slot)
	index := p.slotIndex(chunk, slot)
	chunk.allocated[index>>6] |= 1 << (index & 63)
	chunk.layouts[index] = slotLayout{size: uint16(size), align: uint16(align)}
	chunk.live++
	p.live++

	return slot, nil
}

// addChunk registers a chunk starting at base and pushes its slots so that
// the lowest address is handed out first.
func (p *slabPool) addChunk(base mem.VirtAddr) {
	slots := int(slabChunkSize / p.slotSize)
	p.chunks.ReplaceOrInsert(&slabChunk{
		base:      base,
		allocated: make([]uint64, (slots+63)/64),
		layouts:   make([]slotLayout, slots),
	})

	for slot := slots - 1; slot >= 0; slot-- {
		p.freeSlots = append(p.freeSlots, base.Add(mem.Size(slot)*p.slotSize))
	}
	p.capacity += slots
}

// free pushes ptr back to the free slot stack after checking that size and
// align match the layout the slot was allocated with.
func (p *slabPool) free(ptr mem.VirtAddr, size, align mem.Size) *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	chunk := p.chunkFor(ptr)
	if chunk == nil || !ptr.IsAligned(p.slotSize) {
		return errUnknownPtr
	}

	index := p.slotIndex(chunk, ptr)
	mask := uint64(1) << (index & 63)
	if chunk.allocated[index>>6]&mask == 0 {
		return errDoubleFree
	}

	if layout := chunk.layouts[index]; mem.Size(layout.size) != size || mem.Size(layout.align) != align {
		return errLayoutChanged
	}

	chunk.allocated[index>>6] &^= mask
	chunk.layouts[index] = slotLayout{}
	chunk.live--
	p.live--
	p.freeSlots = append(p.freeSlots, ptr)
	return nil
}

// owns returns true if ptr is an allocated slot of the pool.
func (p *slabPool) owns(ptr mem.VirtAddr) bool {
	p.lock.Acquire()
	defer p.lock.Release()

	chunk := p.chunkFor(ptr)
	if chunk == nil || !ptr.IsAligned(p.slotSize) {
		return false
	}

	index := p.slotIndex(chunk, ptr)
	return chunk.allocated[index>>6]&(uint64(1)<<(index&63)) != 0
}

// chunkFor returns the chunk that contains ptr or nil.
func (p *slabPool) chunkFor(ptr mem.VirtAddr) *slabChunk {
	var found *slabChunk
	p.chunks.DescendLessOrEqual(&slabChunk{base: ptr}, func(chunk *slabChunk) bool {
		if chunk.contains(ptr) {
			found = chunk
		}
		return false
	})
	return found
}

func (p *slabPool) slotIndex(chunk *slabChunk, ptr mem.VirtAddr) int {
	return int(mem.Size(ptr-chunk.base) / p.slotSize)
}

func (p *slabPool) stats() ClassStats {
	p.lock.Acquire()
	defer p.lock.Release()

	return ClassStats{SlotSize: p.slotSize, Live: p.live, Capacity: p.capacity}
}

// check verifies that the bitmaps agree with the slot counters.
func (p *slabPool) check() *kernel.Error {
	p.lock.Acquire()
	defer p.lock.Release()

	var live int
	valid := true
	p.chunks.Ascend(func(chunk *slabChunk) bool {
		var chunkLive int
		for _, word := range chunk.allocated {
			chunkLive += bits.OnesCount64(word)
		}
		valid = chunkLive == chunk.live
		live += chunkLive
		return valid
	})

	if !valid || live != p.live || p.capacity-live != len(p.freeSlots) {
		return errCorrupted
	}
	return nil
}
