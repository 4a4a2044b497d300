package heap

import (
	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/mem"
	"vmcore/kernel/sync"
)

const (
	// headerSize is the part of each block that precedes the returned
	// pointer.
	headerSize = 16 * mem.Byte

	// minBlockSize is the smallest remainder that is split off a block.
	minBlockSize = 64 * mem.Byte

	// blockGranularity is the alignment of every block boundary.
	blockGranularity = 16 * mem.Byte

	// maxRequest bounds the size and alignment of a single request. No
	// heap area can be larger than the kernel half of an address space.
	maxRequest = mem.Size(1) << 47
)

// blockID is a handle to an entry of the block arena.
type blockID int32

const noBlock blockID = -1

// block describes a part of the heap arena. prev and next link the block to
// its physical neighbours.
type block struct {
	start mem.VirtAddr
	size  mem.Size

	prev, next blockID

	inUse bool
	slab  bool

	// The returned pointer and the layout of the allocation.
	ptr          mem.VirtAddr
	reqSize      mem.Size
	reqAlignment mem.Size
}

func (b *block) end() mem.VirtAddr { return b.start.Add(b.size) }

// freeRef is an entry of the address ordered free block index.
type freeRef struct {
	start mem.VirtAddr
	id    blockID
}

// BlockInfo describes a block of the free-list tier.
type BlockInfo struct {
	Start mem.VirtAddr
	Size  mem.Size
	InUse bool
}

// freeList is a first-fit allocator over variable sized blocks. Block
// metadata is kept in an arena of handles instead of in-band headers;
// headerSize bytes of each block are still reserved so block extents
// match an in-band layout.
type freeList struct {
	lock   sync.Spinlock
	grower Grower

	blocks  []block
	unused  []blockID
	freeIdx *btree.BTreeG[freeRef]
	used    map[mem.VirtAddr]blockID

	// tail is the last block of the most recently grown extent.
	tail       blockID
	arenaBytes mem.Size
}

func (l *freeList) init(grower Grower) {
	l.grower = grower
	l.freeIdx = btree.NewG[freeRef](8, func(a, b freeRef) bool { return a.start < b.start })
	l.used = make(map[mem.VirtAddr]blockID)
	l.tail = noBlock
}

// alloc reserves size bytes aligned to align. If no free block fits the
// arena is grown once and the search is repeated.
func (l *freeList) alloc(size, align mem.Size, slab bool) (mem.VirtAddr, *kernel.Error) {
	if size > maxRequest || align > maxRequest {
		return 0, errOutOfMemory
	}

	l.lock.Acquire()
	defer l.lock.Release()

	if ptr, ok := l.allocFirstFit(size, align, slab); ok {
		return ptr, nil
	}

	if err := l.grow(size + headerSize + align); err != nil {
		return 0, err
	}

	if ptr, ok := l.allocFirstFit(size, align, slab); ok {
		return ptr, nil
	}
	return 0, errOutOfMemory
}

// fit returns the pointer and block length needed to place an allocation
// inside the block.
func (l *freeList) fit(id blockID, size, align mem.Size) (ptr mem.VirtAddr, length mem.Size, ok bool) {
	b := &l.blocks[id]
	if size > b.size {
		return 0, 0, false
	}

	ptr = b.start.Add(headerSize).AlignUp(align)
	end := ptr.Add(size).AlignUp(blockGranularity)
	if ptr < b.start || end < ptr {
		return 0, 0, false
	}
	return ptr, mem.Size(end - b.start), end <= b.end()
}

func (l *freeList) allocFirstFit(size, align mem.Size, slab bool) (mem.VirtAddr, bool) {
	var (
		found = noBlock
		ptr   mem.VirtAddr
		need  mem.Size
	)

	l.freeIdx.Ascend(func(ref freeRef) bool {
		var ok bool
		if ptr, need, ok = l.fit(ref.id, size, align); ok {
			found = ref.id
			return false
		}
		return true
	})

	if found == noBlock {
		return 0, false
	}

	id := found
	l.freeIdx.Delete(freeRef{start: l.blocks[id].start})

	// Alignment padding large enough to form a block is returned to the
	// free list.
	if gap := (mem.Size(ptr-l.blocks[id].start)-headerSize) &^ (blockGranularity - 1); gap >= minBlockSize {
		front := id
		id = l.split(id, gap)
		need -= gap
		l.freeIdx.ReplaceOrInsert(freeRef{start: l.blocks[front].start, id: front})
	}

	if l.blocks[id].size-need >= minBlockSize {
		rest := l.split(id, need)
		l.freeIdx.ReplaceOrInsert(freeRef{start: l.blocks[rest].start, id: rest})
	}

	b := &l.blocks[id]
	b.inUse, b.slab = true, slab
	b.ptr, b.reqSize, b.reqAlignment = ptr, size, align
	l.used[ptr] = id

	return ptr, true
}

// split divides the block at offset and returns the handle of the second
// part, which inherits the state of the block.
func (l *freeList) split(id blockID, offset mem.Size) blockID {
	orig := l.blocks[id]
	rest := l.newBlock(block{
		start: orig.start.Add(offset),
		size:  orig.size - offset,
		prev:  id,
		next:  orig.next,
	})

	l.blocks[id].size = offset
	l.blocks[id].next = rest
	if orig.next != noBlock {
		l.blocks[orig.next].prev = rest
	}
	if l.tail == id {
		l.tail = rest
	}
	return rest
}

// merge absorbs the next neighbour of id into it.
func (l *freeList) merge(id blockID) {
	next := l.blocks[id].next
	absorbed := l.blocks[next]

	l.blocks[id].size += absorbed.size
	l.blocks[id].next = absorbed.next
	if absorbed.next != noBlock {
		l.blocks[absorbed.next].prev = id
	}
	if l.tail == next {
		l.tail = id
	}
	l.releaseBlock(next)
}

func (l *freeList) newBlock(b block) blockID {
	if n := len(l.unused); n > 0 {
		id := l.unused[n-1]
		l.unused = l.unused[:n-1]
		l.blocks[id] = b
		return id
	}

	l.blocks = append(l.blocks, b)
	return blockID(len(l.blocks) - 1)
}

func (l *freeList) releaseBlock(id blockID) {
	l.blocks[id] = block{prev: noBlock, next: noBlock, size: 0}
	l.unused = append(l.unused, id)
}

// grow extends the arena by at least size bytes. Memory adjacent to the
// tail of the arena is merged with it.
func (l *freeList) grow(size mem.Size) *kernel.Error {
	if l.grower == nil {
		return errOutOfMemory
	}

	start, length, err := l.grower.Grow(size)
	if err != nil {
		return err
	}
	l.arenaBytes += length

	if l.tail != noBlock && l.blocks[l.tail].end() == start {
		if tail := &l.blocks[l.tail]; !tail.inUse {
			tail.size += length
			return nil
		}

		id := l.newBlock(block{start: start, size: length, prev: l.tail, next: noBlock})
		l.blocks[l.tail].next = id
		l.tail = id
		l.freeIdx.ReplaceOrInsert(freeRef{start: start, id: id})
		return nil
	}

	id := l.newBlock(block{start: start, size: length, prev: noBlock, next: noBlock})
	l.tail = id
	l.freeIdx.ReplaceOrInsert(freeRef{start: start, id: id})
	return nil
}

// free releases the block that holds ptr and coalesces it with its free
// neighbours.
func (l *freeList) free(ptr mem.VirtAddr, size, align mem.Size) *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	id, ok := l.used[ptr]
	switch {
	case !ok && l.insideFreeBlock(ptr):
		return errDoubleFree
	case !ok, l.blocks[id].slab:
		return errUnknownPtr
	case l.blocks[id].reqSize != size || l.blocks[id].reqAlignment != align:
		return errLayoutChanged
	}

	delete(l.used, ptr)
	l.blocks[id].inUse = false

	if next := l.blocks[id].next; next != noBlock && !l.blocks[next].inUse {
		l.freeIdx.Delete(freeRef{start: l.blocks[next].start})
		l.merge(id)
	}

	if prev := l.blocks[id].prev; prev != noBlock && !l.blocks[prev].inUse {
		l.merge(prev)
		return nil
	}

	l.freeIdx.ReplaceOrInsert(freeRef{start: l.blocks[id].start, id: id})
	return nil
}

// insideFreeBlock returns true if ptr lies inside a free block.
func (l *freeList) insideFreeBlock(ptr mem.VirtAddr) bool {
	var inside bool
	l.freeIdx.DescendLessOrEqual(freeRef{start: ptr}, func(ref freeRef) bool {
		inside = ptr < l.blocks[ref.id].end()
		return false
	})
	return inside
}

// owns returns true if ptr is a live allocation of the tier.
func (l *freeList) owns(ptr mem.VirtAddr) bool {
	l.lock.Acquire()
	defer l.lock.Release()

	id, ok := l.used[ptr]
	return ok && !l.blocks[id].slab
}

func (l *freeList) stats() (arena mem.Size, freeBlocks int, largest mem.Size) {
	l.lock.Acquire()
	defer l.lock.Release()

	l.freeIdx.Ascend(func(ref freeRef) bool {
		freeBlocks++
		if size := l.blocks[ref.id].size; size > largest {
			largest = size
		}
		return true
	})
	return l.arenaBytes, freeBlocks, largest
}

// visit walks the blocks of each extent in address order.
func (l *freeList) visit(visitor func(BlockInfo) bool) {
	l.lock.Acquire()
	defer l.lock.Release()

	for _, head := range l.heads() {
		for id := head; id != noBlock; id = l.blocks[id].next {
			b := &l.blocks[id]
			if !visitor(BlockInfo{Start: b.start, Size: b.size, InUse: b.inUse}) {
				return
			}
		}
	}
}

// heads returns the first block of every extent sorted by address.
func (l *freeList) heads() []blockID {
	index := btree.NewG[freeRef](8, func(a, b freeRef) bool { return a.start < b.start })
	for id := range l.blocks {
		if b := &l.blocks[id]; b.size != 0 && b.prev == noBlock {
			index.ReplaceOrInsert(freeRef{start: b.start, id: blockID(id)})
		}
	}

	heads := make([]blockID, 0, index.Len())
	index.Ascend(func(ref freeRef) bool {
		heads = append(heads, ref.id)
		return true
	})
	return heads
}

// check verifies that the block extents add up to the arena size, that
// neighbour links are consistent and that no two free blocks are adjacent.
func (l *freeList) check() *kernel.Error {
	l.lock.Acquire()
	defer l.lock.Release()

	var (
		total      mem.Size
		freeBlocks int
	)

	for _, head := range l.heads() {
		for id := head; id != noBlock; id = l.blocks[id].next {
			b := &l.blocks[id]
			total += b.size

			if !b.inUse {
				freeBlocks++
				if found, ok := l.freeIdx.Get(freeRef{start: b.start}); !ok || found.id != id {
					return errCorrupted
				}
			}

			if b.next == noBlock {
				continue
			}

			next := &l.blocks[b.next]
			if next.prev != id || next.start != b.end() || (!b.inUse && !next.inUse) {
				return errCorrupted
			}
		}
	}

	if total != l.arenaBytes || freeBlocks != l.freeIdx.Len() {
		return errCorrupted
	}
	return nil
}
