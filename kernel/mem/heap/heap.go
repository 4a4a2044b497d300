// Package heap implements the kernel heap on top of the kernel address
// space. Requests below SlabThreshold are served by fixed size slab pools
// while larger requests are served by a first-fit free-list allocator that
// splits and coalesces variable sized blocks. Both tiers obtain memory from
// an arena that is extended on demand by a Grower.
package heap

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
)

// SlabThreshold is the request size from which allocations are served by
// the free-list tier.
const SlabThreshold = 512 * mem.Byte

var (
	errOutOfMemory   = &kernel.Error{Module: "heap", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errBadAlignment  = &kernel.Error{Module: "heap", Message: "alignment must be a power of two", Kind: kernel.KindInvalidArgument}
	errDoubleFree    = &kernel.Error{Module: "heap", Message: "block is already free", Kind: kernel.KindDoubleFree}
	errUnknownPtr    = &kernel.Error{Module: "heap", Message: "pointer was not returned by the heap", Kind: kernel.KindInvalidAddress}
	errLayoutChanged = &kernel.Error{Module: "heap", Message: "size or alignment differs from the allocation", Kind: kernel.KindInvalidArgument}
	errCorrupted     = &kernel.Error{Module: "heap", Message: "heap metadata is inconsistent", Kind: kernel.KindUnknown}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Heap is a two tier allocator. It is safe for concurrent use.
type Heap struct {
	slabs [len(sizeClasses)]slabPool
	large freeList

	// usedBytes is the sum of the sizes of all live allocations.
	usedBytes atomic.Uint64
}

// New creates a heap that obtains memory from grower. If initial is non-zero
// the arena is grown by initial bytes before New returns.
func New(grower Grower, initial mem.Size) (*Heap, *kernel.Error) {
	h := &Heap{}
	h.large.init(grower)
	for i := range h.slabs {
		h.slabs[i].init(sizeClasses[i])
	}

	if initial != 0 {
		h.large.lock.Acquire()
		err := h.large.grow(initial)
		h.large.lock.Release()
		if err != nil {
			return nil, err
		}
	}

	kfmt.Module("heap").WithField("arena", h.large.arenaBytes).Debug("heap initialized")
	return h, nil
}

// normalize applies the defaults for zero sized and zero aligned requests.
func normalize(size, align mem.Size) (mem.Size, mem.Size, *kernel.Error) {
	if size == 0 {
		size = 1
	}
	if align == 0 {
		align = 1
	}
	if !mem.IsPowerOfTwo(uint64(align)) {
		return 0, 0, errBadAlignment
	}
	return size, align, nil
}

// poolFor returns the slab pool that serves requests of the given size and
// alignment or nil if the request must be served by the free-list tier.
func (h *Heap) poolFor(size, align mem.Size) *slabPool {
	if size >= SlabThreshold {
		return nil
	}

	if index := sizeClassIndex(size, align); index >= 0 {
		return &h.slabs[index]
	}
	return nil
}

// Allocate reserves size bytes aligned to align and returns the address of
// the first byte. If the arena is exhausted it is grown once; if growing
// fails Allocate returns an out of memory error and the heap is left
// unchanged.
func (h *Heap) Allocate(size, align mem.Size) (mem.VirtAddr, *kernel.Error) {
	size, align, err := normalize(size, align)
	if err != nil {
		return 0, err
	}

	var ptr mem.VirtAddr
	if pool := h.poolFor(size, align); pool != nil {
		ptr, err = pool.alloc(&h.large, size, align)
	} else {
		ptr, err = h.large.alloc(size, align, false)
	}

	if err != nil {
		return 0, err
	}

	h.usedBytes.Add(uint64(size))
	return ptr, nil
}

// Deallocate releases an allocation returned by Allocate. The size and
// alignment must match the values the allocation was made with. Double
// frees, unknown pointers and layout mismatches are fatal.
func (h *Heap) Deallocate(ptr mem.VirtAddr, size, align mem.Size) {
	size, align, err := normalize(size, align)
	if err == nil {
		if pool := h.poolFor(size, align); pool != nil {
			err = pool.free(ptr, size, align)
		} else {
			err = h.large.free(ptr, size, align)
		}
	}

	// The pointer may belong to a different tier than the one selected by
	// the supplied layout.
	if err == errUnknownPtr && h.owns(ptr) {
		err = errLayoutChanged
	}

	if err != nil {
		kfmt.Module("heap").WithField("ptr", ptr).Errorf("invalid free: %s", err.Message)
		panicFn(err)
		return
	}

	h.usedBytes.Add(^uint64(size - 1))
}

// owns returns true if ptr refers to a live allocation of either tier.
func (h *Heap) owns(ptr mem.VirtAddr) bool {
	for i := range h.slabs {
		if h.slabs[i].owns(ptr) {
			return true
		}
	}
	return h.large.owns(ptr)
}

// ClassStats describes the state of a slab pool.
type ClassStats struct {
	// SlotSize is the size class served by the pool.
	SlotSize mem.Size

	// Live is the number of allocated slots and Capacity the number of
	// slots carved from the arena.
	Live, Capacity int
}

// Stats is a snapshot of the heap state.
type Stats struct {
	// ArenaBytes is the total size of the memory obtained from the grower.
	ArenaBytes mem.Size

	// UsedBytes is the sum of the requested sizes of live allocations.
	UsedBytes mem.Size

	Classes []ClassStats

	// FreeBlocks and LargestFreeBlock describe the free-list tier.
	FreeBlocks       int
	LargestFreeBlock mem.Size
}

// Stats returns a snapshot of the heap state.
func (h *Heap) Stats() Stats {
	stats := Stats{
		UsedBytes: mem.Size(h.usedBytes.Load()),
		Classes:   make([]ClassStats, len(h.slabs)),
	}

	for i := range h.slabs {
		stats.Classes[i] = h.slabs[i].stats()
	}

	stats.ArenaBytes, stats.FreeBlocks, stats.LargestFreeBlock = h.large.stats()
	return stats
}

// Check verifies the heap metadata: the blocks of the arena cover it
// exactly, no two free blocks are adjacent and the slab slot accounting is
// consistent.
func (h *Heap) Check() *kernel.Error {
	if err := h.large.check(); err != nil {
		return err
	}

	for i := range h.slabs {
		if err := h.slabs[i].check(); err != nil {
			return err
		}
	}

	return nil
}

// VisitBlocks invokes visitor for every block of the free-list tier in
// ascending address order until it returns false. Slab chunks are reported
// as in use blocks.
func (h *Heap) VisitBlocks(visitor func(BlockInfo) bool) {
	h.large.visit(visitor)
}
