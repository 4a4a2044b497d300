package allocator

import (
	"math/bits"

	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
	"vmcore/kernel/sync"
)

var (
	// FrameAllocator is a BitmapAllocator instance that serves as the
	// primary allocator for reserving pages.
	FrameAllocator *BitmapAllocator

	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator", Kind: kernel.KindInvalidAddress}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free", Kind: kernel.KindDoubleFree}
	errBitmapAllocBadCount        = &kernel.Error{Module: "bitmap_alloc", Message: "frame count must be positive", Kind: kernel.KindInvalidArgument}
	errBitmapAllocNotInitialized  = &kernel.Error{Module: "bitmap_alloc", Message: "frame allocator not initialized", Kind: kernel.KindInvalidArgument}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// BitmapMemory provides access to the physical memory that holds the pool
// bitmaps.
type BitmapMemory interface {
	Zero(addr mem.PhysAddr, size mem.Size)
	Words(addr mem.PhysAddr, count int) []uint64
}

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame pmm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame pmm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// nextFree is the index of the first bitmap block that may contain a
	// free frame; all blocks before it are fully reserved.
	nextFree int

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame; frame (startFrame + i) maps to bit (63 - i%64) of
	// block i/64.
	freeBitmap []uint64
}

func (pool *framePool) frameCount() uint32 {
	return uint32(pool.endFrame - pool.startFrame + 1)
}

// poolRef is the ordered pool index entry.
type poolRef struct {
	startFrame pmm.Frame
	index      int
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool

	// poolIndex orders the pools by start frame.
	poolIndex *btree.BTreeG[poolRef]
}

// Stats describes the state of a BitmapAllocator.
type Stats struct {
	Pools          int
	TotalFrames    uint32
	ReservedFrames uint32
}

// New sets up a BitmapAllocator that manages the usable frames in regions,
// excluding the kernel image and the frames that hold the allocator's own
// bitmaps.
func New(m BitmapMemory, regions []boot.MemoryRegion, kernelStart, kernelEnd mem.PhysAddr) (*BitmapAllocator, *kernel.Error) {
	var early bootMemAllocator
	early.init(regions, kernelStart, kernelEnd)

	alloc := &BitmapAllocator{}
	if err := alloc.setupPoolBitmaps(m, &early); err != nil {
		return nil, err
	}

	alloc.reserveKernelFrames(&early)
	alloc.reserveEarlyAllocatorFrames(&early)

	kfmt.Module("bitmap_alloc").WithField("pools", len(alloc.pools)).Infof(
		"page stats: free: %d/%d (%d reserved)",
		alloc.totalPages-alloc.reservedPages, alloc.totalPages, alloc.reservedPages,
	)

	return alloc, nil
}

// setupPoolBitmaps uses the early allocator to reserve the frames that hold
// the pool bitmaps and initializes one pool per usable region.
func (alloc *BitmapAllocator) setupPoolBitmaps(m BitmapMemory, early *bootMemAllocator) *kernel.Error {
	var requiredWords int
	for _, region := range early.regions {
		requiredWords += bitmapWords(region)
	}

	if requiredWords == 0 {
		return errBitmapAllocOutOfMemory
	}

	words, err := alloc.reserveBitmapStorage(m, requiredWords, func(pages uint64) (pmm.Frame, *kernel.Error) {
		run, err := early.allocContiguous(pages)
		return run.start, err
	})
	if err != nil {
		return err
	}

	for _, region := range early.regions {
		n := bitmapWords(region)
		alloc.addPool(region, words[:n:n])
		words = words[n:]
	}

	return nil
}

// reserveBitmapStorage obtains zeroed physical frames for wordCount bitmap
// words using allocRun and returns a view over them.
func (alloc *BitmapAllocator) reserveBitmapStorage(m BitmapMemory, wordCount int, allocRun func(uint64) (pmm.Frame, *kernel.Error)) ([]uint64, *kernel.Error) {
	requiredBytes := mem.Size(wordCount) << mem.PointerShift
	first, err := allocRun(requiredBytes.Pages())
	if err != nil {
		return nil, err
	}

	m.Zero(first.Address(), mem.Size(requiredBytes.Pages())*mem.PageSize)
	return m.Words(first.Address(), wordCount), nil
}

func bitmapWords(region frameRange) int {
	return int((uint64(region.end-region.start) + 63) >> 6)
}

// addPool registers a pool managing the frames in region. Bits past the
// end of the pool are marked as reserved without being accounted for.
func (alloc *BitmapAllocator) addPool(region frameRange, bitmap []uint64) {
	pool := framePool{
		startFrame: region.start,
		endFrame:   region.end - 1,
		freeBitmap: bitmap,
	}
	pool.freeCount = pool.frameCount()

	if tail := pool.freeCount % 64; tail != 0 {
		bitmap[len(bitmap)-1] |= (uint64(1) << (64 - tail)) - 1
	}

	alloc.pools = append(alloc.pools, pool)
	alloc.totalPages += pool.freeCount
	alloc.poolIndex = nil
}

// index returns the pool index, rebuilding it if the pool list changed.
func (alloc *BitmapAllocator) index() *btree.BTreeG[poolRef] {
	if alloc.poolIndex != nil && alloc.poolIndex.Len() == len(alloc.pools) {
		return alloc.poolIndex
	}

	alloc.poolIndex = btree.NewG[poolRef](8, func(a, b poolRef) bool { return a.startFrame < b.startFrame })
	for i, pool := range alloc.pools {
		alloc.poolIndex.ReplaceOrInsert(poolRef{startFrame: pool.startFrame, index: i})
	}
	return alloc.poolIndex
}

// markFrame updates the reservation flag for the bitmap entry that
// corresponds to the supplied frame.
func (alloc *BitmapAllocator) markFrame(poolIndex int, frame pmm.Frame, flag markAs) {
	if poolIndex < 0 || frame < alloc.pools[poolIndex].startFrame || frame > alloc.pools[poolIndex].endFrame {
		return
	}

	pool := &alloc.pools[poolIndex]

	// The offset in the block is given by: frame % 64. As the bitmap uses a
	// big-endian representation we need to set the bit at index: 63 - offset
	relFrame := frame - pool.startFrame
	block := int(relFrame >> 6)
	mask := uint64(1 << (63 - (relFrame - pmm.Frame(block<<6))))

	switch {
	case flag == markFree && pool.freeBitmap[block]&mask != 0:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
		alloc.reservedPages--
		if block < pool.nextFree {
			pool.nextFree = block
		}
	case flag == markReserved && pool.freeBitmap[block]&mask == 0:
		pool.freeBitmap[block] |= mask
		pool.freeCount--
		alloc.reservedPages++
	}
}

// isReserved returns true if frame is reserved in the given pool.
func (pool *framePool) isReserved(frame pmm.Frame) bool {
	relFrame := frame - pool.startFrame
	return pool.freeBitmap[relFrame>>6]&(uint64(1)<<(63-relFrame%64)) != 0
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame pmm.Frame) int {
	found := -1
	alloc.index().DescendLessOrEqual(poolRef{startFrame: frame}, func(ref poolRef) bool {
		if frame <= alloc.pools[ref.index].endFrame {
			found = ref.index
		}
		return false
	})
	return found
}

// reserveKernelFrames marks as reserved the bitmap entries for the frames
// occupied by the kernel image.
func (alloc *BitmapAllocator) reserveKernelFrames(early *bootMemAllocator) {
	alloc.reserveRange(early.kernel)
}

// reserveEarlyAllocatorFrames marks as reserved the bitmap entries for the
// frames already allocated by the early allocator.
func (alloc *BitmapAllocator) reserveEarlyAllocatorFrames(early *bootMemAllocator) {
	for _, run := range early.allocated {
		alloc.reserveRange(run)
	}
}

func (alloc *BitmapAllocator) reserveRange(run frameRange) {
	for frame := run.start; frame < run.end; frame++ {
		alloc.markFrame(alloc.poolForFrame(frame), frame, markReserved)
	}
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount == 0 {
			continue
		}

		for ; pool.nextFree < len(pool.freeBitmap); pool.nextFree++ {
			block := pool.freeBitmap[pool.nextFree]
			if block == ^uint64(0) {
				continue
			}

			frame := pool.startFrame + pmm.Frame(pool.nextFree<<6+bits.LeadingZeros64(^block))
			if frame > pool.endFrame {
				break
			}

			alloc.markFrame(poolIndex, frame, markReserved)
			return frame, nil
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// AllocContiguous reserves count physically contiguous frames.
func (alloc *BitmapAllocator) AllocContiguous(count int) ([]pmm.Frame, *kernel.Error) {
	if count <= 0 {
		return nil, errBitmapAllocBadCount
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	first, err := alloc.allocContiguous(count)
	if err != nil {
		return nil, err
	}

	frames := make([]pmm.Frame, count)
	for i := range frames {
		frames[i] = first + pmm.Frame(i)
	}
	return frames, nil
}

func (alloc *BitmapAllocator) allocContiguous(count int) (pmm.Frame, *kernel.Error) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < uint32(count) {
			continue
		}

		var runStart, runLen = pool.startFrame, 0
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if pool.isReserved(frame) {
				runLen = 0
				continue
			}

			if runLen == 0 {
				runStart = frame
			}

			if runLen++; runLen == count {
				for f := runStart; f <= frame; f++ {
					alloc.markFrame(poolIndex, f, markReserved)
				}
				return runStart, nil
			}
		}
	}

	return pmm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame
// or AllocContiguous. Freeing a frame that is already free is fatal.
func (alloc *BitmapAllocator) FreeFrame(frame pmm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 {
		return errBitmapAllocFrameNotManaged
	}

	if !alloc.pools[poolIndex].isReserved(frame) {
		panicFn(errBitmapAllocDoubleFree)
		return errBitmapAllocDoubleFree
	}

	alloc.markFrame(poolIndex, frame, markFree)
	return nil
}

// IsAllocated returns true if frame is managed by the allocator and is
// currently reserved.
func (alloc *BitmapAllocator) IsAllocated(frame pmm.Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	return poolIndex >= 0 && alloc.pools[poolIndex].isReserved(frame)
}

// Reclaim adds the BootloaderReclaimable regions to the managed memory. It
// must only be called once the loader data stored in those regions is no
// longer needed. The bitmaps of the new pools are allocated from the
// existing pools.
func (alloc *BitmapAllocator) Reclaim(m BitmapMemory, regions []boot.MemoryRegion) (mem.Size, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var (
		reclaimable   []frameRange
		requiredWords int
	)
	for _, region := range regions {
		if region.Kind != boot.BootloaderReclaimable {
			continue
		}

		if frames, ok := usableFrames(region); ok && !alloc.overlapsPools(frames) {
			reclaimable = append(reclaimable, frames)
			requiredWords += bitmapWords(frames)
		}
	}

	if len(reclaimable) == 0 {
		return 0, nil
	}

	words, err := alloc.reserveBitmapStorage(m, requiredWords, func(pages uint64) (pmm.Frame, *kernel.Error) {
		return alloc.allocContiguous(int(pages))
	})
	if err != nil {
		return 0, err
	}

	var reclaimed mem.Size
	for _, frames := range reclaimable {
		n := bitmapWords(frames)
		alloc.addPool(frames, words[:n:n])
		words = words[n:]
		reclaimed += mem.Size(frames.end-frames.start) * mem.PageSize
	}

	kfmt.Module("bitmap_alloc").Infof("reclaimed %dKb of bootloader memory", uint64(reclaimed/mem.Kb))
	return reclaimed, nil
}

func (alloc *BitmapAllocator) overlapsPools(frames frameRange) bool {
	for _, pool := range alloc.pools {
		if frames.start <= pool.endFrame && pool.startFrame < frames.end {
			return true
		}
	}
	return false
}

// Stats returns a snapshot of the allocator counters.
func (alloc *BitmapAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		Pools:          len(alloc.pools),
		TotalFrames:    alloc.totalPages,
		ReservedFrames: alloc.reservedPages,
	}
}

// Init sets up the kernel physical memory allocation sub-system and installs
// the global FrameAllocator.
func Init(m BitmapMemory, regions []boot.MemoryRegion, kernelStart, kernelEnd mem.PhysAddr) *kernel.Error {
	printMemoryMap(regions, kernelStart, kernelEnd)

	alloc, err := New(m, regions, kernelStart, kernelEnd)
	if err != nil {
		return err
	}

	FrameAllocator = alloc
	return nil
}

// AllocFrame allocates a frame using the global FrameAllocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	if FrameAllocator == nil {
		return pmm.InvalidFrame, errBitmapAllocNotInitialized
	}
	return FrameAllocator.AllocFrame()
}

// FreeFrame releases a frame using the global FrameAllocator.
func FreeFrame(frame pmm.Frame) *kernel.Error {
	if FrameAllocator == nil {
		return errBitmapAllocNotInitialized
	}
	return FrameAllocator.FreeFrame(frame)
}
