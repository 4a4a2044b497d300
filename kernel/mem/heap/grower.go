package heap

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
	"vmcore/kernel/mem/vmm"
	"vmcore/kernel/sync"
)

// minGrowth is the smallest extension requested from the page tables.
const minGrowth = 64 * mem.Kb

var errHeapAreaExhausted = &kernel.Error{Module: "heap", Message: "heap area exhausted", Kind: kernel.KindOutOfMemory}

//go:generate mockgen -destination mock_grower_test.go -package heap -write_package_comment=false vmcore/kernel/mem/heap Grower

// Grower extends the heap arena.
type Grower interface {
	// Grow makes at least size additional bytes available and returns
	// the start and length of the new extent.
	Grow(size mem.Size) (mem.VirtAddr, mem.Size, *kernel.Error)
}

// RegionGrower grows the heap inside a fixed virtual area of the kernel
// address space by mapping freshly allocated frames after the current end
// of the arena.
type RegionGrower struct {
	lock sync.Spinlock

	space  *vmm.AddressSpace
	frames pmm.FrameAllocator
	zero   func(mem.PhysAddr, mem.Size)

	base, next, limit mem.VirtAddr
}

// NewRegionGrower returns a grower for the area [base, base+size) of space.
// If zero is not nil it is used to clear every frame before it is mapped.
func NewRegionGrower(space *vmm.AddressSpace, frames pmm.FrameAllocator, base mem.VirtAddr, size mem.Size, zero func(mem.PhysAddr, mem.Size)) *RegionGrower {
	return &RegionGrower{
		space:  space,
		frames: frames,
		zero:   zero,
		base:   base,
		next:   base,
		limit:  base.Add(size),
	}
}

// Mapped returns the number of bytes mapped so far.
func (g *RegionGrower) Mapped() mem.Size {
	g.lock.Acquire()
	defer g.lock.Release()
	return mem.Size(g.next - g.base)
}

// Grow maps at least size bytes after the current end of the arena. The
// size is rounded up to a page boundary and, while the area allows it, to
// minGrowth. If the frame allocator is exhausted the pages mapped by this
// call are unmapped and their frames released.
func (g *RegionGrower) Grow(size mem.Size) (mem.VirtAddr, mem.Size, *kernel.Error) {
	g.lock.Acquire()
	defer g.lock.Release()

	want := mem.Size(mem.AlignUp(uint64(size), uint64(mem.PageSize)))
	size = want
	if size < minGrowth {
		size = minGrowth
	}

	available := mem.Size(g.limit - g.next)
	switch {
	case want > available:
		return 0, 0, errHeapAreaExhausted
	case size > available:
		// What is left still covers the request.
		size = available
	}

	start := g.next
	err := g.space.Update(func(m *vmm.Mapper) *kernel.Error {
		for offset := mem.Size(0); offset < size; offset += mem.PageSize {
			if err := g.mapPage(m, start.Add(offset)); err != nil {
				g.rollback(m, start, offset)
				return err
			}
		}
		return nil
	})
	if err != nil {
		kfmt.Module("heap").WithField("size", size).Warnf("heap growth failed: %s", err.Message)
		return 0, 0, err
	}

	g.next = start.Add(size)
	kfmt.Module("heap").Debugf("heap grown by %d bytes at %s", size, start)
	return start, size, nil
}

func (g *RegionGrower) mapPage(m *vmm.Mapper, virt mem.VirtAddr) *kernel.Error {
	frame, err := g.frames.AllocFrame()
	if err != nil {
		return err
	}

	if g.zero != nil {
		g.zero(frame.Address(), mem.PageSize)
	}

	if err = m.Map(virt, frame.Address(), vmm.DefaultDataFlags); err != nil {
		_ = g.frames.FreeFrame(frame)
		return err
	}
	return nil
}

// rollback unmaps the mapped bytes starting at start and frees their frames.
func (g *RegionGrower) rollback(m *vmm.Mapper, start mem.VirtAddr, mapped mem.Size) {
	if mapped == 0 {
		return
	}

	frames, _ := m.UnmapRegion(start, mapped)
	for _, frame := range frames {
		_ = g.frames.FreeFrame(frame)
	}
}
