package heap

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/physmem"
	"vmcore/kernel/mem/pmm"
	"vmcore/kernel/mem/pmm/allocator"
	"vmcore/kernel/mem/vmm"
)

var errTestNoFrames = &kernel.Error{Module: "test", Message: "no frames left", Kind: kernel.KindOutOfMemory}

// limitedFrames fails every allocation after the first remaining ones.
type limitedFrames struct {
	pmm.FrameAllocator
	remaining int
}

func (f *limitedFrames) AllocFrame() (pmm.Frame, *kernel.Error) {
	if f.remaining == 0 {
		return pmm.InvalidFrame, errTestNoFrames
	}
	f.remaining--
	return f.FrameAllocator.AllocFrame()
}

var _ = Describe("RegionGrower", func() {
	const (
		heapBase = mem.VirtAddr(0xffffa00000000000)
		heapSize = 256 * mem.Kb
	)

	var (
		m     *physmem.Memory
		alloc *allocator.BitmapAllocator
		mgr   *vmm.Manager
	)

	BeforeEach(func() {
		var err *kernel.Error
		m, err = physmem.New(8 * mem.Mb)
		Expect(err).To(BeNil())
		DeferCleanup(func() { m.Close() })

		alloc, err = allocator.New(m, []boot.MemoryRegion{{Base: 0, Length: 8 * mem.Mb, Kind: boot.Usable}}, 0, 0)
		Expect(err).To(BeNil())

		mgr, err = vmm.NewManager(vmm.AMD64(), m, alloc, cpu.NewSet(1))
		Expect(err).To(BeNil())
	})

	It("maps heap pages on demand", func() {
		grower := NewRegionGrower(mgr.Kernel(), alloc, heapBase, heapSize, m.Zero)
		h, err := New(grower, 0)
		Expect(err).To(BeNil())
		Expect(grower.Mapped()).To(BeZero())

		before := alloc.Stats().ReservedFrames
		ptr, err := h.Allocate(100*mem.Kb, 16)
		Expect(err).To(BeNil())
		Expect(ptr).To(Equal(heapBase.Add(headerSize)))

		mapped := grower.Mapped()
		Expect(mapped).To(BeNumerically(">=", 100*mem.Kb))
		Expect(mapped.Pages()).To(BeNumerically("<=", uint64(alloc.Stats().ReservedFrames-before)))

		for offset := mem.Size(0); offset < mapped; offset += mem.PageSize {
			_, ok := mgr.Kernel().Translate(heapBase.Add(offset))
			Expect(ok).To(BeTrue())
		}
		_, ok := mgr.Kernel().Translate(heapBase.Add(mapped))
		Expect(ok).To(BeFalse())

		var flags []vmm.PageTableEntryFlag
		mgr.Kernel().VisitMappings(func(mapping vmm.Mapping) bool {
			flags = append(flags, mapping.Flags)
			return true
		})
		Expect(flags).To(HaveLen(int(mapped.Pages())))
		Expect(flags).To(HaveEach(vmm.DefaultDataFlags | vmm.FlagGlobal))

		Expect(h.Stats().ArenaBytes).To(Equal(mapped))
	})

	It("hands out the rest of the area when it still covers the request", func() {
		grower := NewRegionGrower(mgr.Kernel(), alloc, heapBase, 8*mem.PageSize, nil)

		start, size, err := grower.Grow(mem.PageSize)
		Expect(err).To(BeNil())
		Expect(start).To(Equal(heapBase))
		Expect(size).To(Equal(8 * mem.PageSize))

		_, _, err = grower.Grow(mem.PageSize)
		Expect(err).To(BeIdenticalTo(errHeapAreaExhausted))
	})

	It("fails requests larger than the heap area", func() {
		grower := NewRegionGrower(mgr.Kernel(), alloc, heapBase, heapSize, m.Zero)
		h, err := New(grower, 0)
		Expect(err).To(BeNil())

		_, err = h.Allocate(heapSize, 16)
		Expect(err).To(BeIdenticalTo(errHeapAreaExhausted))
		Expect(errors.Is(err, kernel.ErrOutOfMemory)).To(BeTrue())
		Expect(grower.Mapped()).To(BeZero())
	})

	It("rolls back partial growth", func() {
		frames := &limitedFrames{FrameAllocator: alloc, remaining: 5}
		grower := NewRegionGrower(mgr.Kernel(), frames, heapBase, heapSize, m.Zero)
		h, err := New(grower, 0)
		Expect(err).To(BeNil())

		before := alloc.Stats().ReservedFrames
		_, err = h.Allocate(32*mem.Kb, 16)
		Expect(err).To(BeIdenticalTo(errTestNoFrames))

		// Only the page tables created for the heap area stay allocated
		Expect(alloc.Stats().ReservedFrames).To(Equal(before + 2))
		Expect(grower.Mapped()).To(BeZero())
		Expect(h.Stats().ArenaBytes).To(BeZero())

		for offset := mem.Size(0); offset < minGrowth; offset += mem.PageSize {
			_, ok := mgr.Kernel().Translate(heapBase.Add(offset))
			Expect(ok).To(BeFalse())
		}

		// Growth succeeds once frames are available again
		frames.remaining = 64
		_, err = h.Allocate(32*mem.Kb, 16)
		Expect(err).To(BeNil())
		Expect(grower.Mapped()).To(Equal(minGrowth))
	})
})
