package heap

import (
	"errors"
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
)

const testHeapBase = mem.VirtAddr(0xffff900000000000)

var errTestArenaExhausted = &kernel.Error{Module: "test", Message: "arena exhausted", Kind: kernel.KindOutOfMemory}

// arenaGrower hands out consecutive extents of a virtual range without
// backing them with page tables.
type arenaGrower struct {
	next, limit mem.VirtAddr
	calls       int
}

func newArenaGrower(size mem.Size) *arenaGrower {
	return &arenaGrower{next: testHeapBase, limit: testHeapBase.Add(size)}
}

func (g *arenaGrower) Grow(size mem.Size) (mem.VirtAddr, mem.Size, *kernel.Error) {
	g.calls++

	size = mem.Size(mem.AlignUp(uint64(size), uint64(mem.PageSize)))
	if size < minGrowth {
		size = minGrowth
	}

	if mem.Size(g.limit-g.next) < size {
		return 0, 0, errTestArenaExhausted
	}

	start := g.next
	g.next = start.Add(size)
	return start, size, nil
}

func blocksOf(h *Heap) []BlockInfo {
	var blocks []BlockInfo
	h.VisitBlocks(func(b BlockInfo) bool {
		blocks = append(blocks, b)
		return true
	})
	return blocks
}

var _ = Describe("Heap", func() {
	var (
		grower *arenaGrower
		h      *Heap
	)

	BeforeEach(func() {
		var err *kernel.Error
		grower = newArenaGrower(16 * mem.Mb)
		h, err = New(grower, 0)
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		Expect(h.Check()).To(BeNil())
	})

	Describe("size classes", func() {
		It("selects the smallest class that fits size and alignment", func() {
			Expect(sizeClassIndex(1, 1)).To(Equal(0))
			Expect(sizeClassIndex(16, 8)).To(Equal(0))
			Expect(sizeClassIndex(17, 8)).To(Equal(1))
			Expect(sizeClassIndex(24, 64)).To(Equal(2))
			Expect(sizeClassIndex(300, 16)).To(Equal(5))
			Expect(sizeClassIndex(1024, 16)).To(Equal(-1))
			Expect(sizeClassIndex(16, 1024)).To(Equal(-1))
		})

		It("routes requests at the threshold to the free-list tier", func() {
			Expect(h.poolFor(SlabThreshold-1, 8)).NotTo(BeNil())
			Expect(h.poolFor(SlabThreshold, 8)).To(BeNil())
			Expect(h.poolFor(64, 4096)).To(BeNil())
		})
	})

	Describe("slab tier", func() {
		It("reuses the slots freed by 64 byte allocations", func() {
			ptrs := make([]mem.VirtAddr, 1000)
			seen := make(map[mem.VirtAddr]bool)
			for i := range ptrs {
				ptr, err := h.Allocate(64, 8)
				Expect(err).To(BeNil())
				Expect(ptr.IsAligned(64)).To(BeTrue())
				Expect(seen[ptr]).To(BeFalse())
				seen[ptr] = true
				ptrs[i] = ptr
			}

			for i := 0; i < len(ptrs); i += 2 {
				h.Deallocate(ptrs[i], 64, 8)
			}

			stats := h.Stats()
			Expect(stats.Classes[2].SlotSize).To(Equal(64 * mem.Byte))
			Expect(stats.Classes[2].Live).To(Equal(500))
			Expect(stats.Classes[2].Capacity).To(Equal(1024))
			arena := stats.ArenaBytes

			ptr, err := h.Allocate(64, 8)
			Expect(err).To(BeNil())
			Expect(seen[ptr]).To(BeTrue())

			stats = h.Stats()
			Expect(stats.Classes[2].Live).To(Equal(501))
			Expect(stats.ArenaBytes).To(Equal(arena))
			Expect(stats.UsedBytes).To(Equal(501 * 64 * mem.Byte))
			Expect(stats.UsedBytes).To(BeNumerically("<=", stats.ArenaBytes))
		})

		It("never tracks more used bytes than arena bytes", func() {
			type allocation struct {
				ptr  mem.VirtAddr
				size mem.Size
			}

			var live []allocation
			for i := 0; i < 2000; i++ {
				size := sizeClasses[i%len(sizeClasses)] - 1
				ptr, err := h.Allocate(size, 1)
				Expect(err).To(BeNil())
				live = append(live, allocation{ptr, size})

				if i%3 == 0 {
					h.Deallocate(live[0].ptr, live[0].size, 1)
					live = live[1:]
				}

				stats := h.Stats()
				Expect(stats.UsedBytes).To(BeNumerically("<=", stats.ArenaBytes))
			}
		})

		It("aligns slots to the requested alignment", func() {
			ptr, err := h.Allocate(100, 256)
			Expect(err).To(BeNil())
			Expect(ptr.IsAligned(256)).To(BeTrue())
			Expect(h.Stats().Classes[4].Live).To(Equal(1))
		})
	})

	Describe("free-list tier", func() {
		It("coalesces adjacent free blocks", func() {
			a, err := h.Allocate(1024, 16)
			Expect(err).To(BeNil())
			b, err := h.Allocate(1024, 16)
			Expect(err).To(BeNil())
			c, err := h.Allocate(1024, 16)
			Expect(err).To(BeNil())

			Expect(a).To(Equal(testHeapBase.Add(headerSize)))
			Expect(b).To(Equal(a.Add(1024 + headerSize)))
			Expect(c).To(Equal(b.Add(1024 + headerSize)))

			blocks := blocksOf(h)
			Expect(blocks).To(HaveLen(4))
			extentA, extentB := blocks[0].Size, blocks[1].Size

			h.Deallocate(a, 1024, 16)
			h.Deallocate(b, 1024, 16)

			blocks = blocksOf(h)
			Expect(blocks).To(HaveLen(3))
			Expect(blocks[0]).To(Equal(BlockInfo{Start: testHeapBase, Size: extentA + extentB}))
			Expect(blocks[1].InUse).To(BeTrue())
			Expect(blocks[2].InUse).To(BeFalse())

			// Freeing the block in the middle merges both neighbours
			h.Deallocate(c, 1024, 16)
			Expect(blocksOf(h)).To(Equal([]BlockInfo{{Start: testHeapBase, Size: h.Stats().ArenaBytes}}))
		})

		It("returns alignment padding to the free list", func() {
			ptr, err := h.Allocate(600, 4096)
			Expect(err).To(BeNil())
			Expect(ptr.IsAligned(4096)).To(BeTrue())

			blocks := blocksOf(h)
			Expect(blocks).To(HaveLen(3))
			Expect(blocks[0].InUse).To(BeFalse())
			Expect(blocks[1].Start.Add(headerSize)).To(Equal(ptr))

			h.Deallocate(ptr, 600, 4096)
			Expect(h.Stats().FreeBlocks).To(Equal(1))
		})

		It("grows the arena once when no block fits", func() {
			_, err := h.Allocate(1024, 16)
			Expect(err).To(BeNil())
			Expect(grower.calls).To(Equal(1))

			ptr, err := h.Allocate(mem.Mb, 16)
			Expect(err).To(BeNil())
			Expect(grower.calls).To(Equal(2))

			// The new extent is adjacent and merged with the free tail
			Expect(h.Stats().FreeBlocks).To(Equal(1))
			Expect(ptr).To(BeNumerically("<", testHeapBase.Add(minGrowth)))
		})

		It("fails when the grower is exhausted", func() {
			_, err := h.Allocate(32*mem.Mb, 16)
			Expect(err).To(BeIdenticalTo(errTestArenaExhausted))
			Expect(errors.Is(err, kernel.ErrOutOfMemory)).To(BeTrue())
			Expect(h.Stats().ArenaBytes).To(BeZero())
		})

		DescribeTable("rejects requests that no arena can hold",
			func(size, align mem.Size) {
				small, err := h.Allocate(1024, 16)
				Expect(err).To(BeNil())
				before := h.Stats()

				ptr, err := h.Allocate(size, align)
				Expect(err).NotTo(BeNil())
				Expect(errors.Is(err, kernel.ErrOutOfMemory)).To(BeTrue())
				Expect(ptr).To(BeZero())
				Expect(h.Stats()).To(Equal(before))
				Expect(h.Check()).To(BeNil())

				h.Deallocate(small, 1024, 16)
			},
			Entry("half of the address space", mem.Size(1)<<63, mem.Size(16)),
			Entry("largest size", mem.Size(math.MaxUint64), mem.Size(16)),
			Entry("largest size minus the header", mem.Size(math.MaxUint64)-headerSize, mem.Size(1)),
			Entry("largest alignment", mem.Size(1024), mem.Size(1)<<63),
			Entry("larger than the grower can supply", mem.Size(1)<<46, mem.Size(16)),
		)
	})

	Describe("invalid requests", func() {
		var cause interface{}

		BeforeEach(func() {
			cause = nil
			panicFn = func(e interface{}) { cause = e }
		})

		AfterEach(func() {
			panicFn = kfmt.Panic
		})

		It("rejects alignments that are not a power of two", func() {
			_, err := h.Allocate(64, 3)
			Expect(err).To(BeIdenticalTo(errBadAlignment))
		})

		It("treats zero sized requests as one byte requests", func() {
			ptr, err := h.Allocate(0, 0)
			Expect(err).To(BeNil())
			h.Deallocate(ptr, 1, 1)
			Expect(cause).To(BeNil())
		})

		DescribeTable("detects invalid frees",
			func(size, align, freeSize, freeAlign mem.Size, twice bool, exp *kernel.Error) {
				ptr, err := h.Allocate(size, align)
				Expect(err).To(BeNil())

				if twice {
					h.Deallocate(ptr, freeSize, freeAlign)
					Expect(cause).To(BeNil())
				}

				h.Deallocate(ptr, freeSize, freeAlign)
				Expect(cause).To(BeIdenticalTo(exp))
			},
			Entry("slab double free", mem.Size(64), mem.Size(8), mem.Size(64), mem.Size(8), true, errDoubleFree),
			Entry("free-list double free", mem.Size(2048), mem.Size(16), mem.Size(2048), mem.Size(16), true, errDoubleFree),
			Entry("slab pointer freed as large block", mem.Size(64), mem.Size(8), mem.Size(1024), mem.Size(16), false, errLayoutChanged),
			Entry("large block freed as slab pointer", mem.Size(1024), mem.Size(16), mem.Size(64), mem.Size(8), false, errLayoutChanged),
			Entry("large block freed with another size", mem.Size(1024), mem.Size(16), mem.Size(2048), mem.Size(16), false, errLayoutChanged),
			Entry("large block freed with another alignment", mem.Size(1024), mem.Size(16), mem.Size(1024), mem.Size(64), false, errLayoutChanged),
			Entry("slab pointer freed with a bad alignment", mem.Size(64), mem.Size(8), mem.Size(64), mem.Size(3), false, errBadAlignment),
			Entry("slab pointer freed with another size of its class", mem.Size(17), mem.Size(1), mem.Size(20), mem.Size(1), false, errLayoutChanged),
			Entry("slab pointer freed with another alignment of its class", mem.Size(24), mem.Size(8), mem.Size(24), mem.Size(16), false, errLayoutChanged),
		)

		It("detects pointers that the heap never returned", func() {
			ptr, err := h.Allocate(64, 8)
			Expect(err).To(BeNil())

			h.Deallocate(ptr.Add(8), 64, 8)
			Expect(cause).To(BeIdenticalTo(errUnknownPtr))

			cause = nil
			h.Deallocate(0x1000, 2048, 16)
			Expect(cause).To(BeIdenticalTo(errUnknownPtr))

			// Slab chunks are owned by the slab tier
			cause = nil
			h.Deallocate(ptr, slabChunkSize, slabChunkAlign)
			Expect(cause).To(BeIdenticalTo(errLayoutChanged))
		})
	})

	It("supports concurrent use", func() {
		var group errgroup.Group

		for worker := 0; worker < 8; worker++ {
			worker := worker
			group.Go(func() error {
				type allocation struct {
					ptr   mem.VirtAddr
					size  mem.Size
					align mem.Size
				}

				var live []allocation
				for i := 0; i < 200; i++ {
					size := mem.Size(16 + (worker*131+i*37)%2048)
					align := mem.Size(1) << ((worker + i) % 7)

					ptr, err := h.Allocate(size, align)
					if err != nil {
						return err
					}
					if !ptr.IsAligned(align) {
						return errors.New("misaligned allocation")
					}
					live = append(live, allocation{ptr, size, align})

					if i%4 == 3 {
						victim := live[len(live)/2]
						live = append(live[:len(live)/2], live[len(live)/2+1:]...)
						h.Deallocate(victim.ptr, victim.size, victim.align)
					}
				}

				for _, a := range live {
					h.Deallocate(a.ptr, a.size, a.align)
				}
				return nil
			})
		}

		Expect(group.Wait()).To(Succeed())
		Expect(h.Stats().UsedBytes).To(BeZero())
	})
})

var _ = Describe("Heap growth", func() {
	var (
		ctrl   *gomock.Controller
		grower *MockGrower
	)

	BeforeEach(func() {
		ctrl = gomock.NewController(GinkgoT())
		grower = NewMockGrower(ctrl)
	})

	It("fails when a request only fits across non-adjacent free blocks", func() {
		errGrow := &kernel.Error{Module: "test", Message: "no frames", Kind: kernel.KindOutOfMemory}

		gomock.InOrder(
			grower.EXPECT().Grow(64*mem.Kb).Return(testHeapBase, 64*mem.Kb, nil),
			grower.EXPECT().Grow(gomock.Any()).Return(mem.VirtAddr(0), mem.Size(0), errGrow),
			grower.EXPECT().Grow(gomock.Any()).Return(testHeapBase.Add(64*mem.Kb), 4*mem.Kb, nil),
		)

		h, err := New(grower, 64*mem.Kb)
		Expect(err).To(BeNil())

		// Fill the arena with 8K blocks
		var ptrs []mem.VirtAddr
		for i := 0; i < 8; i++ {
			ptr, err := h.Allocate(8*mem.Kb-headerSize, 16)
			Expect(err).To(BeNil())
			ptrs = append(ptrs, ptr)
		}
		Expect(h.Stats().FreeBlocks).To(BeZero())

		for i := 0; i < 6; i += 2 {
			h.Deallocate(ptrs[i], 8*mem.Kb-headerSize, 16)
		}

		stats := h.Stats()
		Expect(stats.FreeBlocks).To(Equal(3))
		Expect(stats.LargestFreeBlock).To(Equal(8 * mem.Kb))

		_, err = h.Allocate(16*mem.Kb-headerSize, 16)
		Expect(err).To(BeIdenticalTo(errGrow))
		Expect(h.Stats().ArenaBytes).To(Equal(64 * mem.Kb))

		// The grower only adds a small extent so the retry fails too
		_, err = h.Allocate(16*mem.Kb-headerSize, 16)
		Expect(err).To(BeIdenticalTo(errOutOfMemory))

		stats = h.Stats()
		Expect(stats.ArenaBytes).To(Equal(68 * mem.Kb))
		Expect(stats.FreeBlocks).To(Equal(4))
		Expect(h.Check()).To(BeNil())
	})

	It("reports initial growth failures", func() {
		grower.EXPECT().Grow(mem.Mb).Return(mem.VirtAddr(0), mem.Size(0), errTestArenaExhausted)

		h, err := New(grower, mem.Mb)
		Expect(h).To(BeNil())
		Expect(err).To(BeIdenticalTo(errTestArenaExhausted))
	})
})

var _ = Describe("Global heap", func() {
	AfterEach(func() {
		SetGlobal(nil)
	})

	It("forwards requests to the installed heap", func() {
		_, err := Alloc(64, 8)
		Expect(err).To(BeIdenticalTo(errNoHeap))

		h, err := New(newArenaGrower(mem.Mb), 0)
		Expect(err).To(BeNil())
		SetGlobal(h)
		Expect(Global()).To(BeIdenticalTo(h))

		ptr, err := Alloc(64, 8)
		Expect(err).To(BeNil())
		Expect(h.Stats().UsedBytes).To(Equal(64 * mem.Byte))

		Free(ptr, 64, 8)
		Expect(h.Stats().UsedBytes).To(BeZero())
	})
})
