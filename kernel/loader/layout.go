package loader

import (
	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/hal"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/vmm"
)

const (
	// kernelImageArea is the start of the top 2G of the address space
	// where the kernel image is placed.
	kernelImageArea     = mem.VirtAddr(0xffffffff80000000)
	kernelImageAreaSize = 2 * mem.Gb

	// layoutAlign is the alignment of every layout area. It allows the
	// physical memory window to use 2M pages.
	layoutAlign = 2 * mem.Mb
)

var errLayoutTooLarge = &kernel.Error{Module: "loader", Message: "virtual memory layout does not fit in the kernel half", Kind: kernel.KindOutOfMemory}

// LayoutRequest describes the areas that the kernel layout must hold.
type LayoutRequest struct {
	Format vmm.PageTableFormat

	// PhysSize is the amount of physical memory covered by the window.
	PhysSize  mem.Size
	ImageSize mem.Size
	HeapSize  mem.Size

	// StackSize is the size of each per-core stack.
	StackSize mem.Size
	Cores     int
}

// KernelHalfStart returns the lowest canonical address of the kernel half
// of an address space that uses format f.
func KernelHalfStart(f vmm.PageTableFormat) mem.VirtAddr {
	return mem.VirtAddr(^uint64(0) << (f.CanonicalBits() - 1))
}

// randomizer draws bounded random numbers from an entropy source. Once the
// source runs dry every draw returns zero.
type randomizer struct {
	src hal.EntropySource
	ok  bool
}

func newRandomizer(src hal.EntropySource) *randomizer {
	if src == nil {
		src = hal.NoEntropy{}
	}

	_, ok := src.Uint64()
	return &randomizer{src: src, ok: ok}
}

// intn returns a number in [0, n).
func (r *randomizer) intn(n uint64) uint64 {
	if !r.ok || n == 0 {
		return 0
	}

	v, ok := r.src.Uint64()
	if !ok {
		r.ok = false
		return 0
	}
	return v % n
}

type layoutArea struct {
	size mem.Size
	base *mem.VirtAddr
}

// RandomizeLayout places the physical memory window, the heap and the stack
// area at random 2M aligned offsets of the kernel half and the kernel image
// inside the top 2G of the address space. The order of the first three
// areas is shuffled as well. Without entropy the areas are packed in a
// fixed order starting at the kernel half.
func RandomizeLayout(req LayoutRequest, entropy hal.EntropySource) (boot.VMLayout, *kernel.Error) {
	layout := boot.VMLayout{
		HeapSize:  req.HeapSize,
		StackSize: req.StackSize,
	}

	stackArea := mem.Size(req.Cores) * (req.StackSize + mem.PageSize)
	areas := []layoutArea{
		{alignArea(req.PhysSize), &layout.PhysMemOffset},
		{alignArea(req.HeapSize), &layout.HeapBase},
		{alignArea(stackArea), &layout.StackBase},
	}

	halfStart := KernelHalfStart(req.Format)
	available := mem.Size(kernelImageArea - halfStart)

	var total mem.Size
	for _, area := range areas {
		// Each area is followed by an unused gap.
		total += area.size + layoutAlign
	}

	imageSpan := alignArea(req.ImageSize)
	if total > available || imageSpan >= kernelImageAreaSize {
		return boot.VMLayout{}, errLayoutTooLarge
	}

	rnd := newRandomizer(entropy)
	if !rnd.ok {
		kfmt.Module("loader").Warn("no entropy available; using a deterministic layout")
	} else {
		for i := len(areas) - 1; i > 0; i-- {
			j := rnd.intn(uint64(i + 1))
			areas[i], areas[j] = areas[j], areas[i]
		}
	}

	share := uint64((available-total)/layoutAlign) / uint64(len(areas))
	cursor := halfStart
	for _, area := range areas {
		cursor = cursor.Add(mem.Size(rnd.intn(share+1)) * layoutAlign)
		*area.base = cursor
		cursor = cursor.Add(area.size + layoutAlign)
	}

	imageSlots := uint64((kernelImageAreaSize - imageSpan) / layoutAlign)
	layout.KernelBase = kernelImageArea.Add(mem.Size(rnd.intn(imageSlots)) * layoutAlign)

	return layout, nil
}

func alignArea(size mem.Size) mem.Size {
	return mem.Size(mem.AlignUp(uint64(size), uint64(layoutAlign)))
}
