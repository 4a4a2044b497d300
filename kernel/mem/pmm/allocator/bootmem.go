package allocator

import (
	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindOutOfMemory}
)

// frameRange describes the frames in [start, end).
type frameRange struct {
	start, end pmm.Frame
}

// bootMemAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator uses the memory region information provided by the loader to
// detect free memory blocks and return the next available free frame.
// Allocations are tracked via a cursor that points to the next candidate
// frame; every handed out frame is recorded so that a more advanced allocator
// can take them over once it is set up.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages.
type bootMemAllocator struct {
	// regions contains the usable frame ranges in ascending order.
	regions []frameRange

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// nextFrame is the first frame that has not been examined yet.
	nextFrame pmm.Frame

	// allocated records the frames handed out so far.
	allocated []frameRange

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr mem.PhysAddr
	kernel                         frameRange
}

// usableFrames returns the whole frames inside region rounding the start up
// and the end down to a page boundary.
func usableFrames(region boot.MemoryRegion) (frameRange, bool) {
	start := pmm.FrameFromAddress(region.Base.AlignUp(mem.PageSize))
	end := pmm.FrameFromAddress(region.End().AlignDown(mem.PageSize))
	return frameRange{start, end}, end > start
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(regions []boot.MemoryRegion, kernelStart, kernelEnd mem.PhysAddr) {
	*alloc = bootMemAllocator{
		kernelStartAddr: kernelStart,
		kernelEndAddr:   kernelEnd,
		kernel: frameRange{
			start: pmm.FrameFromAddress(kernelStart.AlignDown(mem.PageSize)),
			end:   pmm.FrameFromAddress(kernelEnd.AlignUp(mem.PageSize)),
		},
	}

	for _, region := range regions {
		if region.Kind != boot.Usable {
			continue
		}

		if frames, ok := usableFrames(region); ok {
			alloc.regions = append(alloc.regions, frames)
		}
	}
}

// AllocFrame reserves the next available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *bootMemAllocator) AllocFrame() (pmm.Frame, *kernel.Error) {
	frames, err := alloc.allocContiguous(1)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	return frames.start, nil
}

// allocContiguous reserves count physically contiguous frames. Frames that
// are skipped because a run does not fit at the end of a region are never
// handed out by this allocator.
func (alloc *bootMemAllocator) allocContiguous(count uint64) (frameRange, *kernel.Error) {
	for _, region := range alloc.regions {
		if alloc.nextFrame >= region.end {
			continue
		}

		candidate := region.start
		if alloc.nextFrame > candidate {
			candidate = alloc.nextFrame
		}

		// Skip over the kernel image if the run would overlap it.
		if candidate < alloc.kernel.end && candidate+pmm.Frame(count) > alloc.kernel.start {
			candidate = alloc.kernel.end
		}

		if candidate+pmm.Frame(count) > region.end {
			continue
		}

		run := frameRange{candidate, candidate + pmm.Frame(count)}
		alloc.nextFrame = run.end
		alloc.allocCount += count
		alloc.record(run)
		return run, nil
	}

	return frameRange{}, errBootAllocOutOfMemory
}

func (alloc *bootMemAllocator) record(run frameRange) {
	if last := len(alloc.allocated) - 1; last >= 0 && alloc.allocated[last].end == run.start {
		alloc.allocated[last].end = run.end
		return
	}
	alloc.allocated = append(alloc.allocated, run)
}

// printMemoryMap prints out the system's memory map.
func printMemoryMap(regions []boot.MemoryRegion, kernelStart, kernelEnd mem.PhysAddr) {
	log := kfmt.Module("boot_mem_alloc")
	log.Info("system memory map:")

	var totalFree mem.Size
	for _, region := range regions {
		log.Infof("\t%s", region)
		if region.Kind == boot.Usable {
			totalFree += region.Length
		}
	}

	log.Infof("available memory: %dKb", uint64(totalFree/mem.Kb))
	log.Infof("kernel loaded at 0x%x - 0x%x", uint64(kernelStart), uint64(kernelEnd))
}
