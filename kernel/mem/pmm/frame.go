// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"vmcore/kernel"
	"vmcore/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of the first byte of this Frame.
func (f Frame) Address() mem.PhysAddr {
	return mem.PhysAddr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that contains physAddr.
func FrameFromAddress(physAddr mem.PhysAddr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// FrameAllocator is implemented by physical frame allocators.
type FrameAllocator interface {
	// AllocFrame reserves a single free frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a previously allocated frame to the allocator.
	FreeFrame(Frame) *kernel.Error
}
