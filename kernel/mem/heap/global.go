package heap

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/mem"
)

var (
	kernelHeap atomic.Pointer[Heap]

	errNoHeap = &kernel.Error{Module: "heap", Message: "kernel heap not initialized", Kind: kernel.KindOutOfMemory}
)

// SetGlobal installs h as the kernel heap used by Alloc and Free.
func SetGlobal(h *Heap) {
	kernelHeap.Store(h)
}

// Global returns the kernel heap or nil if none is installed.
func Global() *Heap {
	return kernelHeap.Load()
}

// Alloc allocates size bytes aligned to align from the kernel heap.
func Alloc(size, align mem.Size) (mem.VirtAddr, *kernel.Error) {
	h := kernelHeap.Load()
	if h == nil {
		return 0, errNoHeap
	}
	return h.Allocate(size, align)
}

// Free returns an allocation made with Alloc to the kernel heap.
func Free(ptr mem.VirtAddr, size, align mem.Size) {
	h := kernelHeap.Load()
	if h == nil {
		panicFn(errNoHeap)
		return
	}
	h.Deallocate(ptr, size, align)
}
