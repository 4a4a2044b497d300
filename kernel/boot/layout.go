package boot

import "vmcore/kernel/mem"

// VMLayout describes where the kernel places its virtual memory areas. The
// loader randomizes it once; it never changes afterwards.
type VMLayout struct {
	// PhysMemOffset is the virtual address where physical address 0 is
	// mapped.
	PhysMemOffset mem.VirtAddr

	// KernelBase is the virtual address of the first byte of the kernel
	// image.
	KernelBase mem.VirtAddr

	// HeapBase and HeapSize delimit the kernel heap area.
	HeapBase mem.VirtAddr
	HeapSize mem.Size

	// StackBase is the start of the per-core kernel stack area. Each core
	// gets StackSize bytes preceded by an unmapped guard page.
	StackBase mem.VirtAddr
	StackSize mem.Size
}

// CoreStack returns the lowest and one-past-the-highest address of the stack
// of the given core.
func (l VMLayout) CoreStack(core int) (bottom, top mem.VirtAddr) {
	slot := l.StackSize + mem.PageSize
	bottom = l.StackBase.Add(mem.Size(core)*slot + mem.PageSize)
	return bottom, bottom.Add(l.StackSize)
}

// PhysWindow returns the offset mapping of physical memory covering size
// bytes.
func (l VMLayout) PhysWindow(size mem.Size) mem.PhysWindow {
	return mem.PhysWindow{Offset: l.PhysMemOffset, Size: size}
}

// SectionFlag describes the access rights of a kernel image section.
type SectionFlag uint32

// The list of supported section flags.
const (
	SectionWritable SectionFlag = 1 << iota
	SectionExecutable
)

// KernelSection describes a part of the kernel image.
type KernelSection struct {
	// Offset is the offset of the section from the start of the image.
	Offset mem.Size
	Size   mem.Size
	Flags  SectionFlag
}
