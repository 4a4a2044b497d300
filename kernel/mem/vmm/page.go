package vmm

import "vmcore/kernel/mem"

// Page describes a virtual memory page index.
type Page uint64

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() mem.VirtAddr {
	return mem.VirtAddr(p << mem.PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr mem.VirtAddr) Page {
	return Page(uint64(virtAddr.AlignDown(mem.PageSize)) >> mem.PageShift)
}
