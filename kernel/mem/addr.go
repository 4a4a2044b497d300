package mem

import (
	"fmt"

	"vmcore/kernel"
)

var (
	errNonCanonicalAddress = &kernel.Error{Module: "mem", Message: "virtual address is not canonical", Kind: kernel.KindInvalidAddress}
	errPhysAddrTooWide     = &kernel.Error{Module: "mem", Message: "physical address exceeds the supported width", Kind: kernel.KindInvalidAddress}
	errOutsideWindow       = &kernel.Error{Module: "mem", Message: "address lies outside the physical memory window", Kind: kernel.KindInvalidAddress}
)

// PhysAddr is a physical memory address. Physical addresses are never
// dereferenced directly by the kernel; they must first be converted to a
// VirtAddr via a PhysWindow.
type PhysAddr uint64

// NewPhysAddr validates that raw fits in MaxPhysAddrBits bits.
func NewPhysAddr(raw uint64) (PhysAddr, *kernel.Error) {
	if raw>>MaxPhysAddrBits != 0 {
		return 0, errPhysAddrTooWide
	}
	return PhysAddr(raw), nil
}

// Add returns the address that is off bytes after p.
func (p PhysAddr) Add(off Size) PhysAddr { return p + PhysAddr(off) }

// AlignDown rounds p down to a multiple of align.
func (p PhysAddr) AlignDown(align Size) PhysAddr {
	return PhysAddr(AlignDown(uint64(p), uint64(align)))
}

// AlignUp rounds p up to a multiple of align.
func (p PhysAddr) AlignUp(align Size) PhysAddr {
	return PhysAddr(AlignUp(uint64(p), uint64(align)))
}

// IsAligned returns true if p is a multiple of align.
func (p PhysAddr) IsAligned(align Size) bool { return IsAligned(uint64(p), uint64(align)) }

// PageOffset returns the offset of p within its page.
func (p PhysAddr) PageOffset() Size { return Size(p) & (PageSize - 1) }

// String implements fmt.Stringer for PhysAddr.
func (p PhysAddr) String() string { return fmt.Sprintf("phys:0x%016x", uint64(p)) }

// VirtAddr is a canonical virtual memory address.
type VirtAddr uint64

// NewVirtAddr validates that raw is canonical for a 48-bit address space:
// bits 63 to 47 must all be equal.
func NewVirtAddr(raw uint64) (VirtAddr, *kernel.Error) {
	return NewVirtAddrBits(raw, CanonicalBits)
}

// NewVirtAddrBits validates that raw is canonical for an address space that is
// bits wide.
func NewVirtAddrBits(raw uint64, bits uint8) (VirtAddr, *kernel.Error) {
	if !IsCanonical(raw, bits) {
		return 0, errNonCanonicalAddress
	}
	return VirtAddr(raw), nil
}

// IsCanonical returns true if bits 63 down to (bits-1) of raw are all equal.
func IsCanonical(raw uint64, bits uint8) bool {
	if bits >= 64 {
		return true
	}
	top := int64(raw) >> (bits - 1)
	return top == 0 || top == -1
}

// Add returns the address that is off bytes after v.
func (v VirtAddr) Add(off Size) VirtAddr { return v + VirtAddr(off) }

// AlignDown rounds v down to a multiple of align.
func (v VirtAddr) AlignDown(align Size) VirtAddr {
	return VirtAddr(AlignDown(uint64(v), uint64(align)))
}

// AlignUp rounds v up to a multiple of align.
func (v VirtAddr) AlignUp(align Size) VirtAddr {
	return VirtAddr(AlignUp(uint64(v), uint64(align)))
}

// IsAligned returns true if v is a multiple of align.
func (v VirtAddr) IsAligned(align Size) bool { return IsAligned(uint64(v), uint64(align)) }

// PageOffset returns the offset of v within its page.
func (v VirtAddr) PageOffset() Size { return Size(v) & (PageSize - 1) }

// String implements fmt.Stringer for VirtAddr.
func (v VirtAddr) String() string { return fmt.Sprintf("virt:0x%016x", uint64(v)) }

// PhysWindow describes the kernel's offset mapping of physical memory. It is
// the only sanctioned way of turning a PhysAddr into a VirtAddr.
type PhysWindow struct {
	// Offset is the virtual address where physical address 0 is mapped.
	Offset VirtAddr

	// Size is the number of bytes covered by the window.
	Size Size
}

// ToVirt returns the virtual address that maps p inside the window.
func (w PhysWindow) ToVirt(p PhysAddr) (VirtAddr, *kernel.Error) {
	if Size(p) >= w.Size {
		return 0, errOutsideWindow
	}
	return w.Offset.Add(Size(p)), nil
}

// ToPhys is the inverse of ToVirt.
func (w PhysWindow) ToPhys(v VirtAddr) (PhysAddr, *kernel.Error) {
	if v < w.Offset || Size(v-w.Offset) >= w.Size {
		return 0, errOutsideWindow
	}
	return PhysAddr(v - w.Offset), nil
}

// Contains returns true if v lies inside the window.
func (w PhysWindow) Contains(v VirtAddr) bool {
	return v >= w.Offset && Size(v-w.Offset) < w.Size
}
