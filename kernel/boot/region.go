// Package boot defines the data handed from the loader to the kernel and the
// write-once boot information state derived from it.
package boot

import (
	"fmt"

	"vmcore/kernel/mem"
)

// RegionKind describes how a memory region may be used.
type RegionKind uint32

// The list of supported region kinds.
const (
	// Usable memory is free for the kernel to allocate.
	Usable RegionKind = iota + 1

	// Reserved memory must never be touched.
	Reserved

	// BootloaderReclaimable memory holds loader data (e.g. the handoff
	// payload) and becomes usable once that data has been consumed.
	BootloaderReclaimable

	// Kernel memory holds the kernel image.
	Kernel
)

var regionKindNames = map[RegionKind]string{
	Usable:                "usable",
	Reserved:              "reserved",
	BootloaderReclaimable: "bootloader reclaimable",
	Kernel:                "kernel",
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	if name, ok := regionKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint32(k))
}

// ParseRegionKind returns the RegionKind whose String value is name.
func ParseRegionKind(name string) (RegionKind, bool) {
	for kind, kindName := range regionKindNames {
		if kindName == name {
			return kind, true
		}
	}
	return 0, false
}

// MemoryRegion describes a contiguous range of physical memory.
type MemoryRegion struct {
	Base   mem.PhysAddr
	Length mem.Size
	Kind   RegionKind
}

// End returns the address of the first byte after the region.
func (r MemoryRegion) End() mem.PhysAddr { return r.Base.Add(r.Length) }

// Overlaps returns true if r and other share at least one byte.
func (r MemoryRegion) Overlaps(other MemoryRegion) bool {
	return r.Base < other.End() && other.Base < r.End()
}

// String implements fmt.Stringer for MemoryRegion.
func (r MemoryRegion) String() string {
	return fmt.Sprintf("[0x%010x - 0x%010x] %10d KiB %s", uint64(r.Base), uint64(r.End()), uint64(r.Length/mem.Kb), r.Kind)
}
