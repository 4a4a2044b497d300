package vmm

import "vmcore/kernel/mem"

const (
	// entriesPerTable is the number of 8-byte entries in a page table.
	entriesPerTable = uint64(mem.PageSize >> mem.PointerShift)

	// kernelHalfFirstEntry is the first root table entry of the kernel
	// half of the address space.
	kernelHalfFirstEntry = entriesPerTable / 2
)

// PageTableFormat encodes and decodes the entries of a hardware paging
// scheme. Implementations never access memory; the page table walker reads
// and writes the raw entries.
type PageTableFormat interface {
	// Name returns a short identifier for the format.
	Name() string

	// Levels returns the number of paging levels. Level 0 is the root.
	Levels() int

	// LevelShift returns the shift of the virtual address bits that index
	// the table at the given level.
	LevelShift(level int) uint8

	// CanonicalBits returns the number of significant virtual address
	// bits. The remaining high bits must be copies of the top one.
	CanonicalBits() uint8

	// SupportsHugePage returns true if a leaf may be placed at level.
	SupportsHugePage(level int) bool

	// EncodeTable returns an entry that points to the next level table.
	EncodeTable(table mem.PhysAddr) uint64

	// EncodeLeaf returns a leaf entry mapping target with the given flags.
	EncodeLeaf(target mem.PhysAddr, flags PageTableEntryFlag) uint64

	// DecodeEntry decodes a raw entry read from the table at level.
	DecodeEntry(raw uint64, level int) Entry
}

// FormatByName returns the format with the given name.
func FormatByName(name string) (PageTableFormat, bool) {
	switch name {
	case "amd64":
		return AMD64(), true
	case "sv39":
		return Sv39(), true
	}
	return nil, false
}

// IsKernelHalf returns true if virt belongs to the upper, shared half of
// every address space.
func IsKernelHalf(virt mem.VirtAddr) bool {
	return uint64(virt)>>63 == 1
}

// entryIndex returns the index of the entry for virt in the table at level.
func entryIndex(f PageTableFormat, virt mem.VirtAddr, level int) uint64 {
	return (uint64(virt) >> f.LevelShift(level)) & (entriesPerTable - 1)
}

// levelPageSize returns the number of bytes mapped by a leaf at level.
func levelPageSize(f PageTableFormat, level int) mem.Size {
	return mem.Size(1) << f.LevelShift(level)
}

// hugePageLevel returns the level at which a single leaf maps size bytes.
func hugePageLevel(f PageTableFormat, size mem.Size) (int, bool) {
	for level := 0; level < f.Levels()-1; level++ {
		if levelPageSize(f, level) == size && f.SupportsHugePage(level) {
			return level, true
		}
	}
	return 0, false
}

// signExtend turns an address assembled from table indices into its
// canonical form.
func signExtend(f PageTableFormat, raw uint64) mem.VirtAddr {
	bits := f.CanonicalBits()
	if raw&(uint64(1)<<(bits-1)) != 0 {
		raw |= ^uint64(0) << bits
	}
	return mem.VirtAddr(raw)
}
