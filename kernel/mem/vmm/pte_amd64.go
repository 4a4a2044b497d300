package vmm

import "vmcore/kernel/mem"

const (
	amd64Present   = uint64(1) << 0
	amd64RW        = uint64(1) << 1
	amd64User      = uint64(1) << 2
	amd64Accessed  = uint64(1) << 5
	amd64Dirty     = uint64(1) << 6
	amd64PageSize  = uint64(1) << 7
	amd64Global    = uint64(1) << 8
	amd64NoExecute = uint64(1) << 63

	// amd64PhysPageMask extracts the physical address from an entry. Bits
	// 12-51 contain the physical memory address.
	amd64PhysPageMask = uint64(0x000ffffffffff000)

	amd64LastLevel = 3
)

// amd64LevelShifts defines the shift required to access each page table
// component of a virtual address. Each level uses 9 bits which amounts to
// 512 entries per table.
var amd64LevelShifts = [amd64LastLevel + 1]uint8{39, 30, 21, 12}

var amd64FlagBits = []struct {
	flag PageTableEntryFlag
	bit  uint64
}{
	{FlagPresent, amd64Present},
	{FlagRW, amd64RW},
	{FlagUserAccessible, amd64User},
	{FlagAccessed, amd64Accessed},
	{FlagDirty, amd64Dirty},
	{FlagHugePage, amd64PageSize},
	{FlagGlobal, amd64Global},
	{FlagNoExecute, amd64NoExecute},
}

type amd64Format struct{}

// AMD64 returns the x86-64 4-level paging format with 2M and 1G pages.
func AMD64() PageTableFormat { return amd64Format{} }

func (amd64Format) Name() string { return "amd64" }

func (amd64Format) Levels() int { return amd64LastLevel + 1 }

func (amd64Format) LevelShift(level int) uint8 { return amd64LevelShifts[level] }

func (amd64Format) CanonicalBits() uint8 { return mem.CanonicalBits }

func (amd64Format) SupportsHugePage(level int) bool { return level == 1 || level == 2 }

// EncodeTable marks intermediate tables as writable and user accessible;
// the effective access rights are decided by the leaf.
func (amd64Format) EncodeTable(table mem.PhysAddr) uint64 {
	return uint64(table)&amd64PhysPageMask | amd64Present | amd64RW | amd64User
}

func (amd64Format) EncodeLeaf(target mem.PhysAddr, flags PageTableEntryFlag) uint64 {
	raw := uint64(target) & amd64PhysPageMask
	for _, fb := range amd64FlagBits {
		if flags&fb.flag != 0 {
			raw |= fb.bit
		}
	}
	return raw
}

func (amd64Format) DecodeEntry(raw uint64, level int) Entry {
	var entry Entry
	for _, fb := range amd64FlagBits {
		if raw&fb.bit != 0 {
			entry.Flags |= fb.flag
		}
	}

	// Bit 7 of a last level entry selects the PAT and bit 12 does the
	// same for huge leaves.
	entry.Target = mem.PhysAddr(raw & amd64PhysPageMask)
	switch {
	case level == amd64LastLevel:
		entry.Flags &^= FlagHugePage
	case entry.Flags&FlagHugePage != 0:
		entry.Target = entry.Target.AlignDown(mem.Size(1) << amd64LevelShifts[level])
	}

	return entry
}
