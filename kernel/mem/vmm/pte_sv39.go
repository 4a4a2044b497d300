package vmm

import "vmcore/kernel/mem"

const (
	sv39Valid    = uint64(1) << 0
	sv39Read     = uint64(1) << 1
	sv39Write    = uint64(1) << 2
	sv39Exec     = uint64(1) << 3
	sv39User     = uint64(1) << 4
	sv39Global   = uint64(1) << 5
	sv39Accessed = uint64(1) << 6
	sv39Dirty    = uint64(1) << 7

	// The physical page number occupies bits 10-53.
	sv39PPNShift = 10
	sv39PPNMask  = uint64(1)<<44 - 1

	sv39LastLevel     = 2
	sv39CanonicalBits = 39
)

var sv39LevelShifts = [sv39LastLevel + 1]uint8{30, 21, 12}

type sv39Format struct{}

// Sv39 returns the RISC-V 3-level paging format with 2M and 1G megapages.
func Sv39() PageTableFormat { return sv39Format{} }

func (sv39Format) Name() string { return "sv39" }

func (sv39Format) Levels() int { return sv39LastLevel + 1 }

func (sv39Format) LevelShift(level int) uint8 { return sv39LevelShifts[level] }

func (sv39Format) CanonicalBits() uint8 { return sv39CanonicalBits }

func (sv39Format) SupportsHugePage(level int) bool { return level < sv39LastLevel }

func sv39PPN(addr mem.PhysAddr) uint64 {
	return (uint64(addr) >> mem.PageShift) & sv39PPNMask << sv39PPNShift
}

// EncodeTable returns a valid entry with R, W and X clear which the MMU
// treats as a pointer to the next level.
func (sv39Format) EncodeTable(table mem.PhysAddr) uint64 {
	return sv39PPN(table) | sv39Valid
}

// EncodeLeaf always sets R; a leaf is told apart from a table pointer by
// having at least one of R, W or X set.
func (sv39Format) EncodeLeaf(target mem.PhysAddr, flags PageTableEntryFlag) uint64 {
	raw := sv39PPN(target) | sv39Read
	if flags&FlagPresent != 0 {
		raw |= sv39Valid
	}
	if flags&FlagRW != 0 {
		raw |= sv39Write
	}
	if flags&FlagNoExecute == 0 {
		raw |= sv39Exec
	}
	if flags&FlagUserAccessible != 0 {
		raw |= sv39User
	}
	if flags&FlagGlobal != 0 {
		raw |= sv39Global
	}
	if flags&FlagAccessed != 0 {
		raw |= sv39Accessed
	}
	if flags&FlagDirty != 0 {
		raw |= sv39Dirty
	}
	return raw
}

func (sv39Format) DecodeEntry(raw uint64, level int) Entry {
	entry := Entry{
		Target: mem.PhysAddr(((raw >> sv39PPNShift) & sv39PPNMask) << mem.PageShift),
	}

	if raw&sv39Valid != 0 {
		entry.Flags |= FlagPresent
	}

	if raw&(sv39Read|sv39Write|sv39Exec) == 0 {
		return entry
	}

	if raw&sv39Write != 0 {
		entry.Flags |= FlagRW
	}
	if raw&sv39Exec == 0 {
		entry.Flags |= FlagNoExecute
	}
	if raw&sv39User != 0 {
		entry.Flags |= FlagUserAccessible
	}
	if raw&sv39Global != 0 {
		entry.Flags |= FlagGlobal
	}
	if raw&sv39Accessed != 0 {
		entry.Flags |= FlagAccessed
	}
	if raw&sv39Dirty != 0 {
		entry.Flags |= FlagDirty
	}
	if level < sv39LastLevel {
		entry.Flags |= FlagHugePage
	}

	return entry
}
