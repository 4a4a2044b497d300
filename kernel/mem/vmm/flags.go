package vmm

import (
	"strings"

	"vmcore/kernel/mem"
)

// PageTableEntryFlag describes a flag that can be applied to a page table
// entry. The flags are format independent; each PageTableFormat translates
// them to its own bit layout.
type PageTableEntryFlag uint16

const (
	// FlagPresent is set when the page is available in memory.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute

	// FlagHugePage is set on a leaf entry placed above the last paging level.
	FlagHugePage

	// FlagAccessed is set by the MMU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the MMU when this page is modified.
	FlagDirty

	// FlagGlobal if set, prevents the TLB from flushing the cached memory
	// address for this page when switching page tables.
	FlagGlobal
)

// DefaultDataFlags are the flags used for heap and stack pages.
const DefaultDataFlags = FlagPresent | FlagRW | FlagNoExecute

var flagNames = []struct {
	flag PageTableEntryFlag
	name string
}{
	{FlagPresent, "P"},
	{FlagRW, "RW"},
	{FlagUserAccessible, "U"},
	{FlagNoExecute, "NX"},
	{FlagHugePage, "H"},
	{FlagAccessed, "A"},
	{FlagDirty, "D"},
	{FlagGlobal, "G"},
}

// String returns the flag names joined by "|".
func (f PageTableEntryFlag) String() string {
	var names []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			names = append(names, fn.name)
		}
	}

	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, "|")
}

// Entry is a decoded page table entry. For intermediate entries Target is
// the physical address of the next level table.
type Entry struct {
	Target mem.PhysAddr
	Flags  PageTableEntryFlag
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags PageTableEntryFlag) bool {
	return e.Flags&flags == flags
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return e.Flags&flags != 0
}

// Present returns true if the entry is marked as present.
func (e Entry) Present() bool {
	return e.Flags&FlagPresent != 0
}
