package vmm

import (
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the physical address of the
// page table entry as its arguments. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(level int, entryAddr mem.PhysAddr) bool

// walk performs a page table walk for the given virtual address starting at
// root. It calls the supplied walkFn with the page table entry that
// corresponds to each page table level. The entry is decoded after walkFn
// returns so walkFn may install a missing table before the walk descends
// into it. The walk stops at non-present entries and huge page leaves.
func (mgr *Manager) walk(root pmm.Frame, virtAddr mem.VirtAddr, walkFn pageTableWalker) {
	var (
		tableAddr = root.Address()
		lastLevel = mgr.format.Levels() - 1
	)

	for level := 0; level <= lastLevel; level++ {
		entryAddr := tableEntryAddr(tableAddr, entryIndex(mgr.format, virtAddr, level))
		if !walkFn(level, entryAddr) || level == lastLevel {
			return
		}

		entry := mgr.load(entryAddr, level)
		if !entry.Present() || entry.HasFlags(FlagHugePage) {
			return
		}

		tableAddr = entry.Target
	}
}

// lookup returns the leaf entry that maps virtAddr together with its address
// and level.
func (mgr *Manager) lookup(root pmm.Frame, virtAddr mem.VirtAddr) (entryAddr mem.PhysAddr, entry Entry, level int, ok bool) {
	lastLevel := mgr.format.Levels() - 1

	mgr.walk(root, virtAddr, func(pteLevel int, pteAddr mem.PhysAddr) bool {
		pte := mgr.load(pteAddr, pteLevel)
		if !pte.Present() {
			return false
		}

		if pteLevel == lastLevel || pte.HasFlags(FlagHugePage) {
			entryAddr, entry, level, ok = pteAddr, pte, pteLevel, true
			return false
		}

		return true
	})

	return entryAddr, entry, level, ok
}

// Mapping describes a leaf page table entry.
type Mapping struct {
	Virt  mem.VirtAddr
	Phys  mem.PhysAddr
	Size  mem.Size
	Flags PageTableEntryFlag
}

// visit invokes visitor for every leaf reachable from the entries [first,
// last) of the table at level in ascending address order. base holds the
// virtual address bits selected by the upper levels.
func (mgr *Manager) visit(table mem.PhysAddr, level int, base uint64, first, last uint64, visitor func(Mapping) bool) bool {
	lastLevel := mgr.format.Levels() - 1
	shift := mgr.format.LevelShift(level)

	for index := first; index < last; index++ {
		entry := mgr.load(tableEntryAddr(table, index), level)
		if !entry.Present() {
			continue
		}

		virt := base | index<<shift
		if level == lastLevel || entry.HasFlags(FlagHugePage) {
			mapping := Mapping{
				Virt:  signExtend(mgr.format, virt),
				Phys:  entry.Target,
				Size:  levelPageSize(mgr.format, level),
				Flags: entry.Flags,
			}
			if !visitor(mapping) {
				return false
			}
			continue
		}

		if !mgr.visit(entry.Target, level+1, virt, 0, entriesPerTable, visitor) {
			return false
		}
	}

	return true
}
