package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
)

// Mapper applies mapping changes to an address space as part of a batch
// started by AddressSpace.Update. A Mapper must not be used after the batch
// ends.
type Mapper struct {
	space   *AddressSpace
	flusher *MapFlusher
}

// Flusher returns the flusher that collects the invalidations of the batch.
func (m *Mapper) Flusher() *MapFlusher { return m.flusher }

// Map establishes a mapping between a virtual page and a physical memory
// frame using the supplied flags. Missing intermediate tables are
// allocated from the frame allocator and cleared; if an allocation fails
// the tables allocated so far are kept. Mapping an address that is already
// mapped fails and leaves the existing mapping untouched.
func (m *Mapper) Map(virt mem.VirtAddr, phys mem.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	return m.mapAt(virt, phys, flags&^FlagHugePage, m.space.mgr.format.Levels()-1)
}

// MapHuge establishes a mapping that covers size bytes with a single leaf
// entry placed above the last paging level. Both virt and phys must be
// aligned to size.
func (m *Mapper) MapHuge(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	level, ok := hugePageLevel(m.space.mgr.format, size)
	if !ok {
		return errNoHugePageSupport
	}
	return m.mapAt(virt, phys, flags|FlagHugePage, level)
}

func (m *Mapper) mapAt(virt mem.VirtAddr, phys mem.PhysAddr, flags PageTableEntryFlag, targetLevel int) *kernel.Error {
	mgr := m.space.mgr
	if err := mgr.checkVirt(virt); err != nil {
		return err
	}

	pageSize := levelPageSize(mgr.format, targetLevel)
	if !virt.IsAligned(pageSize) || !phys.IsAligned(pageSize) {
		return errMisaligned
	}

	// Kernel mappings are never user accessible and survive address
	// space switches.
	if IsKernelHalf(virt) {
		if flags&FlagUserAccessible != 0 {
			return errUserKernelMapping
		}
		flags |= FlagGlobal
	}
	flags |= FlagPresent

	defer m.space.lockKernelHalf(virt)()

	var err *kernel.Error
	mgr.walk(m.space.root, virt, func(level int, entryAddr mem.PhysAddr) bool {
		entry := mgr.load(entryAddr, level)

		// If we reached the target level all we need to do is to map
		// the frame in place and queue its TLB entry for invalidation
		if level == targetLevel {
			if entry.Present() {
				err = errAlreadyMapped
				return false
			}

			mgr.store(entryAddr, mgr.format.EncodeLeaf(phys, flags))
			m.flusher.flushRange(virt, pageSize)
			return false
		}

		// A huge page already covers the address
		if entry.HasFlags(FlagHugePage) {
			err = errAlreadyMapped
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !entry.Present() {
			var table pmm.Frame
			if table, err = mgr.allocTable(); err != nil {
				return false
			}
			mgr.store(entryAddr, mgr.format.EncodeTable(table.Address()))
		}

		return true
	})

	return err
}

// Unmap clears the leaf that maps virt and returns the frame it pointed to.
// The frame is not released. A huge page is removed only if virt is the
// first address it maps.
func (m *Mapper) Unmap(virt mem.VirtAddr) (pmm.Frame, *kernel.Error) {
	mgr := m.space.mgr
	if err := mgr.checkVirt(virt); err != nil {
		return pmm.InvalidFrame, err
	}

	if !virt.IsAligned(mem.PageSize) {
		return pmm.InvalidFrame, errMisaligned
	}

	defer m.space.lockKernelHalf(virt)()

	entryAddr, entry, level, ok := mgr.lookup(m.space.root, virt)
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	pageSize := levelPageSize(mgr.format, level)
	if !virt.IsAligned(pageSize) {
		return pmm.InvalidFrame, errHugePageSplit
	}

	mgr.store(entryAddr, 0)
	m.flusher.flushRange(virt, pageSize)
	return pmm.FrameFromAddress(entry.Target), nil
}

// Translate returns the physical address mapped at virt as seen by the
// batch.
func (m *Mapper) Translate(virt mem.VirtAddr) (mem.PhysAddr, bool) {
	mgr := m.space.mgr
	if mgr.checkVirt(virt) != nil {
		return 0, false
	}

	defer m.space.lockKernelHalf(virt)()

	_, entry, level, ok := mgr.lookup(m.space.root, virt)
	if !ok {
		return 0, false
	}
	return entry.Target.Add(mem.Size(virt) & (levelPageSize(mgr.format, level) - 1)), true
}

// MapRegion establishes 4K mappings for the physical region which starts at
// phys and spans size bytes, rounded up to the nearest page boundary. If a
// page cannot be mapped the pages mapped by this call are unmapped again.
func (m *Mapper) MapRegion(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	if size == 0 {
		return errBadRegion
	}

	pageCount := size.Pages()
	for page := uint64(0); page < pageCount; page++ {
		offset := mem.Size(page) * mem.PageSize
		if err := m.Map(virt.Add(offset), phys.Add(offset), flags); err != nil {
			for ; page > 0; page-- {
				_, _ = m.Unmap(virt.Add(mem.Size(page-1) * mem.PageSize))
			}
			return err
		}
	}

	return nil
}

// UnmapRegion removes the 4K mappings in [virt, virt+size) and returns the
// frames they pointed to. It stops at the first page that is not mapped.
func (m *Mapper) UnmapRegion(virt mem.VirtAddr, size mem.Size) ([]pmm.Frame, *kernel.Error) {
	if size == 0 {
		return nil, errBadRegion
	}

	pageCount := size.Pages()
	frames := make([]pmm.Frame, 0, pageCount)
	for page := uint64(0); page < pageCount; page++ {
		frame, err := m.Unmap(virt.Add(mem.Size(page) * mem.PageSize))
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}

	return frames, nil
}
