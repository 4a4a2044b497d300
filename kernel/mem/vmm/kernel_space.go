package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
)

// largePageSize is the size of the pages used for the physical memory
// window whenever alignment allows it.
const largePageSize = 2 * mem.Mb

// SetupKernelSpace establishes the kernel mappings described by info: the
// offset mapping of physSize bytes of physical memory, the kernel image
// sections and one stack per core. The changes are applied as one batch.
func (mgr *Manager) SetupKernelSpace(info boot.Info, physSize mem.Size) *kernel.Error {
	return mgr.kernel.Update(func(m *Mapper) *kernel.Error {
		if err := m.mapPhysWindow(info.Layout.PhysWindow(physSize)); err != nil {
			return err
		}

		if err := m.mapKernelImage(info); err != nil {
			return err
		}

		return m.mapKernelStacks(info.Layout, mgr.cores.Len())
	})
}

// mapPhysWindow maps physical memory at the window offset. 2M pages are
// used where both addresses are suitably aligned.
func (m *Mapper) mapPhysWindow(window mem.PhysWindow) *kernel.Error {
	var hugePages, pages int

	for offset := mem.Size(0); offset < window.Size; {
		virt, phys := window.Offset.Add(offset), mem.PhysAddr(offset)

		if window.Size-offset >= largePageSize && virt.IsAligned(largePageSize) && phys.IsAligned(largePageSize) {
			if err := m.MapHuge(virt, phys, largePageSize, DefaultDataFlags); err != nil {
				return err
			}
			offset += largePageSize
			hugePages++
			continue
		}

		if err := m.Map(virt, phys, DefaultDataFlags); err != nil {
			return err
		}
		offset += mem.PageSize
		pages++
	}

	kfmt.Module("vmm").Infof("mapped physical memory window at %s (%d 2M pages, %d 4K pages)", window.Offset, hugePages, pages)
	return nil
}

// mapKernelImage maps the sections of the kernel image using the
// appropriate flags (e.g. NX for data sections, RW for writable sections
// e.t.c). A page shared by several sections gets the rights of all of them.
// Without section information the whole image is mapped RW.
func (m *Mapper) mapKernelImage(info boot.Info) *kernel.Error {
	sections := info.Sections
	if len(sections) == 0 {
		sections = []boot.KernelSection{{
			Size:  mem.Size(info.KernelEnd - info.KernelStart),
			Flags: boot.SectionWritable | boot.SectionExecutable,
		}}
	}

	var (
		pages  []mem.Size
		rights = make(map[mem.Size]boot.SectionFlag)
	)
	for _, section := range sections {
		if section.Size == 0 {
			continue
		}

		// Map the start and end addresses for the section contents into
		// a start and end (exclusive) page offset.
		start := mem.Size(mem.AlignDown(uint64(section.Offset), uint64(mem.PageSize)))
		end := mem.Size(mem.AlignUp(uint64(section.Offset+section.Size), uint64(mem.PageSize)))
		for offset := start; offset < end; offset += mem.PageSize {
			if _, seen := rights[offset]; !seen {
				pages = append(pages, offset)
			}
			rights[offset] |= section.Flags
		}
	}

	for _, offset := range pages {
		flags := FlagPresent
		if rights[offset]&boot.SectionExecutable == 0 {
			flags |= FlagNoExecute
		}
		if rights[offset]&boot.SectionWritable != 0 {
			flags |= FlagRW
		}

		if err := m.Map(info.Layout.KernelBase.Add(offset), info.KernelStart.Add(offset), flags); err != nil {
			return err
		}
	}

	return nil
}

// mapKernelStacks allocates and maps the stack of each core. The page below
// each stack is left unmapped as a guard.
func (m *Mapper) mapKernelStacks(layout boot.VMLayout, cores int) *kernel.Error {
	mgr := m.space.mgr
	frames := mgr.frames

	for core := 0; core < cores; core++ {
		bottom, top := layout.CoreStack(core)
		for page := bottom; page < top; page = page.Add(mem.PageSize) {
			frame, err := frames.AllocFrame()
			if err != nil {
				return err
			}
			mgr.mem.Zero(frame.Address(), mem.PageSize)

			if err = m.Map(page, frame.Address(), DefaultDataFlags); err != nil {
				_ = frames.FreeFrame(frame)
				return err
			}
		}
	}

	return nil
}
