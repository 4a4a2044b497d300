package boot

import "vmcore/kernel/mem"

// Info is the boot information produced by the loader.
type Info struct {
	Regions []MemoryRegion
	Layout  VMLayout

	// KernelStart and KernelEnd delimit the physical location of the
	// kernel image.
	KernelStart, KernelEnd mem.PhysAddr

	Sections []KernelSection
}

// Clone returns a deep copy of the info.
func (i Info) Clone() Info {
	out := i
	out.Regions = append([]MemoryRegion(nil), i.Regions...)
	out.Sections = append([]KernelSection(nil), i.Sections...)
	return out
}

// VisitMemRegions invokes visitor for each memory region until it returns
// false.
func (i Info) VisitMemRegions(visitor func(*MemoryRegion) bool) {
	for index := range i.Regions {
		region := i.Regions[index]
		if !visitor(&region) {
			return
		}
	}
}

// InstalledMemory returns the address of the first byte after the highest
// region that is not Reserved.
func (i Info) InstalledMemory() mem.Size {
	var top mem.PhysAddr
	for _, r := range i.Regions {
		if r.Kind != Reserved && r.End() > top {
			top = r.End()
		}
	}
	return mem.Size(top)
}

// TotalByKind returns the combined length of all regions of the given kind.
func (i Info) TotalByKind(kind RegionKind) mem.Size {
	var total mem.Size
	for _, r := range i.Regions {
		if r.Kind == kind {
			total += r.Length
		}
	}
	return total
}
