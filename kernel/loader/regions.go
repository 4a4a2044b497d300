package loader

import (
	"sort"

	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/mem"
)

// firmwareReserved is the low memory that the firmware keeps for itself on
// a machine without a memory map.
const firmwareReserved = 1 * mem.Mb

var (
	errNoUsableMemory     = &kernel.Error{Module: "loader", Message: "memory map contains no usable memory", Kind: kernel.KindOutOfMemory}
	errOverlappingRegions = &kernel.Error{Module: "loader", Message: "memory map contains overlapping regions", Kind: kernel.KindInvalidArgument}
	errTooManyRegions     = &kernel.Error{Module: "loader", Message: "memory map contains too many regions", Kind: kernel.KindInvalidArgument}
	errNoRoom             = &kernel.Error{Module: "loader", Message: "no usable region is large enough", Kind: kernel.KindOutOfMemory}
	errCarveOutside       = &kernel.Error{Module: "loader", Message: "range does not lie inside a usable region", Kind: kernel.KindInvalidArgument}
)

// DefaultRegions returns the memory map of a machine with size bytes of RAM
// and no firmware memory map.
func DefaultRegions(size mem.Size) []boot.MemoryRegion {
	if size <= firmwareReserved {
		return []boot.MemoryRegion{{Base: 0, Length: size, Kind: boot.Reserved}}
	}

	return []boot.MemoryRegion{
		{Base: 0, Length: firmwareReserved, Kind: boot.Reserved},
		{Base: mem.PhysAddr(firmwareReserved), Length: size - firmwareReserved, Kind: boot.Usable},
	}
}

// normalizeRegions sorts regions by base address, drops empty regions and
// clips every region that is not Reserved to the installed memory.
func normalizeRegions(regions []boot.MemoryRegion, installed mem.Size) ([]boot.MemoryRegion, *kernel.Error) {
	out := make([]boot.MemoryRegion, 0, len(regions))
	for _, r := range regions {
		if r.Kind != boot.Reserved {
			if r.Base >= mem.PhysAddr(installed) {
				continue
			}
			if r.End() > mem.PhysAddr(installed) {
				r.Length = mem.Size(mem.PhysAddr(installed) - r.Base)
			}
		}

		if r.Length != 0 {
			out = append(out, r)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	var usable bool
	for i, r := range out {
		if i > 0 && out[i-1].Overlaps(r) {
			return nil, errOverlappingRegions
		}
		usable = usable || r.Kind == boot.Usable
	}

	switch {
	case !usable:
		return nil, errNoUsableMemory
	case len(out) > boot.MaxRegions:
		return nil, errTooManyRegions
	}
	return out, nil
}

// findUsable returns an align aligned address of size bytes of usable
// memory. The lowest candidate is returned unless fromTop is set.
func findUsable(regions []boot.MemoryRegion, size, align mem.Size, fromTop bool) (mem.PhysAddr, bool) {
	var (
		found mem.PhysAddr
		ok    bool
	)

	for _, r := range regions {
		if r.Kind != boot.Usable {
			continue
		}

		start := r.Base.AlignUp(align)
		end := r.End().AlignDown(mem.PageSize)
		if start >= end || mem.Size(end-start) < size {
			continue
		}

		if !fromTop {
			return start, true
		}
		found, ok = (end - mem.PhysAddr(size)).AlignDown(align), true
	}

	return found, ok
}

// carve marks [base, base+size) as kind. The range must lie inside a single
// usable region, which is split around it.
func carve(regions []boot.MemoryRegion, base mem.PhysAddr, size mem.Size, kind boot.RegionKind) ([]boot.MemoryRegion, *kernel.Error) {
	carved := boot.MemoryRegion{Base: base, Length: size, Kind: kind}

	for i, r := range regions {
		if r.Kind != boot.Usable || base < r.Base || carved.End() > r.End() {
			continue
		}

		var parts []boot.MemoryRegion
		if base > r.Base {
			parts = append(parts, boot.MemoryRegion{Base: r.Base, Length: mem.Size(base - r.Base), Kind: boot.Usable})
		}
		parts = append(parts, carved)
		if carved.End() < r.End() {
			parts = append(parts, boot.MemoryRegion{Base: carved.End(), Length: mem.Size(r.End() - carved.End()), Kind: boot.Usable})
		}

		out := make([]boot.MemoryRegion, 0, len(regions)+len(parts)-1)
		out = append(out, regions[:i]...)
		out = append(out, parts...)
		return append(out, regions[i+1:]...), nil
	}

	return nil, errCarveOutside
}
