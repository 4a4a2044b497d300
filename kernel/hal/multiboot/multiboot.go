// Package multiboot parses the multiboot2 boot information structure that a
// compliant bootloader passes to the kernel.
package multiboot

import (
	"encoding/binary"
	"sort"

	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/mem"
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

const (
	infoHeaderSize = 8
	tagHeaderSize  = 8
	mmapHeaderSize = 8
	mmapEntrySize  = 24
)

var (
	errInfoTruncated  = &kernel.Error{Module: "multiboot", Message: "boot information is truncated", Kind: kernel.KindInvalidArgument}
	errBadTag         = &kernel.Error{Module: "multiboot", Message: "tag extends past the end of the boot information", Kind: kernel.KindInvalidArgument}
	errBadEntrySize   = &kernel.Error{Module: "multiboot", Message: "unsupported memory map entry size", Kind: kernel.KindInvalidArgument}
	errMissingMemInfo = &kernel.Error{Module: "multiboot", Message: "boot information does not contain a memory map", Kind: kernel.KindInvalidArgument}
)

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// RegionKind maps the entry type to the kind of boot memory region it
// describes.
func (t MemoryEntryType) RegionKind() boot.RegionKind {
	switch t {
	case MemAvailable:
		return boot.Usable
	case MemAcpiReclaimable:
		return boot.BootloaderReclaimable
	default:
		return boot.Reserved
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// Info is a parsed multiboot2 boot information structure.
type Info struct {
	CmdLine        string
	BootLoaderName string

	entries []MemoryMapEntry
}

// Parse decodes the boot information contained in data.
func Parse(data []byte) (*Info, *kernel.Error) {
	if len(data) < infoHeaderSize {
		return nil, errInfoTruncated
	}

	le := binary.LittleEndian
	totalSize := int(le.Uint32(data))
	if totalSize < infoHeaderSize || totalSize > len(data) {
		return nil, errInfoTruncated
	}
	data = data[:totalSize]

	var (
		info       Info
		haveMemMap bool
	)

	for offset := infoHeaderSize; ; {
		if offset+tagHeaderSize > len(data) {
			return nil, errInfoTruncated
		}

		tag, size := tagType(le.Uint32(data[offset:])), int(le.Uint32(data[offset+4:]))
		if tag == tagMbSectionEnd {
			break
		}

		if size < tagHeaderSize || offset+size > len(data) {
			return nil, errBadTag
		}
		contents := data[offset+tagHeaderSize : offset+size]

		switch tag {
		case tagBootCmdLine:
			info.CmdLine = cString(contents)
		case tagBootLoaderName:
			info.BootLoaderName = cString(contents)
		case tagMemoryMap:
			if err := info.parseMemoryMap(contents); err != nil {
				return nil, err
			}
			haveMemMap = true
		}

		// Tags are aligned at 8-byte aligned offsets
		offset += int(mem.AlignUp(uint64(size), 8))
	}

	if !haveMemMap {
		return nil, errMissingMemInfo
	}

	return &info, nil
}

func (info *Info) parseMemoryMap(contents []byte) *kernel.Error {
	if len(contents) < mmapHeaderSize {
		return errBadTag
	}

	le := binary.LittleEndian
	entrySize := int(le.Uint32(contents))
	if entrySize < mmapEntrySize {
		return errBadEntrySize
	}

	for offset := mmapHeaderSize; offset+entrySize <= len(contents); offset += entrySize {
		entry := MemoryMapEntry{
			PhysAddress: le.Uint64(contents[offset:]),
			Length:      le.Uint64(contents[offset+8:]),
			Type:        MemoryEntryType(le.Uint32(contents[offset+16:])),
		}

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		info.entries = append(info.entries, entry)
	}

	return nil
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func (info *Info) VisitMemRegions(visitor MemRegionVisitor) {
	for index := range info.entries {
		entry := info.entries[index]
		if !visitor(&entry) {
			return
		}
	}
}

// Regions converts the memory map to a list of boot memory regions sorted by
// base address.
func (info *Info) Regions() []boot.MemoryRegion {
	regions := make([]boot.MemoryRegion, 0, len(info.entries))
	info.VisitMemRegions(func(entry *MemoryMapEntry) bool {
		if entry.Length == 0 {
			return true
		}

		regions = append(regions, boot.MemoryRegion{
			Base:   mem.PhysAddr(entry.PhysAddress),
			Length: mem.Size(entry.Length),
			Kind:   entry.Type.RegionKind(),
		})
		return true
	})

	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	return regions
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
