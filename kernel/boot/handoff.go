package boot

import (
	"encoding/binary"

	"vmcore/kernel"
	"vmcore/kernel/mem"
)

const (
	// HandoffMagic identifies a boot handoff payload ("BHMV").
	HandoffMagic = uint32(0x564d4842)

	// HandoffVersion is the payload format version.
	HandoffVersion = uint32(1)

	// MaxRegions is the maximum number of memory regions in a payload.
	MaxRegions = 64

	// MaxSections is the maximum number of kernel sections in a payload.
	MaxSections = 16

	headerSize  = 4*4 + 6*8 + 2*8
	regionSize  = 8 + 8 + 4 + 4
	sectionSize = 8 + 8 + 4 + 4
)

var (
	errBadMagic         = &kernel.Error{Module: "boot", Message: "handoff payload has a bad magic number", Kind: kernel.KindInvalidArgument}
	errBadVersion       = &kernel.Error{Module: "boot", Message: "unsupported handoff payload version", Kind: kernel.KindInvalidArgument}
	errTruncated        = &kernel.Error{Module: "boot", Message: "handoff payload is truncated", Kind: kernel.KindInvalidArgument}
	errTooManyRegions   = &kernel.Error{Module: "boot", Message: "too many memory regions in handoff payload", Kind: kernel.KindInvalidArgument}
	errTooManySections  = &kernel.Error{Module: "boot", Message: "too many kernel sections in handoff payload", Kind: kernel.KindInvalidArgument}
	errUnsortedRegions  = &kernel.Error{Module: "boot", Message: "memory regions are not sorted by base address or overlap", Kind: kernel.KindInvalidArgument}
	errUnknownKind      = &kernel.Error{Module: "boot", Message: "memory region has an unknown kind", Kind: kernel.KindInvalidArgument}
	errPayloadNotMapped = &kernel.Error{Module: "boot", Message: "handoff payload lies outside installed memory", Kind: kernel.KindInvalidAddress}
)

// PayloadSize returns the number of bytes needed to encode info.
func PayloadSize(info Info) mem.Size {
	return mem.Size(headerSize + len(info.Regions)*regionSize + len(info.Sections)*sectionSize)
}

// EncodeHandoff serializes info into the handoff wire format.
func EncodeHandoff(info Info) []byte {
	buf := make([]byte, 0, PayloadSize(info))
	le := binary.LittleEndian

	buf = le.AppendUint32(buf, HandoffMagic)
	buf = le.AppendUint32(buf, HandoffVersion)
	buf = le.AppendUint32(buf, uint32(len(info.Regions)))
	buf = le.AppendUint32(buf, uint32(len(info.Sections)))

	for _, v := range []uint64{
		uint64(info.Layout.PhysMemOffset),
		uint64(info.Layout.KernelBase),
		uint64(info.Layout.HeapBase),
		uint64(info.Layout.HeapSize),
		uint64(info.Layout.StackBase),
		uint64(info.Layout.StackSize),
		uint64(info.KernelStart),
		uint64(info.KernelEnd),
	} {
		buf = le.AppendUint64(buf, v)
	}

	for _, r := range info.Regions {
		buf = le.AppendUint64(buf, uint64(r.Base))
		buf = le.AppendUint64(buf, uint64(r.Length))
		buf = le.AppendUint32(buf, uint32(r.Kind))
		buf = le.AppendUint32(buf, 0)
	}

	for _, s := range info.Sections {
		buf = le.AppendUint64(buf, uint64(s.Offset))
		buf = le.AppendUint64(buf, uint64(s.Size))
		buf = le.AppendUint32(buf, uint32(s.Flags))
		buf = le.AppendUint32(buf, 0)
	}

	return buf
}

// DecodeHandoff parses a handoff payload. The returned Info does not alias
// data.
func DecodeHandoff(data []byte) (Info, *kernel.Error) {
	var info Info

	if len(data) < headerSize {
		return info, errTruncated
	}

	le := binary.LittleEndian
	if le.Uint32(data[0:]) != HandoffMagic {
		return info, errBadMagic
	}

	if le.Uint32(data[4:]) != HandoffVersion {
		return info, errBadVersion
	}

	regionCount, sectionCount := int(le.Uint32(data[8:])), int(le.Uint32(data[12:]))
	switch {
	case regionCount > MaxRegions:
		return info, errTooManyRegions
	case sectionCount > MaxSections:
		return info, errTooManySections
	case len(data) < headerSize+regionCount*regionSize+sectionCount*sectionSize:
		return info, errTruncated
	}

	word := func(index int) uint64 { return le.Uint64(data[16+index*8:]) }
	info.Layout = VMLayout{
		PhysMemOffset: mem.VirtAddr(word(0)),
		KernelBase:    mem.VirtAddr(word(1)),
		HeapBase:      mem.VirtAddr(word(2)),
		HeapSize:      mem.Size(word(3)),
		StackBase:     mem.VirtAddr(word(4)),
		StackSize:     mem.Size(word(5)),
	}
	info.KernelStart, info.KernelEnd = mem.PhysAddr(word(6)), mem.PhysAddr(word(7))

	offset := headerSize
	info.Regions = make([]MemoryRegion, regionCount)
	for i := range info.Regions {
		r := MemoryRegion{
			Base:   mem.PhysAddr(le.Uint64(data[offset:])),
			Length: mem.Size(le.Uint64(data[offset+8:])),
			Kind:   RegionKind(le.Uint32(data[offset+16:])),
		}

		if _, known := regionKindNames[r.Kind]; !known {
			return Info{}, errUnknownKind
		}

		if i > 0 && r.Base < info.Regions[i-1].End() {
			return Info{}, errUnsortedRegions
		}

		info.Regions[i] = r
		offset += regionSize
	}

	info.Sections = make([]KernelSection, sectionCount)
	for i := range info.Sections {
		info.Sections[i] = KernelSection{
			Offset: mem.Size(le.Uint64(data[offset:])),
			Size:   mem.Size(le.Uint64(data[offset+8:])),
			Flags:  SectionFlag(le.Uint32(data[offset+16:])),
		}
		offset += sectionSize
	}

	return info, nil
}

// PhysReader provides read access to physical memory.
type PhysReader interface {
	Contains(addr mem.PhysAddr, size mem.Size) bool
	Bytes(addr mem.PhysAddr, size mem.Size) []byte
}

// readHandoff decodes the payload located at ptr.
func readHandoff(r PhysReader, ptr mem.PhysAddr) (Info, *kernel.Error) {
	if !r.Contains(ptr, headerSize) {
		return Info{}, errPayloadNotMapped
	}

	hdr := r.Bytes(ptr, headerSize)
	le := binary.LittleEndian
	if le.Uint32(hdr) != HandoffMagic {
		return Info{}, errBadMagic
	}

	regionCount, sectionCount := uint64(le.Uint32(hdr[8:])), uint64(le.Uint32(hdr[12:]))
	if regionCount > MaxRegions {
		return Info{}, errTooManyRegions
	}
	if sectionCount > MaxSections {
		return Info{}, errTooManySections
	}

	size := mem.Size(headerSize + regionCount*regionSize + sectionCount*sectionSize)
	if !r.Contains(ptr, size) {
		return Info{}, errPayloadNotMapped
	}

	return DecodeHandoff(r.Bytes(ptr, size))
}
