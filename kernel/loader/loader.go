// Package loader prepares a machine for booting the kernel. It builds the
// physical memory map, places the kernel image, randomizes the virtual
// memory layout and leaves a handoff payload in RAM whose address is passed
// to the kernel entry point.
package loader

import (
	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/hal"
	"vmcore/kernel/hal/multiboot"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/vmm"
)

// kernelImageAlign is the physical alignment of the kernel image.
const kernelImageAlign = 2 * mem.Mb

var (
	errBadSection   = &kernel.Error{Module: "loader", Message: "kernel section lies outside the kernel image", Kind: kernel.KindInvalidArgument}
	errTooManySects = &kernel.Error{Module: "loader", Message: "kernel image has too many sections", Kind: kernel.KindInvalidArgument}
	errNoImage      = &kernel.Error{Module: "loader", Message: "kernel image size must be positive", Kind: kernel.KindInvalidArgument}
	errNoFormat     = &kernel.Error{Module: "loader", Message: "no page table format selected", Kind: kernel.KindInvalidArgument}
)

// Memory is the physical memory that the loader populates.
type Memory interface {
	Size() mem.Size
	Bytes(addr mem.PhysAddr, size mem.Size) []byte
}

// Config describes the machine and the kernel to load.
type Config struct {
	Format vmm.PageTableFormat
	Cores  int

	// Multiboot is a multiboot2 boot information blob. If set, the memory
	// map is taken from it and Regions is ignored.
	Multiboot []byte

	// Regions is the firmware memory map. DefaultRegions is used when
	// neither Regions nor Multiboot are set.
	Regions []boot.MemoryRegion

	ImageSize mem.Size

	// Sections describe the kernel image. DefaultSections is used when
	// empty.
	Sections []boot.KernelSection

	HeapSize  mem.Size
	StackSize mem.Size

	// Entropy randomizes the layout. A nil source yields a deterministic
	// layout.
	Entropy hal.EntropySource
}

// DefaultSections splits an image of the given size into a text, a
// read-only data and a data section.
func DefaultSections(imageSize mem.Size) []boot.KernelSection {
	pages := imageSize.Pages()
	text := mem.Size(pages/2) * mem.PageSize
	rodata := mem.Size(pages/4) * mem.PageSize

	sections := []boot.KernelSection{
		{Offset: 0, Size: text, Flags: boot.SectionExecutable},
		{Offset: text, Size: rodata},
		{Offset: text + rodata, Size: imageSize - text - rodata, Flags: boot.SectionWritable},
	}

	out := sections[:0]
	for _, s := range sections {
		if s.Size != 0 {
			out = append(out, s)
		}
	}
	return out
}

// Load prepares m for booting and returns the boot information together
// with the physical address of the handoff payload.
func Load(m Memory, cfg Config) (boot.Info, mem.PhysAddr, *kernel.Error) {
	if cfg.Format == nil {
		return boot.Info{}, 0, errNoFormat
	}

	if cfg.ImageSize == 0 {
		return boot.Info{}, 0, errNoImage
	}
	imageSize := mem.Size(mem.AlignUp(uint64(cfg.ImageSize), uint64(mem.PageSize)))

	sections := cfg.Sections
	if len(sections) == 0 {
		sections = DefaultSections(imageSize)
	}
	if err := checkSections(sections, imageSize); err != nil {
		return boot.Info{}, 0, err
	}

	regions, err := firmwareRegions(m, cfg)
	if err != nil {
		return boot.Info{}, 0, err
	}

	kernelStart, ok := findUsable(regions, imageSize, kernelImageAlign, false)
	if !ok {
		return boot.Info{}, 0, errNoRoom
	}
	if regions, err = carve(regions, kernelStart, imageSize, boot.Kernel); err != nil {
		return boot.Info{}, 0, err
	}

	layout, err := RandomizeLayout(LayoutRequest{
		Format:    cfg.Format,
		PhysSize:  m.Size(),
		ImageSize: imageSize,
		HeapSize:  cfg.HeapSize,
		StackSize: cfg.StackSize,
		Cores:     cfg.Cores,
	}, cfg.Entropy)
	if err != nil {
		return boot.Info{}, 0, err
	}

	// Carving the payload pages may split a region into three.
	payloadPages := payloadSize(len(regions)+2, len(sections))
	payload, ok := findUsable(regions, payloadPages, mem.PageSize, true)
	if !ok {
		return boot.Info{}, 0, errNoRoom
	}
	if regions, err = carve(regions, payload, payloadPages, boot.BootloaderReclaimable); err != nil {
		return boot.Info{}, 0, err
	}
	if len(regions) > boot.MaxRegions {
		return boot.Info{}, 0, errTooManyRegions
	}

	info := boot.Info{
		Regions:     regions,
		Layout:      layout,
		KernelStart: kernelStart,
		KernelEnd:   kernelStart.Add(imageSize),
		Sections:    sections,
	}

	data := boot.EncodeHandoff(info)
	copy(m.Bytes(payload, mem.Size(len(data))), data)

	kfmt.Module("loader").WithField("payload", payload).Infof(
		"loaded %dKb kernel image at %s (base %s)", uint64(imageSize/mem.Kb), kernelStart, layout.KernelBase,
	)
	return info, payload, nil
}

// firmwareRegions returns the normalized memory map of the machine.
func firmwareRegions(m Memory, cfg Config) ([]boot.MemoryRegion, *kernel.Error) {
	regions := cfg.Regions
	switch {
	case cfg.Multiboot != nil:
		mbInfo, err := multiboot.Parse(cfg.Multiboot)
		if err != nil {
			return nil, err
		}
		regions = mbInfo.Regions()
	case len(regions) == 0:
		regions = DefaultRegions(m.Size())
	}

	return normalizeRegions(regions, m.Size())
}

func checkSections(sections []boot.KernelSection, imageSize mem.Size) *kernel.Error {
	if len(sections) > boot.MaxSections {
		return errTooManySects
	}

	for _, s := range sections {
		if s.Offset+s.Size > imageSize || s.Offset+s.Size < s.Offset {
			return errBadSection
		}
	}
	return nil
}

// payloadSize returns the page aligned size of a payload with the given
// number of regions and sections.
func payloadSize(regions, sections int) mem.Size {
	size := boot.PayloadSize(boot.Info{
		Regions:  make([]boot.MemoryRegion, regions),
		Sections: make([]boot.KernelSection, sections),
	})
	return mem.Size(mem.AlignUp(uint64(size), uint64(mem.PageSize)))
}
