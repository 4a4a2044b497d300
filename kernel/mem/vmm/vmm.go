// Package vmm implements the page table manager. It builds, walks and tears
// down multi-level page tables stored in physical memory, keeps the kernel
// half of the address space shared between every address space and batches
// the TLB invalidations caused by mapping changes.
package vmm

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
)

//go:generate mockgen -destination mock_pmm_test.go -package vmm -write_package_comment=false vmcore/kernel/mem/pmm FrameAllocator

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.KindNotMapped}

	errAlreadyMapped      = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped", Kind: kernel.KindAlreadyMapped}
	errInvalidAddress     = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical", Kind: kernel.KindInvalidAddress}
	errMisaligned         = &kernel.Error{Module: "vmm", Message: "address is not aligned to the page size", Kind: kernel.KindInvalidArgument}
	errNoHugePageSupport  = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvalidArgument}
	errHugePageSplit      = &kernel.Error{Module: "vmm", Message: "operation would split a huge page", Kind: kernel.KindInvalidArgument}
	errUserKernelMapping  = &kernel.Error{Module: "vmm", Message: "kernel half mappings cannot be user accessible", Kind: kernel.KindInvalidArgument}
	errKernelSpaceDestroy = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed", Kind: kernel.KindInvalidArgument}
	errSpaceActive        = &kernel.Error{Module: "vmm", Message: "address space is active on a core", Kind: kernel.KindInvalidArgument}
	errSpaceDestroyed     = &kernel.Error{Module: "vmm", Message: "address space used after being destroyed", Kind: kernel.KindUseAfterFree}
	errBadRegion          = &kernel.Error{Module: "vmm", Message: "region size must be positive", Kind: kernel.KindInvalidArgument}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// PhysMemory is the physical memory that holds the page tables.
type PhysMemory interface {
	ReadUint64(addr mem.PhysAddr) uint64
	WriteUint64(addr mem.PhysAddr, v uint64)
	Zero(addr mem.PhysAddr, size mem.Size)
}

// Manager owns the page tables of a machine. It binds a page table format
// to the physical memory that stores the tables, the frame allocator that
// provides them and the cores whose TLBs cache their translations.
type Manager struct {
	format PageTableFormat
	mem    PhysMemory
	frames pmm.FrameAllocator
	cores  *cpu.Set

	// active tracks the address space loaded on each core.
	active []atomic.Pointer[AddressSpace]

	kernel *AddressSpace
}

// NewManager creates the kernel address space. Every root entry of the
// kernel half is populated with an empty table so that address spaces
// created later share the kernel mappings by copying the root entries.
func NewManager(format PageTableFormat, m PhysMemory, frames pmm.FrameAllocator, cores *cpu.Set) (*Manager, *kernel.Error) {
	mgr := &Manager{
		format: format,
		mem:    m,
		frames: frames,
		cores:  cores,
		active: make([]atomic.Pointer[AddressSpace], cores.Len()),
	}

	root, err := mgr.allocTable()
	if err != nil {
		return nil, err
	}

	for index := kernelHalfFirstEntry; index < entriesPerTable; index++ {
		table, err := mgr.allocTable()
		if err != nil {
			mgr.freeTables(root.Address(), 0, kernelHalfFirstEntry, entriesPerTable)
			_ = frames.FreeFrame(root)
			return nil, err
		}

		mgr.mem.WriteUint64(tableEntryAddr(root.Address(), index), format.EncodeTable(table.Address()))
	}

	mgr.kernel = newAddressSpace(mgr, root, true)
	kfmt.Module("vmm").WithField("format", format.Name()).Infof(
		"kernel address space %s ready (root: %s)", mgr.kernel.ID(), root.Address(),
	)

	return mgr, nil
}

// Format returns the page table format used by the manager.
func (mgr *Manager) Format() PageTableFormat { return mgr.format }

// Kernel returns the kernel address space.
func (mgr *Manager) Kernel() *AddressSpace { return mgr.kernel }

// Cores returns the cores managed by mgr.
func (mgr *Manager) Cores() *cpu.Set { return mgr.cores }

// ActiveSpace returns the address space loaded on core or nil.
func (mgr *Manager) ActiveSpace(core *cpu.Core) *AddressSpace {
	return mgr.active[core.ID()].Load()
}

// NewAddressSpace creates an address space with an empty lower half that
// shares the kernel half with every other address space.
func (mgr *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	root, err := mgr.allocTable()
	if err != nil {
		return nil, err
	}

	kernelRoot := mgr.kernel.root.Address()
	for index := kernelHalfFirstEntry; index < entriesPerTable; index++ {
		mgr.mem.WriteUint64(
			tableEntryAddr(root.Address(), index),
			mgr.mem.ReadUint64(tableEntryAddr(kernelRoot, index)),
		)
	}

	space := newAddressSpace(mgr, root, false)
	kfmt.Module("vmm").WithField("space", space.ID()).Debugf("created address space (root: %s)", root.Address())
	return space, nil
}

// checkVirt validates virt against the canonical form of the format.
func (mgr *Manager) checkVirt(virt mem.VirtAddr) *kernel.Error {
	if !mem.IsCanonical(uint64(virt), mgr.format.CanonicalBits()) {
		return errInvalidAddress
	}
	return nil
}

// allocTable allocates and clears a frame for a page table.
func (mgr *Manager) allocTable() (pmm.Frame, *kernel.Error) {
	frame, err := mgr.frames.AllocFrame()
	if err != nil {
		return pmm.InvalidFrame, err
	}

	mgr.mem.Zero(frame.Address(), mem.PageSize)
	return frame, nil
}

// freeTables releases the tables referenced by the entries [first, last) of
// the table at level together with every table below them. Leaf frames are
// never released. It returns the number of freed tables.
func (mgr *Manager) freeTables(table mem.PhysAddr, level int, first, last uint64) int {
	var freed int
	lastLevel := mgr.format.Levels() - 1

	for index := first; index < last; index++ {
		entry := mgr.load(tableEntryAddr(table, index), level)
		if !entry.Present() || level == lastLevel || entry.HasFlags(FlagHugePage) {
			continue
		}

		freed += mgr.freeTables(entry.Target, level+1, 0, entriesPerTable)
		if err := mgr.frames.FreeFrame(pmm.FrameFromAddress(entry.Target)); err == nil {
			freed++
		}
	}

	return freed
}

func (mgr *Manager) load(entryAddr mem.PhysAddr, level int) Entry {
	return mgr.format.DecodeEntry(mgr.mem.ReadUint64(entryAddr), level)
}

func (mgr *Manager) store(entryAddr mem.PhysAddr, raw uint64) {
	mgr.mem.WriteUint64(entryAddr, raw)
}

func tableEntryAddr(table mem.PhysAddr, index uint64) mem.PhysAddr {
	return table.Add(mem.Size(index << mem.PointerShift))
}
