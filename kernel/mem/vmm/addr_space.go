package vmm

import (
	"github.com/rs/xid"

	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/pmm"
	"vmcore/kernel/sync"
)

// AddressSpace is a set of page tables rooted at a single top-level table.
// The lower half is private to the address space; the upper half is shared
// with the kernel address space.
type AddressSpace struct {
	id     xid.ID
	mgr    *Manager
	root   pmm.Frame
	kernel bool

	// lock serializes page table mutations. Mutations of the kernel half
	// through a process address space additionally hold the kernel
	// address space lock.
	lock      sync.Spinlock
	destroyed bool
}

func newAddressSpace(mgr *Manager, root pmm.Frame, kernel bool) *AddressSpace {
	return &AddressSpace{id: xid.New(), mgr: mgr, root: root, kernel: kernel}
}

// ID returns a unique identifier for the address space.
func (s *AddressSpace) ID() string { return s.id.String() }

// Root returns the frame of the root page table.
func (s *AddressSpace) Root() pmm.Frame { return s.root }

// IsKernel returns true for the kernel address space.
func (s *AddressSpace) IsKernel() bool { return s.kernel }

// checkAlive reports the use of a destroyed address space. It must be
// called with the lock held.
func (s *AddressSpace) checkAlive() *kernel.Error {
	if s.destroyed {
		panicFn(errSpaceDestroyed)
		return errSpaceDestroyed
	}
	return nil
}

// lockKernelHalf acquires the kernel address space lock if virt belongs to
// the shared half and s is a process address space. The returned function
// releases it.
func (s *AddressSpace) lockKernelHalf(virt mem.VirtAddr) func() {
	if s.kernel || !IsKernelHalf(virt) {
		return func() {}
	}

	kernelSpace := s.mgr.kernel
	kernelSpace.lock.Acquire()
	return kernelSpace.lock.Release
}

// Update runs fn as a batch of mapping changes. The address space lock is
// held while fn runs and the TLB invalidations queued by the batch are
// applied before Update returns, also when fn fails or panics.
func (s *AddressSpace) Update(fn func(*Mapper) *kernel.Error) *kernel.Error {
	s.lock.Acquire()
	defer s.lock.Release()

	if err := s.checkAlive(); err != nil {
		return err
	}

	mapper := Mapper{space: s, flusher: NewMapFlusher(s.shootdownTargets)}
	defer mapper.flusher.FlushAll()

	return fn(&mapper)
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from the frame allocator.
func (s *AddressSpace) Map(virt mem.VirtAddr, phys mem.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	return s.Update(func(m *Mapper) *kernel.Error {
		return m.Map(virt, phys, flags)
	})
}

// MapHuge establishes a mapping of size bytes using a single huge page leaf.
func (s *AddressSpace) MapHuge(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	return s.Update(func(m *Mapper) *kernel.Error {
		return m.MapHuge(virt, phys, size, flags)
	})
}

// Unmap removes the mapping for virt and returns the frame it pointed to.
// The frame is not released.
func (s *AddressSpace) Unmap(virt mem.VirtAddr) (pmm.Frame, *kernel.Error) {
	var frame pmm.Frame
	err := s.Update(func(m *Mapper) *kernel.Error {
		var err *kernel.Error
		frame, err = m.Unmap(virt)
		return err
	})
	return frame, err
}

// MapRegion maps the size bytes starting at phys to the range starting at
// virt using 4K pages.
func (s *AddressSpace) MapRegion(virt mem.VirtAddr, phys mem.PhysAddr, size mem.Size, flags PageTableEntryFlag) *kernel.Error {
	return s.Update(func(m *Mapper) *kernel.Error {
		return m.MapRegion(virt, phys, size, flags)
	})
}

// UnmapRegion removes the 4K mappings in [virt, virt+size) and returns the
// frames they pointed to.
func (s *AddressSpace) UnmapRegion(virt mem.VirtAddr, size mem.Size) ([]pmm.Frame, *kernel.Error) {
	var frames []pmm.Frame
	err := s.Update(func(m *Mapper) *kernel.Error {
		var err *kernel.Error
		frames, err = m.UnmapRegion(virt, size)
		return err
	})
	return frames, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address. The second result is false if virt is not mapped or not
// canonical.
func (s *AddressSpace) Translate(virt mem.VirtAddr) (mem.PhysAddr, bool) {
	if s.mgr.checkVirt(virt) != nil {
		return 0, false
	}

	s.lock.Acquire()
	defer s.lock.Release()
	defer s.lockKernelHalf(virt)()

	if s.checkAlive() != nil {
		return 0, false
	}

	_, entry, level, ok := s.mgr.lookup(s.root, virt)
	if !ok {
		return 0, false
	}

	offset := mem.Size(virt) & (levelPageSize(s.mgr.format, level) - 1)
	return entry.Target.Add(offset), true
}

// VisitMappings invokes visitor for every leaf in ascending virtual address
// order until it returns false. Process address spaces only visit their
// private half; the shared half is visited through the kernel address space.
func (s *AddressSpace) VisitMappings(visitor func(Mapping) bool) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.checkAlive() != nil {
		return
	}

	first, last := uint64(0), entriesPerTable
	if !s.kernel {
		last = kernelHalfFirstEntry
	} else {
		first = kernelHalfFirstEntry
	}

	s.mgr.visit(s.root.Address(), 0, 0, first, last, visitor)
}

// Activate loads the address space on core. The core drops every
// non-global cached translation.
func (s *AddressSpace) Activate(core *cpu.Core) {
	s.lock.Acquire()
	defer s.lock.Release()

	if s.checkAlive() != nil {
		return
	}

	core.SwitchPDT(s.root.Address())
	s.mgr.active[core.ID()].Store(s)
}

// Destroy releases every page table privately owned by a process address
// space. Frames referenced by leaf entries and the tables of the shared
// kernel half are not released. The address space must not be active on
// any core.
func (s *AddressSpace) Destroy() *kernel.Error {
	if s.kernel {
		return errKernelSpaceDestroy
	}

	s.lock.Acquire()
	defer s.lock.Release()

	if err := s.checkAlive(); err != nil {
		return err
	}

	for i := range s.mgr.active {
		if s.mgr.active[i].Load() == s {
			return errSpaceActive
		}
	}

	// The private tables are gone from here on, so the space is dead even
	// if its root cannot be released.
	freed := s.mgr.freeTables(s.root.Address(), 0, 0, kernelHalfFirstEntry)
	s.destroyed = true

	if err := s.mgr.frames.FreeFrame(s.root); err != nil {
		return err
	}

	kfmt.Module("vmm").WithField("space", s.ID()).Debugf("destroyed address space (%d tables released)", freed+1)
	return nil
}

// shootdownTargets returns the cores that may cache translations affected
// by a batch: every core for kernel half changes and the cores where s is
// active otherwise.
func (s *AddressSpace) shootdownTargets(kernelHalf bool) []TLB {
	var targets []TLB
	s.mgr.cores.VisitCores(func(core *cpu.Core) bool {
		if kernelHalf || s.mgr.active[core.ID()].Load() == s {
			targets = append(targets, core)
		}
		return true
	})
	return targets
}
