package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
	"vmcore/kernel/mem"
)

// Access describes a memory access performed by a core.
type Access uint8

// The supported access types. AccessUser marks an access performed in user
// mode and may be combined with the other types.
const (
	AccessRead  Access = 0
	AccessWrite Access = 1 << (iota - 1)
	AccessExecute
	AccessUser
)

var (
	errPageFault       = &kernel.Error{Module: "mmu", Message: "page fault: address not mapped", Kind: kernel.KindNotMapped}
	errProtectionFault = &kernel.Error{Module: "mmu", Message: "page fault: access violates page protection", Kind: kernel.KindInvalidArgument}
	errNoActiveSpace   = &kernel.Error{Module: "mmu", Message: "no address space is active on the core", Kind: kernel.KindNotMapped}
)

// Resolve translates virt the way the MMU of core does. A cached
// translation is used when available; otherwise the page tables of the
// address space active on core are walked, the Accessed (and for writes the
// Dirty) flag of the leaf is set and the translation is cached in the TLB.
// Stale cached translations are therefore returned until they are flushed.
func (mgr *Manager) Resolve(core *cpu.Core, virt mem.VirtAddr, access Access) (mem.PhysAddr, *kernel.Error) {
	if err := mgr.checkVirt(virt); err != nil {
		return 0, err
	}

	// A write through a clean cached entry makes the MMU walk again to set
	// the dirty flag.
	if cached, ok := core.LookupTLB(virt); ok && (access&AccessWrite == 0 || cached.Dirty) {
		if err := checkAccess(cached, access); err != nil {
			return 0, err
		}
		return cached.Frame.Add(virt.PageOffset()), nil
	}

	space := mgr.ActiveSpace(core)
	if space == nil {
		return 0, errNoActiveSpace
	}

	space.lock.Acquire()
	defer space.lock.Release()
	defer space.lockKernelHalf(virt)()

	entryAddr, entry, level, ok := mgr.lookup(space.root, virt)
	if !ok {
		return 0, errPageFault
	}

	// Huge leaves are cached as the 4K page that contains virt.
	pageOffset := mem.Size(virt) & (levelPageSize(mgr.format, level) - 1)
	tlbEntry := cpu.TLBEntry{
		Frame:     entry.Target.Add(pageOffset).AlignDown(mem.PageSize),
		Writable:  entry.HasFlags(FlagRW),
		User:      entry.HasFlags(FlagUserAccessible),
		NoExecute: entry.HasFlags(FlagNoExecute),
		Dirty:     entry.HasFlags(FlagDirty) || access&AccessWrite != 0,
		Global:    entry.HasFlags(FlagGlobal),
	}

	if err := checkAccess(tlbEntry, access); err != nil {
		return 0, err
	}

	flags := entry.Flags | FlagAccessed
	if access&AccessWrite != 0 {
		flags |= FlagDirty
	}
	if flags != entry.Flags {
		mgr.store(entryAddr, mgr.format.EncodeLeaf(entry.Target, flags))
	}

	core.FillTLB(virt, tlbEntry)
	return tlbEntry.Frame.Add(virt.PageOffset()), nil
}

func checkAccess(entry cpu.TLBEntry, access Access) *kernel.Error {
	switch {
	case access&AccessUser != 0 && !entry.User,
		access&AccessWrite != 0 && !entry.Writable,
		access&AccessExecute != 0 && entry.NoExecute:
		return errProtectionFault
	}
	return nil
}
