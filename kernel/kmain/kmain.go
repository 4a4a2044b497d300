// Package kmain contains the kernel entry point. It turns the handoff
// payload left by the loader into a running memory subsystem: the frame
// allocator, the kernel address space and the kernel heap.
package kmain

import (
	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/heap"
	"vmcore/kernel/mem/physmem"
	"vmcore/kernel/mem/pmm/allocator"
	"vmcore/kernel/mem/vmm"
)

// initialHeapSize is the amount of heap memory mapped while booting.
const initialHeapSize = 64 * mem.Kb

var (
	errNoFormat = &kernel.Error{Module: "kmain", Message: "machine has no page table format", Kind: kernel.KindInvalidArgument}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Machine is the hardware that the kernel boots on.
type Machine struct {
	Memory *physmem.Memory
	Cores  *cpu.Set
	Format vmm.PageTableFormat

	// State receives the boot information. boot.Default is used when nil.
	State *boot.State
}

// Kernel describes the memory subsystem of a booted kernel.
type Kernel struct {
	Info   boot.Info
	Frames *allocator.BitmapAllocator
	VMM    *vmm.Manager

	HeapArea *heap.RegionGrower
	Heap     *heap.Heap

	// Reclaimed is the amount of loader memory returned to the frame
	// allocator.
	Reclaimed mem.Size
}

// Kmain boots the kernel using the handoff payload at handoffPtr. Any boot
// failure is fatal.
func Kmain(machine Machine, handoffPtr mem.PhysAddr) *Kernel {
	k, err := Boot(machine, handoffPtr)
	if err != nil {
		panicFn(err)
		return nil
	}
	return k
}

// Boot runs the boot sequence and returns the first error encountered.
func Boot(machine Machine, handoffPtr mem.PhysAddr) (*Kernel, *kernel.Error) {
	if machine.Format == nil {
		return nil, errNoFormat
	}

	state := machine.State
	if state == nil {
		state = &boot.Default
	}

	info, err := state.Consume(machine.Memory, handoffPtr)
	if err != nil {
		return nil, err
	}
	state.Init(info)

	k := &Kernel{Info: info}
	if err = allocator.Init(machine.Memory, info.Regions, info.KernelStart, info.KernelEnd); err != nil {
		return nil, err
	}
	k.Frames = allocator.FrameAllocator

	// The payload has been copied out so the loader memory can be reused.
	if k.Reclaimed, err = k.Frames.Reclaim(machine.Memory, info.Regions); err != nil {
		return nil, err
	}

	if k.VMM, err = vmm.NewManager(machine.Format, machine.Memory, k.Frames, machine.Cores); err != nil {
		return nil, err
	}

	if err = k.VMM.SetupKernelSpace(info, machine.Memory.Size()); err != nil {
		return nil, err
	}

	machine.Cores.VisitCores(func(core *cpu.Core) bool {
		k.VMM.Kernel().Activate(core)
		return true
	})

	layout := info.Layout
	k.HeapArea = heap.NewRegionGrower(k.VMM.Kernel(), k.Frames, layout.HeapBase, layout.HeapSize, machine.Memory.Zero)

	initial := initialHeapSize
	if layout.HeapSize < initial {
		initial = layout.HeapSize
	}
	if k.Heap, err = heap.New(k.HeapArea, initial); err != nil {
		return nil, err
	}
	heap.SetGlobal(k.Heap)

	stats := k.Frames.Stats()
	kfmt.Module("kmain").WithField("cores", machine.Cores.Len()).Infof(
		"memory subsystem ready: %d/%d frames reserved, heap at %s", stats.ReservedFrames, stats.TotalFrames, layout.HeapBase,
	)
	return k, nil
}
