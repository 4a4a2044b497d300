package kmain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmcore/kernel"
	"vmcore/kernel/boot"
	"vmcore/kernel/cpu"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/loader"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/heap"
	"vmcore/kernel/mem/physmem"
	"vmcore/kernel/mem/pmm"
	"vmcore/kernel/mem/vmm"
)

func newMachine(t *testing.T, size mem.Size, format vmm.PageTableFormat) Machine {
	t.Helper()

	m, err := physmem.New(size)
	require.Nil(t, err)
	t.Cleanup(func() {
		heap.SetGlobal(nil)
		m.Close()
	})

	return Machine{Memory: m, Cores: cpu.NewSet(2), Format: format, State: &boot.State{}}
}

func load(t *testing.T, machine Machine) mem.PhysAddr {
	t.Helper()

	_, ptr, err := loader.Load(machine.Memory, loader.Config{
		Format:    machine.Format,
		Cores:     machine.Cores.Len(),
		ImageSize: 2 * mem.Mb,
		HeapSize:  8 * mem.Mb,
		StackSize: 16 * mem.Kb,
	})
	require.Nil(t, err)
	return ptr
}

func TestBoot(t *testing.T) {
	for _, format := range []vmm.PageTableFormat{vmm.AMD64(), vmm.Sv39()} {
		t.Run(format.Name(), func(t *testing.T) {
			machine := newMachine(t, 32*mem.Mb, format)
			ptr := load(t, machine)

			k, err := Boot(machine, ptr)
			require.Nil(t, err)

			require.True(t, machine.State.Initialized())
			assert.Equal(t, k.Info, machine.State.Get())
			assert.Equal(t, mem.PageSize, k.Reclaimed)
			assert.False(t, k.Frames.IsAllocated(pmm.FrameFromAddress(ptr)))

			layout := k.Info.Layout
			space := k.VMM.Kernel()

			phys, ok := space.Translate(layout.PhysMemOffset.Add(0x1234))
			require.True(t, ok)
			assert.Equal(t, mem.PhysAddr(0x1234), phys)

			phys, ok = space.Translate(layout.KernelBase.Add(mem.PageSize))
			require.True(t, ok)
			assert.Equal(t, k.Info.KernelStart.Add(mem.PageSize), phys)

			for id := 0; id < machine.Cores.Len(); id++ {
				core := machine.Cores.Core(id)
				assert.Equal(t, space.Root().Address(), core.ActivePDT())
				assert.Same(t, space, k.VMM.ActiveSpace(core))

				bottom, top := layout.CoreStack(id)
				_, ok = space.Translate(bottom)
				assert.True(t, ok)
				_, ok = space.Translate(top - mem.VirtAddr(mem.PageSize))
				assert.True(t, ok)
				_, ok = space.Translate(bottom - mem.VirtAddr(mem.PageSize))
				assert.False(t, ok, "guard page below stack %d is mapped", id)
			}

			assert.Same(t, k.Heap, heap.Global())
			assert.Equal(t, 64*mem.Kb, k.HeapArea.Mapped())

			addr, err := heap.Alloc(100, 8)
			require.Nil(t, err)
			assert.True(t, addr >= layout.HeapBase && addr < layout.HeapBase.Add(layout.HeapSize))

			phys, ok = space.Translate(addr)
			require.True(t, ok)
			assert.True(t, k.Frames.IsAllocated(pmm.FrameFromAddress(phys)))
			heap.Free(addr, 100, 8)

			assert.Nil(t, k.Heap.Check())
		})
	}
}

func TestBootErrors(t *testing.T) {
	t.Run("no format", func(t *testing.T) {
		machine := newMachine(t, 16*mem.Mb, vmm.AMD64())
		ptr := load(t, machine)

		machine.Format = nil
		_, err := Boot(machine, ptr)
		assert.Equal(t, errNoFormat, err)
	})

	t.Run("bad payload pointer", func(t *testing.T) {
		machine := newMachine(t, 16*mem.Mb, vmm.AMD64())
		load(t, machine)

		_, err := Boot(machine, mem.PhysAddr(64*mem.Mb))
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, kernel.ErrInvalidAddress))
		assert.False(t, machine.State.Initialized())
	})

	t.Run("not enough memory for the kernel half", func(t *testing.T) {
		machine := newMachine(t, 4*mem.Mb, vmm.AMD64())
		ptr := load(t, machine)

		_, err := Boot(machine, ptr)
		require.NotNil(t, err)
		assert.True(t, errors.Is(err, kernel.ErrOutOfMemory))
	})
}

func TestKmainPanicsOnBootFailure(t *testing.T) {
	var cause interface{}
	panicFn = func(e interface{}) { cause = e }
	defer func() { panicFn = kfmt.Panic }()

	machine := newMachine(t, 16*mem.Mb, vmm.AMD64())
	ptr := load(t, machine)

	machine.Format = nil
	assert.Nil(t, Kmain(machine, ptr))
	assert.Equal(t, errNoFormat, cause)
}

func TestKmain(t *testing.T) {
	machine := newMachine(t, 16*mem.Mb, vmm.AMD64())
	ptr := load(t, machine)

	k := Kmain(machine, ptr)
	require.NotNil(t, k)
	assert.Same(t, k.Heap, heap.Global())

	// The payload is consumed exactly once.
	assert.Panics(t, func() { Kmain(machine, ptr) })
}
