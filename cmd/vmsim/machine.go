package main

import (
	"fmt"
	"os"

	"vmcore/kernel/boot"
	"vmcore/kernel/cpu"
	"vmcore/kernel/hal"
	"vmcore/kernel/kmain"
	"vmcore/kernel/loader"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/heap"
	"vmcore/kernel/mem/physmem"
)

// simulation is a booted machine.
type simulation struct {
	machine kmain.Machine
	kernel  *kmain.Kernel

	// handoff is the physical address of the handoff payload.
	handoff mem.PhysAddr
}

// bootSimulation installs the configured machine, runs the loader and boots
// the kernel. The caller must call close once done.
func bootSimulation(cfg config) (*simulation, error) {
	regions, err := cfg.regions()
	if err != nil {
		return nil, err
	}

	var mbInfo []byte
	if cfg.Multiboot != "" {
		if mbInfo, err = os.ReadFile(cfg.Multiboot); err != nil {
			return nil, err
		}
	}

	var entropy hal.EntropySource = hal.NoEntropy{}
	if cfg.Layout.ASLR {
		entropy = hal.CryptoEntropy{}
	}

	m, kerr := physmem.New(cfg.memorySize())
	if kerr != nil {
		return nil, fmt.Errorf("installing %d MiB of memory: %w", cfg.Machine.MemoryMiB, kerr)
	}

	sim := &simulation{
		machine: kmain.Machine{
			Memory: m,
			Cores:  cpu.NewSet(cfg.Machine.Cores),
			Format: cfg.format(),
			State:  &boot.State{},
		},
	}

	_, sim.handoff, kerr = loader.Load(m, loader.Config{
		Format:    sim.machine.Format,
		Cores:     cfg.Machine.Cores,
		Multiboot: mbInfo,
		Regions:   regions,
		ImageSize: mem.Size(cfg.Kernel.ImageKiB) * mem.Kb,
		HeapSize:  mem.Size(cfg.Layout.HeapMiB) * mem.Mb,
		StackSize: mem.Size(cfg.Layout.StackKiB) * mem.Kb,
		Entropy:   entropy,
	})
	if kerr != nil {
		sim.close()
		return nil, fmt.Errorf("loading kernel: %w", kerr)
	}

	if sim.kernel, kerr = kmain.Boot(sim.machine, sim.handoff); kerr != nil {
		sim.close()
		return nil, fmt.Errorf("booting kernel: %w", kerr)
	}

	return sim, nil
}

func (sim *simulation) close() {
	if sim.kernel != nil && heap.Global() == sim.kernel.Heap {
		heap.SetGlobal(nil)
	}
	_ = sim.machine.Memory.Close()
}
