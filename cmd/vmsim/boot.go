package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"vmcore/kernel/boot"
	"vmcore/kernel/mem"
)

var bootCmd = &cobra.Command{
	Use:   "boot",
	Short: "Boot the simulated machine and print the memory subsystem state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sim, err := bootSimulation(cfg)
		if err != nil {
			return err
		}
		defer sim.close()

		printReport(cmd.OutOrStdout(), sim)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bootCmd)
}

// printReport writes the memory map, the layout and the allocator state of
// sim to w.
func printReport(w io.Writer, sim *simulation) {
	k := sim.kernel
	info := k.Info

	fmt.Fprintf(w, "machine: %d MiB, %d cores, %s paging\n",
		uint64(sim.machine.Memory.Size()/mem.Mb), sim.machine.Cores.Len(), sim.machine.Format.Name())

	fmt.Fprintln(w, "\nmemory map:")
	info.VisitMemRegions(func(r *boot.MemoryRegion) bool {
		fmt.Fprintf(w, "  %s\n", r)
		return true
	})
	fmt.Fprintf(w, "  kernel image: %s - %s (%d sections)\n", info.KernelStart, info.KernelEnd, len(info.Sections))

	layout := info.Layout
	stackBottom, _ := layout.CoreStack(0)
	_, stackTop := layout.CoreStack(sim.machine.Cores.Len() - 1)
	fmt.Fprintln(w, "\nvirtual memory layout:")
	fmt.Fprintf(w, "  physical memory: %s\n", layout.PhysMemOffset)
	fmt.Fprintf(w, "  kernel image:    %s\n", layout.KernelBase)
	fmt.Fprintf(w, "  heap:            %s - %s\n", layout.HeapBase, layout.HeapBase.Add(layout.HeapSize))
	fmt.Fprintf(w, "  stacks:          %s - %s (%d KiB each)\n", stackBottom, stackTop, uint64(layout.StackSize/mem.Kb))

	frames := k.Frames.Stats()
	fmt.Fprintln(w, "\nframes:")
	fmt.Fprintf(w, "  pools: %d, total: %d, reserved: %d, reclaimed: %d KiB\n",
		frames.Pools, frames.TotalFrames, frames.ReservedFrames, uint64(k.Reclaimed/mem.Kb))

	stats := k.Heap.Stats()
	fmt.Fprintln(w, "\nheap:")
	fmt.Fprintf(w, "  arena: %d KiB (%d KiB mapped), used: %d bytes\n",
		uint64(stats.ArenaBytes/mem.Kb), uint64(k.HeapArea.Mapped()/mem.Kb), uint64(stats.UsedBytes))
	fmt.Fprintf(w, "  free blocks: %d, largest: %d bytes\n", stats.FreeBlocks, uint64(stats.LargestFreeBlock))
	for _, class := range stats.Classes {
		fmt.Fprintf(w, "  slab %4d: %d/%d slots\n", uint64(class.SlotSize), class.Live, class.Capacity)
	}
}
