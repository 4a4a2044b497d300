package main

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vmcore/kernel/mem"
	"vmcore/kernel/mem/heap"
	"vmcore/kernel/mem/vmm"
)

// stressUserBase is the first user address mapped by the stress workers.
// Each worker uses its own 1G slot above it.
const stressUserBase = mem.VirtAddr(0x40000000)

var stressOpts stressOptions

type stressOptions struct {
	workers    int
	iterations int
	seed       uint64
}

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Boot the simulated machine and run concurrent paging and heap workloads",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sim, err := bootSimulation(cfg)
		if err != nil {
			return err
		}
		defer sim.close()

		if err = runStress(cmd.Context(), sim, stressOpts); err != nil {
			return err
		}

		printReport(cmd.OutOrStdout(), sim)
		return nil
	},
}

func init() {
	stressCmd.Flags().IntVarP(&stressOpts.workers, "workers", "w", 4, "number of concurrent workers")
	stressCmd.Flags().IntVarP(&stressOpts.iterations, "iterations", "n", 1000, "operations per worker")
	stressCmd.Flags().Uint64Var(&stressOpts.seed, "seed", 1, "seed of the workload generator")
	rootCmd.AddCommand(stressCmd)
}

// runStress runs opts.workers workers in parallel and verifies the heap and
// frame accounting once they are done.
func runStress(ctx context.Context, sim *simulation, opts stressOptions) error {
	if opts.workers < 1 || opts.iterations < 1 {
		return fmt.Errorf("workers and iterations must be positive")
	}

	k := sim.kernel
	usedBefore := k.Heap.Stats().UsedBytes

	g, ctx := errgroup.WithContext(ctx)
	for id := 0; id < opts.workers; id++ {
		w := &stressWorker{
			id:  id,
			sim: sim,
			rnd: rand.New(rand.NewPCG(opts.seed, uint64(id))),
		}
		g.Go(func() error { return w.run(ctx, opts.iterations) })
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if err := k.Heap.Check(); err != nil {
		return fmt.Errorf("heap check: %w", err)
	}

	if used := k.Heap.Stats().UsedBytes; used != usedBefore {
		return fmt.Errorf("heap leaked %d bytes", uint64(used-usedBefore))
	}
	return nil
}

type allocation struct {
	ptr         mem.VirtAddr
	size, align mem.Size
	tag         byte
}

type stressMapping struct {
	virt mem.VirtAddr
	phys mem.PhysAddr
}

type stressWorker struct {
	id  int
	sim *simulation
	rnd *rand.Rand

	space    *vmm.AddressSpace
	mappings []stressMapping
	allocs   []allocation
}

func (w *stressWorker) run(ctx context.Context, iterations int) error {
	mgr := w.sim.kernel.VMM

	space, err := mgr.NewAddressSpace()
	if err != nil {
		return fmt.Errorf("worker %d: creating address space: %w", w.id, err)
	}
	w.space = space

	for i := 0; i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var opErr error
		switch op := w.rnd.IntN(4); {
		case op == 0 || len(w.mappings) == 0:
			opErr = w.mapPage(i)
		case op == 1:
			opErr = w.unmapPage()
		case op == 2 || len(w.allocs) == 0:
			opErr = w.allocate()
		default:
			opErr = w.free()
		}

		if opErr != nil {
			return fmt.Errorf("worker %d, iteration %d: %w", w.id, i, opErr)
		}
	}

	return w.cleanup()
}

func (w *stressWorker) mapPage(i int) error {
	frames := w.sim.kernel.Frames

	frame, err := frames.AllocFrame()
	if err != nil {
		return fmt.Errorf("allocating frame: %w", err)
	}

	virt := stressUserBase.Add(mem.Size(w.id)*mem.Gb + mem.Size(i)*mem.PageSize)
	if err = w.space.Map(virt, frame.Address(), vmm.DefaultDataFlags|vmm.FlagUserAccessible); err != nil {
		_ = frames.FreeFrame(frame)
		return fmt.Errorf("mapping %s: %w", virt, err)
	}

	w.mappings = append(w.mappings, stressMapping{virt: virt, phys: frame.Address()})
	return nil
}

func (w *stressWorker) unmapPage() error {
	index := w.rnd.IntN(len(w.mappings))
	m := w.mappings[index]
	w.mappings[index] = w.mappings[len(w.mappings)-1]
	w.mappings = w.mappings[:len(w.mappings)-1]

	if phys, ok := w.space.Translate(m.virt); !ok || phys != m.phys {
		return fmt.Errorf("translation of %s changed: got %s, %t; expected %s", m.virt, phys, ok, m.phys)
	}

	frame, err := w.space.Unmap(m.virt)
	if err != nil {
		return fmt.Errorf("unmapping %s: %w", m.virt, err)
	}

	if _, ok := w.space.Translate(m.virt); ok {
		return fmt.Errorf("%s still mapped after unmap", m.virt)
	}

	if err = w.sim.kernel.Frames.FreeFrame(frame); err != nil {
		return fmt.Errorf("freeing frame: %w", err)
	}
	return nil
}

// allocate makes a heap allocation and stamps its first byte with a worker
// specific tag that is verified when it is freed.
func (w *stressWorker) allocate() error {
	size := mem.Size(1 + w.rnd.IntN(2048))
	if w.rnd.IntN(8) == 0 {
		size = mem.Size(8*mem.Kb) + mem.Size(w.rnd.IntN(int(56*mem.Kb)))
	}
	align := mem.Size(1) << w.rnd.IntN(9)

	ptr, err := heap.Alloc(size, align)
	if err != nil {
		return fmt.Errorf("allocating %d bytes: %w", uint64(size), err)
	}

	if !ptr.IsAligned(align) {
		return fmt.Errorf("allocation %s is not aligned to %d", ptr, uint64(align))
	}

	tag := byte(w.id + 1)
	if pokeErr := w.poke(ptr, tag); pokeErr != nil {
		return pokeErr
	}

	w.allocs = append(w.allocs, allocation{ptr: ptr, size: size, align: align, tag: tag})
	return nil
}

func (w *stressWorker) free() error {
	index := w.rnd.IntN(len(w.allocs))
	a := w.allocs[index]
	w.allocs[index] = w.allocs[len(w.allocs)-1]
	w.allocs = w.allocs[:len(w.allocs)-1]

	tag, err := w.peek(a.ptr)
	if err != nil {
		return err
	}
	if tag != a.tag {
		return fmt.Errorf("allocation %s was overwritten: tag %d; expected %d", a.ptr, tag, a.tag)
	}

	heap.Free(a.ptr, a.size, a.align)
	return nil
}

// physAddr resolves a kernel heap address through the MMU of the core the
// worker runs on.
func (w *stressWorker) physAddr(ptr mem.VirtAddr, access vmm.Access) (mem.PhysAddr, error) {
	cores := w.sim.machine.Cores
	phys, err := w.sim.kernel.VMM.Resolve(cores.Core(w.id%cores.Len()), ptr, access)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w", ptr, err)
	}
	return phys, nil
}

func (w *stressWorker) poke(ptr mem.VirtAddr, tag byte) error {
	phys, err := w.physAddr(ptr, vmm.AccessWrite)
	if err != nil {
		return err
	}
	w.sim.machine.Memory.Bytes(phys, 1)[0] = tag
	return nil
}

func (w *stressWorker) peek(ptr mem.VirtAddr) (byte, error) {
	phys, err := w.physAddr(ptr, vmm.AccessRead)
	if err != nil {
		return 0, err
	}
	return w.sim.machine.Memory.Bytes(phys, 1)[0], nil
}

// cleanup releases every frame, allocation and table owned by the worker.
func (w *stressWorker) cleanup() error {
	for len(w.mappings) != 0 {
		if err := w.unmapPage(); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
	}

	for len(w.allocs) != 0 {
		if err := w.free(); err != nil {
			return fmt.Errorf("worker %d: %w", w.id, err)
		}
	}

	if err := w.space.Destroy(); err != nil {
		return fmt.Errorf("worker %d: destroying address space: %w", w.id, err)
	}
	return nil
}
