package loader

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmcore/kernel/boot"
	"vmcore/kernel/hal"
	"vmcore/kernel/mem"
	"vmcore/kernel/mem/vmm"
)

// xorshiftEntropy is a deterministic entropy source. After limit draws (if
// limit is positive) it runs dry.
type xorshiftEntropy struct {
	state uint64
	limit int
}

func (e *xorshiftEntropy) Uint64() (uint64, bool) {
	if e.limit < 0 {
		return 0, false
	}
	if e.limit > 0 {
		if e.limit--; e.limit == 0 {
			e.limit = -1
		}
	}

	e.state ^= e.state << 13
	e.state ^= e.state >> 7
	e.state ^= e.state << 17
	return e.state, true
}

func testLayoutRequest(format vmm.PageTableFormat) LayoutRequest {
	return LayoutRequest{
		Format:    format,
		PhysSize:  64 * mem.Mb,
		ImageSize: 2 * mem.Mb,
		HeapSize:  64 * mem.Mb,
		StackSize: 64 * mem.Kb,
		Cores:     2,
	}
}

func TestKernelHalfStart(t *testing.T) {
	assert.Equal(t, mem.VirtAddr(0xffff800000000000), KernelHalfStart(vmm.AMD64()))
	assert.Equal(t, mem.VirtAddr(0xffffffc000000000), KernelHalfStart(vmm.Sv39()))
}

func TestRandomizeLayoutWithoutEntropy(t *testing.T) {
	specs := []struct {
		format vmm.PageTableFormat
		exp    boot.VMLayout
	}{
		{
			vmm.AMD64(),
			boot.VMLayout{
				PhysMemOffset: 0xffff800000000000,
				KernelBase:    0xffffffff80000000,
				HeapBase:      0xffff800004200000,
				HeapSize:      64 * mem.Mb,
				StackBase:     0xffff800008400000,
				StackSize:     64 * mem.Kb,
			},
		},
		{
			vmm.Sv39(),
			boot.VMLayout{
				PhysMemOffset: 0xffffffc000000000,
				KernelBase:    0xffffffff80000000,
				HeapBase:      0xffffffc004200000,
				HeapSize:      64 * mem.Mb,
				StackBase:     0xffffffc008400000,
				StackSize:     64 * mem.Kb,
			},
		},
	}

	for _, spec := range specs {
		t.Run(spec.format.Name(), func(t *testing.T) {
			for _, src := range []hal.EntropySource{nil, hal.NoEntropy{}} {
				layout, err := RandomizeLayout(testLayoutRequest(spec.format), src)
				require.Nil(t, err)
				assert.Equal(t, spec.exp, layout)
			}
		})
	}
}

type span struct {
	start mem.VirtAddr
	size  mem.Size
}

// assertValidLayout checks that every area is canonical, aligned, inside
// the kernel half and disjoint from the others.
func assertValidLayout(t *testing.T, req LayoutRequest, layout boot.VMLayout) {
	t.Helper()

	bits := req.Format.CanonicalBits()
	spans := []span{
		{layout.PhysMemOffset, alignArea(req.PhysSize)},
		{layout.HeapBase, alignArea(req.HeapSize)},
		{layout.StackBase, alignArea(mem.Size(req.Cores) * (req.StackSize + mem.PageSize))},
	}

	for _, s := range spans {
		assert.True(t, mem.IsCanonical(uint64(s.start), bits), "area %s is not canonical", s.start)
		assert.True(t, s.start.IsAligned(layoutAlign), "area %s is not aligned", s.start)
		assert.GreaterOrEqual(t, uint64(s.start), uint64(KernelHalfStart(req.Format)))
		assert.LessOrEqual(t, uint64(s.start.Add(s.size)), uint64(kernelImageArea))
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		assert.Less(t, uint64(spans[i-1].start.Add(spans[i-1].size)), uint64(spans[i].start), "areas overlap")
	}

	imageEnd := layout.KernelBase.Add(alignArea(req.ImageSize))
	assert.GreaterOrEqual(t, uint64(layout.KernelBase), uint64(kernelImageArea))
	assert.Greater(t, uint64(imageEnd), uint64(layout.KernelBase), "kernel image wraps around")
	assert.True(t, layout.KernelBase.IsAligned(layoutAlign))
}

func TestRandomizeLayoutWithEntropy(t *testing.T) {
	for _, format := range []vmm.PageTableFormat{vmm.AMD64(), vmm.Sv39()} {
		t.Run(format.Name(), func(t *testing.T) {
			req := testLayoutRequest(format)
			fixed, err := RandomizeLayout(req, nil)
			require.Nil(t, err)

			var randomized int
			for seed := uint64(1); seed <= 64; seed++ {
				layout, err := RandomizeLayout(req, &xorshiftEntropy{state: seed})
				require.Nil(t, err)
				assertValidLayout(t, req, layout)

				again, err := RandomizeLayout(req, &xorshiftEntropy{state: seed})
				require.Nil(t, err)
				assert.Equal(t, layout, again, "same entropy must yield the same layout")

				if layout != fixed {
					randomized++
				}
			}

			assert.Equal(t, 64, randomized)
		})
	}
}

func TestRandomizeLayoutEntropyRunsDry(t *testing.T) {
	req := testLayoutRequest(vmm.Sv39())

	for limit := 1; limit <= 8; limit++ {
		layout, err := RandomizeLayout(req, &xorshiftEntropy{state: 42, limit: limit})
		require.Nil(t, err)
		assertValidLayout(t, req, layout)
	}
}

func TestRandomizeLayoutTooLarge(t *testing.T) {
	req := testLayoutRequest(vmm.Sv39())
	req.PhysSize = 512 * mem.Gb
	_, err := RandomizeLayout(req, nil)
	assert.Equal(t, errLayoutTooLarge, err)

	req = testLayoutRequest(vmm.AMD64())
	req.ImageSize = kernelImageAreaSize
	_, err = RandomizeLayout(req, nil)
	assert.Equal(t, errLayoutTooLarge, err)
}
