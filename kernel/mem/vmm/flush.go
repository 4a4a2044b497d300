package vmm

import (
	"slices"

	"vmcore/kernel/mem"
)

// flushAllThreshold is the number of queued pages above which a MapFlusher
// performs a full TLB flush instead of per-page invalidations.
const flushAllThreshold = 16

// TLB is a translation cache invalidated by a MapFlusher. cpu.Core
// implements it.
type TLB interface {
	FlushTLBEntry(virtAddr mem.VirtAddr)
	FlushTLB()
}

// ShootdownFn returns the TLBs that must observe an invalidation. kernelHalf
// is true when at least one queued address belongs to the shared kernel half.
type ShootdownFn func(kernelHalf bool) []TLB

// MapFlusher batches the TLB invalidations caused by a sequence of mapping
// changes and applies them once. A MapFlusher is owned by a single batch;
// AddressSpace.Update creates one and always calls FlushAll when the batch
// ends.
type MapFlusher struct {
	targets    ShootdownFn
	pending    []mem.VirtAddr
	kernelHalf bool
	full       bool
}

// NewMapFlusher returns a flusher that invalidates the TLBs selected by targets.
func NewMapFlusher(targets ShootdownFn) *MapFlusher {
	return &MapFlusher{targets: targets}
}

// FlushSingle queues the page containing virt for invalidation.
func (f *MapFlusher) FlushSingle(virt mem.VirtAddr) {
	if IsKernelHalf(virt) {
		f.kernelHalf = true
	}

	if f.full {
		return
	}

	f.pending = append(f.pending, virt.AlignDown(mem.PageSize))
	if len(f.pending) > flushAllThreshold {
		f.full = true
		f.pending = f.pending[:0]
	}
}

// flushRange queues every page in [virt, virt+size).
func (f *MapFlusher) flushRange(virt mem.VirtAddr, size mem.Size) {
	if size > flushAllThreshold*mem.PageSize {
		if IsKernelHalf(virt) {
			f.kernelHalf = true
		}
		f.full = true
		f.pending = f.pending[:0]
		return
	}

	for offset := mem.Size(0); offset < size; offset += mem.PageSize {
		f.FlushSingle(virt.Add(offset))
	}
}

// Pending returns the number of queued pages.
func (f *MapFlusher) Pending() int { return len(f.pending) }

// FlushAll applies the queued invalidations to every target TLB. A full
// flush is performed when the queue overflowed or the queued pages do not
// form a single contiguous run; otherwise each page is invalidated.
func (f *MapFlusher) FlushAll() {
	if !f.full && len(f.pending) == 0 {
		return
	}

	pages := distinctPages(f.pending)
	full := f.full || !contiguous(pages)
	for _, tlb := range f.targets(f.kernelHalf) {
		if full {
			tlb.FlushTLB()
			continue
		}

		for _, virt := range pages {
			tlb.FlushTLBEntry(virt)
		}
	}

	f.pending = f.pending[:0]
	f.full = false
	f.kernelHalf = false
}

// distinctPages returns the queued pages sorted and without duplicates.
func distinctPages(pending []mem.VirtAddr) []mem.VirtAddr {
	pages := slices.Clone(pending)
	slices.Sort(pages)
	return slices.Compact(pages)
}

// contiguous returns true if the sorted pages form a single run.
func contiguous(pages []mem.VirtAddr) bool {
	for i := 1; i < len(pages); i++ {
		if pages[i] != pages[i-1].Add(mem.PageSize) {
			return false
		}
	}
	return true
}
