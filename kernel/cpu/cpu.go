// Package cpu models the per-core hardware state that the memory subsystem
// interacts with: the root page table register, the translation lookaside
// buffer and the halt instruction.
package cpu

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/mem"
	"vmcore/kernel/sync"
)

var errHalted = &kernel.Error{Module: "cpu", Message: "cpu halted"}

// Halt stops instruction execution on the calling core. On the hosted
// machine this unwinds the calling goroutine with reason as the panic value;
// a nil reason is replaced by a generic halt error. Halt never returns.
func Halt(reason error) {
	if reason == nil {
		reason = errHalted
	}
	panic(reason)
}

// TLBEntry is a cached translation for a single 4K virtual page.
type TLBEntry struct {
	// Frame is the physical address of the page frame.
	Frame mem.PhysAddr

	Writable  bool
	User      bool
	NoExecute bool

	// Dirty is set once the entry has been used for a write.
	Dirty bool

	// Global entries survive root page table switches.
	Global bool
}

// FlushStats counts the TLB maintenance operations executed by a core.
type FlushStats struct {
	SingleFlushes uint64
	FullFlushes   uint64
	RootSwitches  uint64
}

// Core is a simulated CPU core.
type Core struct {
	id int

	lock sync.Spinlock
	root mem.PhysAddr
	tlb  map[uint64]TLBEntry

	singleFlushes uint64
	fullFlushes   uint64
	rootSwitches  uint64
}

// NewCore returns a core with an empty TLB and a zero root register.
func NewCore(id int) *Core {
	return &Core{id: id, tlb: make(map[uint64]TLBEntry)}
}

// ID returns the core index.
func (c *Core) ID() int { return c.id }

// ActivePDT returns the physical address of the currently active page table.
func (c *Core) ActivePDT() mem.PhysAddr {
	c.lock.Acquire()
	defer c.lock.Release()
	return c.root
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes all non-global TLB entries.
func (c *Core) SwitchPDT(pdtPhysAddr mem.PhysAddr) {
	c.lock.Acquire()
	c.root = pdtPhysAddr
	for page, entry := range c.tlb {
		if !entry.Global {
			delete(c.tlb, page)
		}
	}
	c.lock.Release()
	atomic.AddUint64(&c.rootSwitches, 1)
}

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func (c *Core) FlushTLBEntry(virtAddr mem.VirtAddr) {
	c.lock.Acquire()
	delete(c.tlb, uint64(virtAddr)>>mem.PageShift)
	c.lock.Release()
	atomic.AddUint64(&c.singleFlushes, 1)
}

// FlushTLB flushes every TLB entry, including global ones.
func (c *Core) FlushTLB() {
	c.lock.Acquire()
	c.tlb = make(map[uint64]TLBEntry)
	c.lock.Release()
	atomic.AddUint64(&c.fullFlushes, 1)
}

// LookupTLB returns the cached translation for the page containing virtAddr.
func (c *Core) LookupTLB(virtAddr mem.VirtAddr) (TLBEntry, bool) {
	c.lock.Acquire()
	defer c.lock.Release()
	entry, ok := c.tlb[uint64(virtAddr)>>mem.PageShift]
	return entry, ok
}

// FillTLB caches a translation for the page containing virtAddr.
func (c *Core) FillTLB(virtAddr mem.VirtAddr, entry TLBEntry) {
	c.lock.Acquire()
	c.tlb[uint64(virtAddr)>>mem.PageShift] = entry
	c.lock.Release()
}

// TLBSize returns the number of cached translations.
func (c *Core) TLBSize() int {
	c.lock.Acquire()
	defer c.lock.Release()
	return len(c.tlb)
}

// Stats returns a snapshot of the core's flush counters.
func (c *Core) Stats() FlushStats {
	return FlushStats{
		SingleFlushes: atomic.LoadUint64(&c.singleFlushes),
		FullFlushes:   atomic.LoadUint64(&c.fullFlushes),
		RootSwitches:  atomic.LoadUint64(&c.rootSwitches),
	}
}
