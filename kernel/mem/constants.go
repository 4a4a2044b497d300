package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for the supported architectures is defined as (1 << PointerShift).
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// MaxPhysAddrBits is the widest physical address supported by the
	// page table formats.
	MaxPhysAddrBits = 52

	// CanonicalBits is the virtual address width of a 4-level page table.
	CanonicalBits = 48
)
