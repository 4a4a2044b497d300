// Package physmem provides the machine's physical RAM. Physical address p
// corresponds to byte p of a host memory mapping; every access is bounds
// checked and an out-of-range access is treated as a fatal bus error.
package physmem

import (
	"encoding/binary"
	"unsafe"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
)

var (
	errBusError     = &kernel.Error{Module: "physmem", Message: "physical access outside installed memory", Kind: kernel.KindInvalidAddress}
	errMisaligned   = &kernel.Error{Module: "physmem", Message: "misaligned physical access", Kind: kernel.KindInvalidAddress}
	errInvalidSize  = &kernel.Error{Module: "physmem", Message: "memory size must be a non-zero multiple of the page size", Kind: kernel.KindInvalidArgument}
	errMapFailed    = &kernel.Error{Module: "physmem", Message: "unable to map backing memory", Kind: kernel.KindOutOfMemory}
	errAlreadyFreed = &kernel.Error{Module: "physmem", Message: "memory already released", Kind: kernel.KindUseAfterFree}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// Memory is the installed physical RAM of a machine.
type Memory struct {
	data []byte
}

// New installs size bytes of zeroed physical RAM.
func New(size mem.Size) (*Memory, *kernel.Error) {
	if size == 0 || !mem.IsAligned(uint64(size), uint64(mem.PageSize)) {
		return nil, errInvalidSize
	}

	data, err := mapRAM(int(size))
	if err != nil {
		kfmt.Module("physmem").WithError(err).Error("mmap failed")
		return nil, errMapFailed
	}

	return &Memory{data: data}, nil
}

// Close releases the backing memory.
func (m *Memory) Close() *kernel.Error {
	if m.data == nil {
		return errAlreadyFreed
	}

	if err := unmapRAM(m.data); err != nil {
		kfmt.Module("physmem").WithError(err).Error("munmap failed")
	}
	m.data = nil
	return nil
}

// Size returns the amount of installed memory.
func (m *Memory) Size() mem.Size { return mem.Size(len(m.data)) }

// Contains returns true if [addr, addr+size) is installed memory.
func (m *Memory) Contains(addr mem.PhysAddr, size mem.Size) bool {
	end := uint64(addr) + uint64(size)
	return end >= uint64(addr) && end <= uint64(len(m.data))
}

func (m *Memory) check(addr mem.PhysAddr, size mem.Size) bool {
	if !m.Contains(addr, size) {
		panicFn(errBusError)
		return false
	}
	return true
}

// ReadUint64 loads the little-endian 64-bit word at addr.
func (m *Memory) ReadUint64(addr mem.PhysAddr) uint64 {
	if !m.check(addr, 8) {
		return 0
	}
	return binary.LittleEndian.Uint64(m.data[addr:])
}

// WriteUint64 stores v as a little-endian 64-bit word at addr.
func (m *Memory) WriteUint64(addr mem.PhysAddr, v uint64) {
	if !m.check(addr, 8) {
		return
	}
	binary.LittleEndian.PutUint64(m.data[addr:], v)
}

// Zero clears size bytes starting at addr.
func (m *Memory) Zero(addr mem.PhysAddr, size mem.Size) {
	if !m.check(addr, size) {
		return
	}
	clear(m.data[addr : uint64(addr)+uint64(size)])
}

// Fill sets size bytes starting at addr to value.
func (m *Memory) Fill(addr mem.PhysAddr, size mem.Size, value byte) {
	if !m.check(addr, size) {
		return
	}
	region := m.data[addr : uint64(addr)+uint64(size)]
	for i := range region {
		region[i] = value
	}
}

// Bytes returns a view of size bytes starting at addr. Writes through the
// returned slice modify physical memory.
func (m *Memory) Bytes(addr mem.PhysAddr, size mem.Size) []byte {
	if !m.check(addr, size) {
		return nil
	}
	return m.data[addr : uint64(addr)+uint64(size) : uint64(addr)+uint64(size)]
}

// Words returns a view of count 64-bit words starting at the 8-byte aligned
// address addr.
func (m *Memory) Words(addr mem.PhysAddr, count int) []uint64 {
	if count == 0 {
		return nil
	}

	if !addr.IsAligned(8) {
		panicFn(errMisaligned)
		return nil
	}

	if !m.check(addr, mem.Size(count)<<mem.PointerShift) {
		return nil
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&m.data[addr])), count)
}
