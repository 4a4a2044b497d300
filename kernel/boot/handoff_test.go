package boot

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vmcore/kernel"
	"vmcore/kernel/mem"
)

func testInfo() Info {
	return Info{
		Regions: []MemoryRegion{
			{Base: 0, Length: 0x9fc00, Kind: Usable},
			{Base: 0x9fc00, Length: 0x400, Kind: Reserved},
			{Base: 0x100000, Length: 0x200000, Kind: Kernel},
			{Base: 0x300000, Length: 0x1000, Kind: BootloaderReclaimable},
			{Base: 0x301000, Length: 0x7cdf000, Kind: Usable},
		},
		Layout: VMLayout{
			PhysMemOffset: 0xffff800000000000,
			KernelBase:    0xffffffff80000000,
			HeapBase:      0xffffa00000000000,
			HeapSize:      64 * mem.Mb,
			StackBase:     0xffffc00000000000,
			StackSize:     64 * mem.Kb,
		},
		KernelStart: 0x100000,
		KernelEnd:   0x300000,
		Sections: []KernelSection{
			{Offset: 0, Size: 0x100000, Flags: SectionExecutable},
			{Offset: 0x100000, Size: 0x100000, Flags: SectionWritable},
		},
	}
}

func TestHandoffRoundTrip(t *testing.T) {
	info := testInfo()
	payload := EncodeHandoff(info)
	require.Len(t, payload, int(PayloadSize(info)))

	got, err := DecodeHandoff(payload)
	require.Nil(t, err)

	if diff := cmp.Diff(info, got); diff != "" {
		t.Fatalf("decoded info mismatch (-want +got):\n%s", diff)
	}

	// The decoded info must not alias the payload.
	payload[headerSize] = 0xff
	assert.Equal(t, mem.PhysAddr(0), got.Regions[0].Base)
}

func TestDecodeHandoffErrors(t *testing.T) {
	valid := EncodeHandoff(testInfo())
	le := binary.LittleEndian

	mutate := func(fn func([]byte)) []byte {
		data := append([]byte(nil), valid...)
		fn(data)
		return data
	}

	specs := []struct {
		descr  string
		data   []byte
		expErr *kernel.Error
	}{
		{"short header", valid[:10], errTruncated},
		{"bad magic", mutate(func(d []byte) { d[0] ^= 0xff }), errBadMagic},
		{"bad version", mutate(func(d []byte) { le.PutUint32(d[4:], 7) }), errBadVersion},
		{"too many regions", mutate(func(d []byte) { le.PutUint32(d[8:], MaxRegions+1) }), errTooManyRegions},
		{"too many sections", mutate(func(d []byte) { le.PutUint32(d[12:], MaxSections+1) }), errTooManySections},
		{"truncated regions", valid[:len(valid)-1], errTruncated},
		{"unknown kind", mutate(func(d []byte) { le.PutUint32(d[headerSize+16:], 99) }), errUnknownKind},
		{"overlapping regions", mutate(func(d []byte) { le.PutUint64(d[headerSize+regionSize:], 0x1000) }), errUnsortedRegions},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := DecodeHandoff(spec.data)
			assert.Equal(t, spec.expErr, err)
		})
	}
}

type byteMemory []byte

func (m byteMemory) Contains(addr mem.PhysAddr, size mem.Size) bool {
	return uint64(addr)+uint64(size) <= uint64(len(m))
}

func (m byteMemory) Bytes(addr mem.PhysAddr, size mem.Size) []byte {
	return m[addr : uint64(addr)+uint64(size)]
}

func TestReadHandoff(t *testing.T) {
	payload := EncodeHandoff(testInfo())
	physMem := make(byteMemory, 0x2000)
	copy(physMem[0x1000:], payload)

	info, err := readHandoff(physMem, 0x1000)
	require.Nil(t, err)
	assert.Len(t, info.Regions, 5)

	_, err = readHandoff(physMem, 0x1ff0)
	assert.Equal(t, errPayloadNotMapped, err)

	_, err = readHandoff(physMem[:0x1000+headerSize+regionSize], 0x1000)
	assert.Equal(t, errPayloadNotMapped, err)

	_, err = readHandoff(physMem, 0)
	assert.Equal(t, errBadMagic, err)
}
