package kmain

import (
	"encoding/binary"
	"runtime"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"borealis/kernel/hal/memmap"
	"borealis/kernel/hal/multiboot"
	"borealis/kernel/mem"
)

// buildBootInfo assembles a multiboot2 info section holding a memory map tag
// (tag type 6) with the given entries, backed by 8-byte aligned memory.
func buildBootInfo(entries []multiboot.MemoryMapEntry) ([]uint64, uintptr) {
	const (
		headerLen  = 8
		tagHdrLen  = 8
		mmapHdrLen = 8
		entryLen   = 24
		endTagLen  = 8
	)

	totalSize := headerLen + tagHdrLen + mmapHdrLen + len(entries)*entryLen + endTagLen
	backing := make([]uint64, (totalSize+7)/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), totalSize)

	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(totalSize))

	off := headerLen
	le.PutUint32(buf[off:], 6) // memory map tag
	le.PutUint32(buf[off+4:], uint32(tagHdrLen+mmapHdrLen+len(entries)*entryLen))
	off += tagHdrLen

	le.PutUint32(buf[off:], entryLen)
	le.PutUint32(buf[off+4:], 0)
	off += mmapHdrLen

	for _, entry := range entries {
		le.PutUint64(buf[off:], entry.PhysAddress)
		le.PutUint64(buf[off+8:], entry.Length)
		le.PutUint32(buf[off+16:], uint32(entry.Type))
		off += entryLen
	}

	le.PutUint32(buf[off:], 0) // end tag
	le.PutUint32(buf[off+4:], endTagLen)

	return backing, uintptr(unsafe.Pointer(&backing[0]))
}

func TestBootMemoryMapWithholdsKernelImage(t *testing.T) {
	const page = uint64(mem.PageSize)

	backing, ptr := buildBootInfo([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 160 * page, Type: multiboot.MemAvailable},
		{PhysAddress: 160 * page, Length: 32 * page, Type: multiboot.MemReserved},
		{PhysAddress: 192 * page, Length: 64 * page, Type: multiboot.MemAvailable},
	})
	multiboot.SetInfoPtr(ptr)
	defer multiboot.SetInfoPtr(0)

	// The kernel image sits in the middle of the first available region
	// and must be carved out of the usable set.
	m, err := bootMemoryMap(uintptr(64*page), uintptr(96*page))
	require.Nil(t, err)

	exp := []memmap.Region{
		{Base: 0, Length: 64 * page, Kind: memmap.RegionUsable},
		{Base: 96 * page, Length: 64 * page, Kind: memmap.RegionUsable},
		{Base: 192 * page, Length: 64 * page, Kind: memmap.RegionUsable},
	}
	assert.Equal(t, exp, m.Usable())
	assert.Equal(t, mem.Size(192*page), m.TotalUsable())

	runtime.KeepAlive(backing)
}

func TestBootMemoryMapRejectsMalformedFirmwareMap(t *testing.T) {
	const page = uint64(mem.PageSize)

	backing, ptr := buildBootInfo([]multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 64 * page, Type: multiboot.MemAvailable},
		{PhysAddress: 32 * page, Length: 64 * page, Type: multiboot.MemReserved},
	})
	multiboot.SetInfoPtr(ptr)
	defer multiboot.SetInfoPtr(0)

	m, err := bootMemoryMap(0, uintptr(page))
	require.Nil(t, m)
	require.Equal(t, memmap.ErrRegionOverlap, err)

	runtime.KeepAlive(backing)
}
