// Package allocator implements the kernel's physical frame allocator: a
// binary buddy allocator fed by the boot memory map and wrapped by an
// interrupt-safe facade.
package allocator

import (
	"unsafe"

	"borealis/kernel"
	"borealis/kernel/hal/memmap"
	"borealis/kernel/mem"
	"borealis/kernel/mem/pmm"
)

const (
	// MaxOrder is the largest supported allocation order. A block of
	// order N spans 2^N contiguous frames so the largest block covers
	// 4 MiB of physical memory on a 4K-page system.
	MaxOrder = 10

	// listEnd terminates the intrusive free lists. Address zero can be a
	// valid frame address so an all-ones marker is used instead.
	listEnd = ^uintptr(0)
)

var (
	// ErrInvalidOrder is returned when the requested allocation order
	// lies outside 0..MaxOrder.
	ErrInvalidOrder = &kernel.Error{Module: "pmm_buddy", Message: "allocation order out of range"}

	// ErrOutOfMemory is returned when no free block large enough for the
	// requested order exists. Callers may retry with a smaller order.
	ErrOutOfMemory = &kernel.Error{Module: "pmm_buddy", Message: "out of memory"}

	// ErrCorruptionDetected is returned when a freed block fails
	// alignment or ownership validation. The free-list invariants can no
	// longer be trusted so callers must treat this error as fatal.
	ErrCorruptionDetected = &kernel.Error{Module: "pmm_buddy", Message: "frame state corruption detected"}
)

// zone tracks one frame-aligned stretch of allocatable physical memory
// carved out of a usable memory map region.
type zone struct {
	// start and end define the half-open address range of the zone.
	start, end uintptr
}

// BuddyAllocator tracks the free physical frames of every zone using one
// free list per allocation order. The lists are intrusive: the first machine
// word of each free block holds the address of the next free block of the
// same order, so no bookkeeping memory needs to exist before the allocator
// itself is up. That embedded link is only ever read while the block is on a
// free list; once a block is handed out, all of its memory belongs to the
// caller.
//
// The allocator is not safe for concurrent use. FrameAllocator wraps it in
// an IrqSpinlock and is the only type the rest of the kernel talks to.
type BuddyAllocator struct {
	// freeList holds the address of the first free block for each order.
	freeList [MaxOrder + 1]uintptr

	// freeCount tracks the number of free blocks per order. It allows
	// the allocation path to skip empty orders without touching the
	// embedded links.
	freeCount [MaxOrder + 1]uint32

	zones []zone

	// capacityFrames and freeFrames count whole frames; their difference
	// is the number of currently allocated frames.
	capacityFrames uint64
	freeFrames     uint64
}

// Init seeds the free lists with the usable zones of the supplied memory
// map. Each zone is clipped to frame boundaries and carved greedily into the
// largest naturally-aligned blocks that fit, so a fully-aligned zone enters
// the allocator as a handful of MaxOrder blocks.
func (a *BuddyAllocator) Init(m *memmap.Map) {
	for order := range a.freeList {
		a.freeList[order] = listEnd
	}

	frameSize := uintptr(mem.PageSize)
	for _, region := range m.Usable() {
		start := (uintptr(region.Base) + frameSize - 1) &^ (frameSize - 1)
		end := uintptr(region.End()) &^ (frameSize - 1)
		if start >= end {
			continue
		}

		a.zones = append(a.zones, zone{start: start, end: end})
		a.capacityFrames += uint64((end - start) >> mem.PageShift)
		a.carve(start, end)
	}

	a.freeFrames = a.capacityFrames
}

// carve splits [start, end) into the largest naturally-aligned blocks that
// fit at the current lower bound and pushes each one onto the free list for
// its order.
func (a *BuddyAllocator) carve(start, end uintptr) {
	for cur := start; cur < end; {
		order := MaxOrder
		for order > 0 {
			size := blockSize(order)
			if cur&(size-1) == 0 && cur+size <= end {
				break
			}
			order--
		}

		a.push(order, cur)
		cur += blockSize(order)
	}
}

// Allocate reserves a naturally-aligned block of 2^order contiguous frames
// and returns its first frame. When no block of the requested order is free,
// the smallest suitable larger block is split in half one level at a time,
// with each unused half entering the free list of its order. Allocation cost
// is therefore bounded by MaxOrder regardless of fragmentation.
func (a *BuddyAllocator) Allocate(order int) (pmm.Frame, *kernel.Error) {
	if order < 0 || order > MaxOrder {
		return pmm.InvalidFrame, ErrInvalidOrder
	}

	splitOrder := order
	for ; splitOrder <= MaxOrder; splitOrder++ {
		if a.freeCount[splitOrder] != 0 {
			break
		}
	}

	if splitOrder > MaxOrder {
		return pmm.InvalidFrame, ErrOutOfMemory
	}

	addr := a.pop(splitOrder)
	for ; splitOrder > order; splitOrder-- {
		a.push(splitOrder-1, addr+blockSize(splitOrder-1))
	}

	a.freeFrames -= uint64(1) << order
	return pmm.FrameFromAddress(addr), nil
}

// Free returns a previously-allocated block to the pool and eagerly merges
// it with its buddy at each order until the buddy is busy, the block reaches
// MaxOrder or the merged block would cross its zone boundary.
//
// Free validates the caller's claim before touching any list: a misaligned
// base, a block outside every zone, or a block that overlaps memory the
// allocator already considers free (a double free) yields
// ErrCorruptionDetected and leaves the allocator untouched.
func (a *BuddyAllocator) Free(frame pmm.Frame, order int) *kernel.Error {
	if order < 0 || order > MaxOrder {
		return ErrInvalidOrder
	}

	var (
		addr = frame.Address()
		size = blockSize(order)
	)

	if addr&(size-1) != 0 {
		return ErrCorruptionDetected
	}

	z := a.zoneOf(addr)
	if z == nil || addr+size > z.end {
		return ErrCorruptionDetected
	}

	if a.overlapsFreeBlock(addr, size) {
		return ErrCorruptionDetected
	}

	cur, curOrder := addr, order
	for curOrder < MaxOrder {
		buddy := cur ^ blockSize(curOrder)
		if buddy < z.start || buddy+blockSize(curOrder) > z.end {
			break
		}

		if !a.removeBlock(curOrder, buddy) {
			break
		}

		if buddy < cur {
			cur = buddy
		}
		curOrder++
	}

	a.push(curOrder, cur)
	a.freeFrames += uint64(1) << order
	return nil
}

// Stats captures a point-in-time snapshot of the allocator state.
type Stats struct {
	// FreeByOrder counts the free blocks (not frames) of each order.
	FreeByOrder [MaxOrder + 1]uint32

	// TotalFree and TotalCapacity count whole frames.
	TotalFree     uint64
	TotalCapacity uint64
}

// Stats returns the per-order free block counts and the frame totals.
func (a *BuddyAllocator) Stats() Stats {
	return Stats{
		FreeByOrder:   a.freeCount,
		TotalFree:     a.freeFrames,
		TotalCapacity: a.capacityFrames,
	}
}

// verify walks every free list and validates the buddy invariants: each
// free block is naturally aligned, fully contained in a zone and disjoint
// from every other free block, and the per-order counters agree with the
// frame accounting.
func (a *BuddyAllocator) verify() *kernel.Error {
	var frames uint64

	for order := 0; order <= MaxOrder; order++ {
		var (
			size  = blockSize(order)
			count uint32
		)

		for cur := a.freeList[order]; cur != listEnd; cur = nextOf(cur) {
			count++
			frames += uint64(1) << order

			if cur&(size-1) != 0 {
				return ErrCorruptionDetected
			}

			if z := a.zoneOf(cur); z == nil || cur+size > z.end {
				return ErrCorruptionDetected
			}

			if a.overlapsLaterBlock(order, cur) {
				return ErrCorruptionDetected
			}
		}

		if count != a.freeCount[order] {
			return ErrCorruptionDetected
		}
	}

	if frames != a.freeFrames || a.freeFrames > a.capacityFrames {
		return ErrCorruptionDetected
	}

	return nil
}

// push prepends a free block to the list of the given order, embedding the
// previous list head in the block's first word.
func (a *BuddyAllocator) push(order int, addr uintptr) {
	setNext(addr, a.freeList[order])
	a.freeList[order] = addr
	a.freeCount[order]++
}

// pop removes and returns the head block of the given order's list. The
// list must not be empty.
func (a *BuddyAllocator) pop(order int) uintptr {
	addr := a.freeList[order]
	a.freeList[order] = nextOf(addr)
	a.freeCount[order]--
	return addr
}

// removeBlock unlinks addr from the free list of the given order and
// returns false when the list does not contain it.
func (a *BuddyAllocator) removeBlock(order int, addr uintptr) bool {
	link := &a.freeList[order]
	for cur := *link; cur != listEnd; cur = *link {
		if cur == addr {
			*link = nextOf(cur)
			a.freeCount[order]--
			return true
		}

		link = (*uintptr)(unsafe.Pointer(cur))
	}

	return false
}

// zoneOf returns the zone containing addr, or nil when addr lies outside
// every zone handed to Init.
func (a *BuddyAllocator) zoneOf(addr uintptr) *zone {
	for i := range a.zones {
		if addr >= a.zones[i].start && addr < a.zones[i].end {
			return &a.zones[i]
		}
	}

	return nil
}

// overlapsFreeBlock reports whether [addr, addr+size) intersects any block
// currently present on a free list.
func (a *BuddyAllocator) overlapsFreeBlock(addr, size uintptr) bool {
	for order := 0; order <= MaxOrder; order++ {
		blockLen := blockSize(order)
		for cur := a.freeList[order]; cur != listEnd; cur = nextOf(cur) {
			if addr < cur+blockLen && cur < addr+size {
				return true
			}
		}
	}

	return false
}

// overlapsLaterBlock reports whether the block at addr intersects any free
// block that follows it in the verify() iteration order: the remainder of
// its own list plus the lists of all higher orders. Visiting each pair once
// keeps the integrity walk quadratic only in the number of free blocks.
func (a *BuddyAllocator) overlapsLaterBlock(order int, addr uintptr) bool {
	size := blockSize(order)

	for cur := nextOf(addr); cur != listEnd; cur = nextOf(cur) {
		if addr < cur+size && cur < addr+size {
			return true
		}
	}

	for other := order + 1; other <= MaxOrder; other++ {
		otherSize := blockSize(other)
		for cur := a.freeList[other]; cur != listEnd; cur = nextOf(cur) {
			if addr < cur+otherSize && cur < addr+size {
				return true
			}
		}
	}

	return false
}

// blockSize returns the size in bytes of a block of the given order.
func blockSize(order int) uintptr {
	return uintptr(mem.PageSize) << order
}

// nextOf reads the free-list link embedded in the first word of a free
// block. The link is only valid while the block sits on a free list.
func nextOf(addr uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(addr))
}

// setNext stores the free-list link into the first word of a free block.
func setNext(addr, next uintptr) {
	*(*uintptr)(unsafe.Pointer(addr)) = next
}
