package allocator

import (
	"borealis/kernel"
	"borealis/kernel/hal/memmap"
	"borealis/kernel/kfmt"
	"borealis/kernel/mem"
	"borealis/kernel/mem/pmm"
	"borealis/kernel/sync"
)

var (
	// The following functions are mocked by tests to interleave simulated
	// interrupt deliveries with allocator calls and are automatically
	// inlined by the compiler.
	lockFn   = (*sync.IrqSpinlock).Acquire
	unlockFn = (*sync.IrqSpinlock).Release
)

// FrameAllocator is the kernel-wide entry point for physical frame
// allocations. It serializes access to the buddy allocator with an
// interrupt-safe spinlock, making Allocate and Free callable from both task
// and interrupt context.
//
// The zero value is unusable; Init must run first.
type FrameAllocator struct {
	mu    sync.IrqSpinlock
	buddy BuddyAllocator
}

// Init seeds the allocator with the usable zones of the supplied memory map
// and logs the resulting layout. It must complete before the allocator is
// shared with other subsystems or interrupt handlers and therefore does not
// take the lock.
func (f *FrameAllocator) Init(m *memmap.Map) {
	f.buddy.Init(m)
	f.printMemoryMap(m)
}

// Allocate reserves a naturally-aligned block of 2^order contiguous frames
// and returns its first frame.
func (f *FrameAllocator) Allocate(order int) (pmm.Frame, *kernel.Error) {
	lockFn(&f.mu)
	frame, err := f.buddy.Allocate(order)
	unlockFn(&f.mu)

	return frame, err
}

// AllocateZeroed behaves like Allocate but scrubs the block before returning
// it. The scrub happens outside the critical section so the lock is not held
// while writing up to 4 MiB of memory.
func (f *FrameAllocator) AllocateZeroed(order int) (pmm.Frame, *kernel.Error) {
	frame, err := f.Allocate(order)
	if err != nil {
		return pmm.InvalidFrame, err
	}

	kernel.Memset(frame.Address(), 0, blockSize(order))
	return frame, nil
}

// Free returns a block previously obtained from Allocate back to the pool.
// The order must match the one used for the allocation.
func (f *FrameAllocator) Free(frame pmm.Frame, order int) *kernel.Error {
	lockFn(&f.mu)
	err := f.buddy.Free(frame, order)
	unlockFn(&f.mu)

	return err
}

// Stats returns a consistent snapshot of the allocator state.
func (f *FrameAllocator) Stats() Stats {
	lockFn(&f.mu)
	stats := f.buddy.Stats()
	unlockFn(&f.mu)

	return stats
}

// VerifyIntegrity re-checks the allocator's internal invariants and returns
// ErrCorruptionDetected when any of them no longer holds. It walks every
// free list while holding the lock so it should only run from debug paths.
func (f *FrameAllocator) VerifyIntegrity() *kernel.Error {
	lockFn(&f.mu)
	err := f.buddy.verify()
	unlockFn(&f.mu)

	return err
}

func (f *FrameAllocator) printMemoryMap(m *memmap.Map) {
	kfmt.Printf("[pmm] physical memory map:\n")
	m.Visit(func(region *memmap.Region) bool {
		kfmt.Printf("\t[0x%16x - 0x%16x], size: %10d, type: %s\n",
			region.Base, region.End(), region.Length, region.Kind.String())
		return true
	})

	kfmt.Printf("[pmm] allocatable memory: %dKb (%d frames)\n",
		uint64(m.TotalUsable()/mem.Kb), f.buddy.capacityFrames)
}
