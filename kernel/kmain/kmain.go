// Package kmain contains the kernel bootstrap sequence that runs after the
// platform rt0 code has switched to Go.
package kmain

import (
	"io"

	"borealis/kernel"
	"borealis/kernel/cpu"
	"borealis/kernel/hal/memmap"
	"borealis/kernel/hal/multiboot"
	"borealis/kernel/kfmt"
	"borealis/kernel/mem/pmm/allocator"
)

// Kmain is invoked by the platform rt0 code with the multiboot info pointer
// handed over by the bootloader and the physical extent of the loaded kernel
// image. It brings up the physical memory manager and does not return.
//
// The frame allocator is constructed here and handed by reference to each
// subsystem that needs physical frames, keeping the initialization order
// explicit.
func Kmain(console io.Writer, multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	kfmt.SetOutputSink(console)

	w := &kfmt.PrefixWriter{Sink: console, Prefix: []byte("[boot] ")}
	kfmt.Fprintf(w, "starting borealis\n")

	multiboot.SetInfoPtr(multibootInfoPtr)

	m, err := bootMemoryMap(kernelStart, kernelEnd)
	if err != nil {
		kfmt.Panic(err)
	}

	var frameAllocator allocator.FrameAllocator
	frameAllocator.Init(m)

	if err = frameAllocator.VerifyIntegrity(); err != nil {
		kfmt.Panic(err)
	}

	stats := frameAllocator.Stats()
	kfmt.Fprintf(w, "%d of %d frames available\n", stats.TotalFree, stats.TotalCapacity)

	cpu.Halt()
}

// bootMemoryMap normalizes the bootloader-reported memory map, withholding
// the range occupied by the kernel image. multiboot.SetInfoPtr must have
// been invoked before this runs.
func bootMemoryMap(kernelStart, kernelEnd uintptr) (*memmap.Map, *kernel.Error) {
	return memmap.New(multiboot.MemRegions(), []memmap.Range{
		{Base: uint64(kernelStart), Length: uint64(kernelEnd - kernelStart)},
	})
}
