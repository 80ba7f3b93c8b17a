// Package pmm tracks which physical memory frames are free and hands out or
// reclaims them on request. It maintains a single flat bitmap spanning
// [0, maxPhysicalPage) rather than the pool-per-region split used by earlier
// allocator designs, matching the single contiguous address space this
// kernel targets.
package pmm

import (
	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/hal/multiboot"
	"github.com/softlab-csw012/orionOS-sub000/kernel/kfmt"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
)

// maxPages bounds the flat bitmap to 4GiB of physical address space (the
// maximum addressable by a 32-bit page frame number), matching the
// original_source allocator's MAX_PAGES.
const maxPages = 1024 * 1024

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "no free frames available"}

	// The following package-level vars are swapped out by tests to mock
	// calls into the multiboot package.
	visitMemRegionsFn = multiboot.VisitMemRegions
	visitModulesFn    = multiboot.VisitModules
	infoAddrRangeFn   = multiboot.InfoAddrRange
)

// Allocator implements a single flat-bitmap physical frame allocator.
type Allocator struct {
	bitmap [maxPages / 8]uint8

	maxPhysicalPage Frame

	totalMemory mem.Size
	freeMemory  mem.Size
}

// DefaultAllocator is the primary physical frame allocator used by the rest
// of the kernel once Init has been called.
var DefaultAllocator Allocator

func bitSet(bitmap []uint8, index Frame)   { bitmap[index/8] |= 1 << (index % 8) }
func bitClear(bitmap []uint8, index Frame) { bitmap[index/8] &^= 1 << (index % 8) }
func bitTest(bitmap []uint8, index Frame) bool {
	return bitmap[index/8]&(1<<(index%8)) != 0
}

func (alloc *Allocator) markUsed(f Frame) {
	if f < alloc.maxPhysicalPage {
		bitSet(alloc.bitmap[:], f)
	}
}

func (alloc *Allocator) markFree(f Frame) {
	if f < alloc.maxPhysicalPage {
		bitClear(alloc.bitmap[:], f)
	}
}

func (alloc *Allocator) findFreeFrame() Frame {
	for i := Frame(0); i < alloc.maxPhysicalPage; i++ {
		if !bitTest(alloc.bitmap[:], i) {
			return i
		}
	}
	return InvalidFrame
}

// ReserveRegion marks every frame overlapping the physical address range
// [start, end) as used, decrementing the free memory counter for any frame
// that was not already reserved. Addresses that fall past the known
// physical address space are silently ignored, mirroring
// original_source/mm/pmm.c's pmm_reserve_region.
func (alloc *Allocator) ReserveRegion(start, end uintptr) {
	startFrame := FrameFromAddress(start)
	endFrame := Frame((uintptr(end) + uintptr(mem.PageSize) - 1) / uintptr(mem.PageSize))

	for f := startFrame; f < endFrame && f < alloc.maxPhysicalPage; f++ {
		if !bitTest(alloc.bitmap[:], f) {
			alloc.freeMemory -= mem.PageSize
		}
		alloc.markUsed(f)
	}
}

// Init resets the allocator state, walks the multiboot memory map to
// discover usable RAM, and reserves the BIOS low-memory region, the kernel
// image, the multiboot info structure, and every loaded boot module.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	return DefaultAllocator.init(kernelStart, kernelEnd)
}

func (alloc *Allocator) init(kernelStart, kernelEnd uintptr) *kernel.Error {
	for i := range alloc.bitmap {
		alloc.bitmap[i] = 0xFF
	}

	alloc.totalMemory = 0
	alloc.freeMemory = 0
	alloc.maxPhysicalPage = 0

	kfmt.Printf("[pmm] parsing multiboot memory map\n")

	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		startFrame := FrameFromAddress(uintptr(region.PhysAddress))
		endFrame := Frame((region.PhysAddress + region.Length) / uint64(mem.PageSize))
		if endFrame > alloc.maxPhysicalPage {
			alloc.maxPhysicalPage = endFrame
		}

		for f := startFrame; f < endFrame && f < maxPages; f++ {
			alloc.markFree(f)
		}

		alloc.freeMemory += mem.Size(region.Length)
		alloc.totalMemory += mem.Size(region.Length)
		return true
	})

	// Protect the BIOS/real-mode region below 1MiB.
	alloc.ReserveRegion(0, 0x100000)

	// Protect the kernel image itself.
	alloc.ReserveRegion(kernelStart, kernelEnd)

	// Protect the multiboot info structure.
	infoStart, infoEnd := infoAddrRangeFn()
	alloc.ReserveRegion(infoStart, infoEnd)

	// Protect every boot module loaded alongside the kernel (e.g. the
	// RAM-resident filesystem image).
	visitModulesFn(func(mod *multiboot.Module) bool {
		alloc.ReserveRegion(uintptr(mod.Start), uintptr(mod.End))
		return true
	})

	alloc.printStats()
	return nil
}

func (alloc *Allocator) printStats() {
	kfmt.Printf(
		"[pmm] total: %dMB free: %dMB\n",
		uint64(alloc.totalMemory)/1024/1024,
		uint64(alloc.freeMemory)/1024/1024,
	)
}

// AllocFrame reserves and returns the next available physical frame. It
// returns errOutOfMemory if no free frame could be found.
func AllocFrame() (Frame, *kernel.Error) {
	return DefaultAllocator.AllocFrame()
}

// AllocFrame reserves and returns the next available physical frame from
// this allocator's bitmap.
func (alloc *Allocator) AllocFrame() (Frame, *kernel.Error) {
	frame := alloc.findFreeFrame()
	if !frame.IsValid() {
		return InvalidFrame, errOutOfMemory
	}

	alloc.markUsed(frame)
	alloc.freeMemory -= mem.PageSize
	return frame, nil
}

// FreeFrame releases a previously allocated frame back to the allocator.
// Freeing an already-free frame, or a frame outside the known physical
// address space, is a no-op.
func FreeFrame(f Frame) {
	DefaultAllocator.FreeFrame(f)
}

// FreeFrame releases a previously allocated frame back to this allocator.
func (alloc *Allocator) FreeFrame(f Frame) {
	if f >= alloc.maxPhysicalPage {
		return
	}

	if bitTest(alloc.bitmap[:], f) {
		alloc.markFree(f)
		alloc.freeMemory += mem.PageSize
	}
}

// TotalMemory returns the total amount of physical memory discovered during
// Init.
func (alloc *Allocator) TotalMemory() mem.Size { return alloc.totalMemory }

// FreeMemory returns the amount of physical memory not currently reserved
// or allocated.
func (alloc *Allocator) FreeMemory() mem.Size { return alloc.freeMemory }
