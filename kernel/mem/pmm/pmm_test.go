package pmm

import (
	"testing"

	"github.com/softlab-csw012/orionOS-sub000/kernel/hal/multiboot"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
)

func mockRegions(regions []multiboot.MemoryMapEntry) func(multiboot.MemRegionVisitor) {
	return func(visitor multiboot.MemRegionVisitor) {
		for i := range regions {
			if !visitor(&regions[i]) {
				return
			}
		}
	}
}

func withTestHooks(t *testing.T, regions []multiboot.MemoryMapEntry, modules []multiboot.Module, infoStart, infoEnd uintptr) {
	t.Helper()

	origRegions, origModules, origInfo := visitMemRegionsFn, visitModulesFn, infoAddrRangeFn
	t.Cleanup(func() {
		visitMemRegionsFn = origRegions
		visitModulesFn = origModules
		infoAddrRangeFn = origInfo
	})

	visitMemRegionsFn = mockRegions(regions)
	visitModulesFn = func(visitor multiboot.ModuleVisitor) {
		for i := range modules {
			if !visitor(&modules[i]) {
				return
			}
		}
	}
	infoAddrRangeFn = func() (uintptr, uintptr) { return infoStart, infoEnd }
}

func TestInitReservesKernelAndInfoRegions(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 16 * uint64(mem.PageSize) * 1024, Type: multiboot.MemAvailable},
	}
	withTestHooks(t, regions, nil, 0x200000, 0x201000)

	var alloc Allocator
	if err := alloc.init(0x100000, 0x110000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if alloc.maxPhysicalPage == 0 {
		t.Fatal("expected maxPhysicalPage to be set from the memory map")
	}

	// The low 1MiB BIOS region must always be reserved.
	if !bitTest(alloc.bitmap[:], 0) {
		t.Fatal("expected frame 0 to be reserved")
	}

	kernelFrame := FrameFromAddress(0x100000)
	if !bitTest(alloc.bitmap[:], kernelFrame) {
		t.Fatal("expected kernel frame to be reserved")
	}

	infoFrame := FrameFromAddress(0x200000)
	if !bitTest(alloc.bitmap[:], infoFrame) {
		t.Fatal("expected multiboot info frame to be reserved")
	}
}

func TestInitReservesModules(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 16 * uint64(mem.PageSize) * 1024, Type: multiboot.MemAvailable},
	}
	modules := []multiboot.Module{
		{Start: 0x300000, End: 0x301000},
	}
	withTestHooks(t, regions, modules, 0x200000, 0x200000)

	var alloc Allocator
	if err := alloc.init(0x100000, 0x110000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	modFrame := FrameFromAddress(0x300000)
	if !bitTest(alloc.bitmap[:], modFrame) {
		t.Fatal("expected module frame to be reserved")
	}
}

func TestAllocFreeRoundTrip(t *testing.T) {
	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0x100000, Length: 16 * uint64(mem.PageSize), Type: multiboot.MemAvailable},
	}
	withTestHooks(t, regions, nil, 0, 0)

	var alloc Allocator
	if err := alloc.init(0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	freeBefore := alloc.FreeMemory()

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := alloc.FreeMemory(); got != freeBefore-mem.PageSize {
		t.Fatalf("expected free memory to drop by one page; got %d want %d", got, freeBefore-mem.PageSize)
	}

	alloc.FreeFrame(frame)
	if got := alloc.FreeMemory(); got != freeBefore {
		t.Fatalf("expected free memory to be restored after free; got %d want %d", got, freeBefore)
	}

	// Freeing an already-free frame must be a no-op.
	alloc.FreeFrame(frame)
	if got := alloc.FreeMemory(); got != freeBefore {
		t.Fatalf("expected double-free to be a no-op; got %d want %d", got, freeBefore)
	}
}

func TestAllocFrameOutOfMemory(t *testing.T) {
	withTestHooks(t, nil, nil, 0, 0)

	var alloc Allocator
	if err := alloc.init(0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := alloc.AllocFrame(); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory; got %v", err)
	}
}

func TestReserveRegionIgnoresOutOfRangeAddresses(t *testing.T) {
	withTestHooks(t, nil, nil, 0, 0)

	var alloc Allocator
	if err := alloc.init(0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// maxPhysicalPage is 0 here; ReserveRegion must not panic or touch
	// the bitmap out of bounds.
	alloc.ReserveRegion(0, uintptr(mem.PageSize)*10)
}
