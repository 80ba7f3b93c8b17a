package vmm

import (
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/cpu"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
)

// cr0PagingBit is CR0 bit 31 (PG); setting it turns on paging.
const cr0PagingBit = uint32(1 << 31)

// msrIA32PAT is the PAT MSR. Entry 1 (bits 8-15) is reprogrammed to the
// write-combining memory type so pages mapped with FlagWriteThroughCaching
// (PWT=1, PCD=0, PAT=0 selects slot 1) get WC instead of the default
// write-through behavior.
const msrIA32PAT = 0x277

const patEntry1Mask = uint64(0xFF) << 8
const patTypeWriteCombining = uint64(0x01) << 8

// kernelDirFrame is the physical frame backing the kernel's own page
// directory, recorded once by BuildKernelDirectory. CreateUserDir reads its
// low-window and kernel-half slots directly off this frame.
var kernelDirFrame pmm.Frame

// the following functions are mocked by tests and are automatically
// inlined by the compiler.
var (
	cpuidFn    = cpu.ID
	rdmsrFn    = cpu.Rdmsr
	wrmsrFn    = cpu.Wrmsr
	readCR0Fn  = cpu.ReadCR0
	writeCR0Fn = cpu.WriteCR0
)

func writeEntryAt(addr uintptr, frame pmm.Frame, flags PageTableEntryFlag) {
	var pte pageTableEntry
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | flags)
	*(*pageTableEntry)(unsafe.Pointer(addr)) = pte
}

func readEntryAt(addr uintptr) pageTableEntry {
	return *(*pageTableEntry)(unsafe.Pointer(addr))
}

// mapColdPage installs a single virt->phys translation into a page
// directory addressed directly through its physical frame, allocating a new
// page table for the covering directory slot if one isn't already present.
// It must only be used before paging is enabled or against directories
// reachable through the permanent low-64MiB identity map, since it never
// goes through the recursive self-map.
func mapColdPage(dirAddr, virt uintptr, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	dirIndex := (virt >> mem.DirShift) & mem.EntryMask
	tableIndex := (virt >> mem.TableShift) & mem.EntryMask
	dirEntryAddr := dirAddr + (dirIndex << mem.PointerShift)

	dirEntry := readEntryAt(dirEntryAddr)
	var tableAddr uintptr
	if dirEntry.HasFlags(FlagPresent) {
		tableAddr = dirEntry.Frame().Address()
	} else {
		tableFrame, err := allocFn()
		if err != nil {
			return err
		}
		tableAddr = tableFrame.Address()
		mem.Memset(tableAddr, 0, mem.PageSize)
		writeEntryAt(dirEntryAddr, tableFrame, FlagRW)
	}

	writeEntryAt(tableAddr+(tableIndex<<mem.PointerShift), frame, flags)
	return nil
}

// enablePAT reprograms PAT entry 1 to the write-combining memory type when
// the CPU reports both MSR and PAT support via CPUID leaf 1. A CPU without
// either feature is left with its default PAT layout.
func enablePAT() {
	_, _, _, edx := cpuidFn(1)
	const featMSR = 1 << 5
	const featPAT = 1 << 16
	if edx&featMSR == 0 || edx&featPAT == 0 {
		return
	}

	pat := rdmsrFn(msrIA32PAT)
	newPat := (pat &^ patEntry1Mask) | patTypeWriteCombining
	if newPat != pat {
		wrmsrFn(msrIA32PAT, newPat)
	}
}

// BuildKernelDirectory constructs the kernel's page directory from scratch
// and switches the CPU into paged mode: it identity-maps [0, 64MiB), maps
// the running kernel image at mem.KernelBase, pre-populates every
// kernel-half slot so the range [KernelHalfFirstSlot, KernelHalfLastSlot]
// always backs a page table before any user directory ever copies those
// slot values by reference, installs the self-map, loads CR3, and finally
// sets CR0.PG. It must run exactly once, before paging is enabled, since
// every table it builds is reached through its physical (== linear, with
// paging off) address rather than the recursive self-map the rest of this
// package relies on.
func BuildKernelDirectory(kernelStart, kernelEnd uintptr, allocFn FrameAllocatorFn) *kernel.Error {
	dirFrame, err := allocFn()
	if err != nil {
		return err
	}
	dirAddr := dirFrame.Address()
	mem.Memset(dirAddr, 0, mem.PageSize)

	// Identity-map [0, 64MiB): one page table per directory slot in
	// [0, LowWindowSlots).
	lowWindowPages := (mem.LowWindowEnd - mem.LowWindowBase) / uintptr(mem.PageSize)
	for i := uintptr(0); i < lowWindowPages; i++ {
		phys := mem.LowWindowBase + i*uintptr(mem.PageSize)
		if err := mapColdPage(dirAddr, phys, pmm.FrameFromAddress(phys), FlagRW, allocFn); err != nil {
			return err
		}
	}

	// Map the running kernel image at its high virtual address.
	for addr := kernelStart; addr < kernelEnd; addr += uintptr(mem.PageSize) {
		virt := mem.KernelBase + (addr - kernelStart)
		if err := mapColdPage(dirAddr, virt, pmm.FrameFromAddress(addr), FlagRW, allocFn); err != nil {
			return err
		}
	}

	// Self-map.
	writeEntryAt(dirAddr+(mem.RecursiveSlot<<mem.PointerShift), dirFrame, FlagRW)

	// Pre-populate every remaining kernel-half slot so the whole
	// [KernelHalfFirstSlot, KernelHalfLastSlot] range backs a real page
	// table the moment the first user directory copies these slot values.
	for dirIndex := uintptr(mem.KernelHalfFirstSlot); dirIndex <= mem.KernelHalfLastSlot; dirIndex++ {
		entryAddr := dirAddr + (dirIndex << mem.PointerShift)
		if readEntryAt(entryAddr).HasFlags(FlagPresent) {
			continue
		}
		tableFrame, err := allocFn()
		if err != nil {
			return err
		}
		mem.Memset(tableFrame.Address(), 0, mem.PageSize)
		writeEntryAt(entryAddr, tableFrame, FlagRW)
	}

	switchPDTFn(dirAddr)
	writeCR0Fn(readCR0Fn() | cr0PagingBit)
	enablePAT()

	kernelDirFrame = dirFrame
	return nil
}

// CreateUserDir allocates a zeroed page directory for a new user address
// space. Every present kernel low-window table (slots 0..LowWindowSlots) is
// cloned page-for-page with FlagUserAccessible cleared, keeping the low
// window kernel-only in user space. Every kernel-half slot
// (KernelHalfFirstSlot..KernelHalfLastSlot) is copied by value, so every
// process directory ends up pointing at the exact same underlying page
// table frames the kernel directory does, and any mapping added to the
// kernel half later becomes visible to every process. Slot RecursiveSlot is
// set to the new directory's own self-map.
//
// Both the kernel directory and every frame this function allocates live
// inside the permanently identity-mapped low 64MiB, so they're read and
// written through a raw physical pointer rather than the recursive mapping
// machinery the rest of this package relies on for an already-running
// address space.
func CreateUserDir(allocFn FrameAllocatorFn) (PageDirectoryTable, *kernel.Error) {
	var pdt PageDirectoryTable

	dirFrame, err := allocFn()
	if err != nil {
		return pdt, err
	}
	dirAddr := dirFrame.Address()
	mem.Memset(dirAddr, 0, mem.PageSize)

	kernelDirAddr := kernelDirFrame.Address()

	for slot := uintptr(0); slot < mem.LowWindowSlots; slot++ {
		srcEntry := readEntryAt(kernelDirAddr + (slot << mem.PointerShift))
		if !srcEntry.HasFlags(FlagPresent) {
			continue
		}

		newTableFrame, err := allocFn()
		if err != nil {
			return pdt, err
		}
		mem.Memcopy(srcEntry.Frame().Address(), newTableFrame.Address(), mem.PageSize)

		flags := (PageTableEntryFlag(srcEntry) &^ PageTableEntryFlag(ptePhysPageMask)) &^ FlagUserAccessible
		var destEntry pageTableEntry
		destEntry.SetFrame(newTableFrame)
		destEntry.SetFlags(flags)
		*(*pageTableEntry)(unsafe.Pointer(dirAddr + (slot << mem.PointerShift))) = destEntry
	}

	for slot := uintptr(mem.KernelHalfFirstSlot); slot <= mem.KernelHalfLastSlot; slot++ {
		offset := slot << mem.PointerShift
		*(*pageTableEntry)(unsafe.Pointer(dirAddr + offset)) = readEntryAt(kernelDirAddr + offset)
	}

	writeEntryAt(dirAddr+(mem.RecursiveSlot<<mem.PointerShift), dirFrame, FlagRW)

	pdt.pdtFrame = dirFrame
	return pdt, nil
}
