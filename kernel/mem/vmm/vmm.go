package vmm

import (
	"unsafe"

	"golang.org/x/arch/x86/x86asm"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/cpu"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/kfmt"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
)

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn                = kernel.Panic
	handleExceptionFn      = irq.HandleException
	readCR2Fn              = cpu.ReadCR2
	translateForDecodeFn   = Translate
	readInstructionBytesFn = readInstructionBytes
	buildKernelDirectoryFn = BuildKernelDirectory
)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

func pageFaultHandler(frame *irq.Frame) {
	var (
		faultAddress = uintptr(readCR2Fn())
		faultPage    = PageFromAddress(faultAddress)
		pageEntry    *pageTableEntry
	)

	// Lookup entry for the page where the fault occurred
	walk(faultPage.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)

		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}

		// Abort walk if the next page table entry is missing
		return nextIsPresent
	})

	// CoW is supported for RO pages with the CoW flag set
	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		var (
			copyFrame pmm.Frame
			tmpPage   Page
			err       *kernel.Error
		)

		if copyFrame, err = frameAllocator(); err != nil {
			nonRecoverablePageFault(faultAddress, frame, err)
		} else if tmpPage, err = mapTemporaryFn(copyFrame, frameAllocator); err != nil {
			nonRecoverablePageFault(faultAddress, frame, err)
		} else {
			// Copy page contents, mark as RW and remove CoW flag
			mem.Memcopy(faultPage.Address(), tmpPage.Address(), mem.PageSize)
			unmapFn(tmpPage)

			// Update mapping to point to the new frame, flag it as RW and
			// remove the CoW flag
			pageEntry.ClearFlags(FlagCopyOnWrite)
			pageEntry.SetFlags(FlagPresent | FlagRW)
			pageEntry.SetFrame(copyFrame)
			flushTLBEntryFn(faultPage.Address())

			// Fault recovered; retry the instruction that caused the fault
			return
		}
	}

	nonRecoverablePageFault(faultAddress, frame, nil)
}

func nonRecoverablePageFault(faultAddress uintptr, frame *irq.Frame, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case frame.ErrorCode == 0:
		kfmt.Printf("read from non-present page")
	case frame.ErrorCode == 1:
		kfmt.Printf("page protection violation (read)")
	case frame.ErrorCode == 2:
		kfmt.Printf("write to non-present page")
	case frame.ErrorCode == 3:
		kfmt.Printf("page protection violation (write)")
	case frame.ErrorCode == 4:
		kfmt.Printf("page-fault in user-mode")
	case frame.ErrorCode == 8:
		kfmt.Printf("page table has reserved bit set")
	case frame.ErrorCode == 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	frame.Print()

	panicFn(err)
}

// privilegedOpcodeNames maps the x86 opcodes a user-mode process is never
// allowed to execute to a human-readable name for the GPF diagnostic. These
// are exactly the privileged instructions classified by name when a user
// process faults attempting them.
var privilegedOpcodeNames = map[x86asm.Op]string{
	x86asm.HLT: "HLT",
	x86asm.CLI: "CLI",
	x86asm.STI: "STI",
	x86asm.IN:  "IN",
	x86asm.OUT: "OUT",
}

// readInstructionBytes copies up to n bytes of user memory starting at
// virtAddr via its mapped physical address so the decoder can inspect the
// faulting instruction without trusting the raw virtual pointer.
func readInstructionBytes(virtAddr uintptr, n int) ([]byte, *kernel.Error) {
	physAddr, err := translateForDecodeFn(virtAddr)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, n)
	mem.Memcopy(physAddr, uintptr(unsafe.Pointer(&buf[0])), mem.Size(n))
	return buf, nil
}

// decodePrivilegedOpcode disassembles the instruction at the faulting EIP and
// returns its name if it is one of the privileged opcodes a user-mode
// process is forbidden from executing, or "" if decoding fails or the
// instruction is not one we classify.
func decodePrivilegedOpcode(eip uintptr) string {
	code, err := readInstructionBytesFn(eip, 16)
	if err != nil {
		return ""
	}

	inst, decErr := x86asm.Decode(code, 32)
	if decErr != nil {
		return ""
	}

	return privilegedOpcodeNames[inst.Op]
}

func generalProtectionFaultHandler(frame *irq.Frame) {
	kfmt.Printf("\nGeneral protection fault at EIP: 0x%8x\n", frame.EIP)

	if frame.IsUserMode() {
		if name := decodePrivilegedOpcode(uintptr(frame.EIP)); name != "" {
			kfmt.Printf("privileged instruction: %s\n", name)
		}
	}

	kfmt.Printf("Registers:\n")
	frame.Print()

	panicFn(nil)
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage Page
	)

	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame, frameAllocator); err != nil {
		return err
	}
	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}

// Init builds the kernel's page directory, identity-maps the low 64MiB,
// maps the kernel image at its high virtual address, installs the
// recursive self-map, loads CR3 and enables paging via BuildKernelDirectory,
// then reserves the zeroed CoW frame and installs the page-fault/GPF
// exception handlers. allocFn is registered as the package's frame
// allocator for the lifetime of the kernel.
func Init(kernelStart, kernelEnd uintptr, allocFn FrameAllocatorFn) *kernel.Error {
	SetFrameAllocator(allocFn)

	if err := buildKernelDirectoryFn(kernelStart, kernelEnd, allocFn); err != nil {
		return err
	}

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}
