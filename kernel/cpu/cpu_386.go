// +build 386

package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR0 returns the value stored in the CR0 register.
func ReadCR0() uint32

// WriteCR0 loads a new value into the CR0 register.
func WriteCR0(val uint32)

// ReadCR2 returns the value stored in the CR2 register. CR2 holds the
// faulting linear address after a page fault.
func ReadCR2() uint32

// ReadCR3 returns the value stored in the CR3 register (the physical
// address of the currently active page directory).
func ReadCR3() uint32

// ReadCR4 returns the value stored in the CR4 register.
func ReadCR4() uint32

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// Rdmsr reads the model-specific register identified by ecx and returns its
// value as (edx<<32 | eax).
func Rdmsr(ecx uint32) uint64

// Wrmsr writes val to the model-specific register identified by ecx.
func Wrmsr(ecx uint32, val uint64)

// Inb reads a single byte from the given I/O port.
func Inb(port uint16) uint8

// Outb writes a single byte to the given I/O port.
func Outb(port uint16, val uint8)

// IOWait performs a throwaway write to an unused port, giving slow legacy
// devices time to process the previous I/O operation.
func IOWait()

// Lgdt loads the global descriptor table pointed to by the 6-byte pseudo
// descriptor at ptr and reloads the segment registers.
func Lgdt(ptr uintptr)

// Lidt loads the interrupt descriptor table pointed to by the 6-byte pseudo
// descriptor at ptr.
func Lidt(ptr uintptr)

// Ltr loads the task register with the given GDT selector.
func Ltr(selector uint16)
