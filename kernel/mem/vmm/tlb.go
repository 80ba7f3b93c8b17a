package vmm

import "github.com/softlab-csw012/orionOS-sub000/kernel/cpu"

// flushTLBEntry flushes a TLB entry for a particular virtual address.
func flushTLBEntry(virtAddr uintptr) { cpu.FlushTLBEntry(virtAddr) }

// switchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func switchPDT(pdtPhysAddr uintptr) { cpu.SwitchPDT(pdtPhysAddr) }

// activePDT returns the physical address of the currently active page table.
func activePDT() uintptr { return cpu.ActivePDT() }
