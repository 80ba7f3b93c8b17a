// +build 386

package mem

// Constants describing the fixed virtual address layout of a 32-bit address
// space. A page directory has 1024 entries, each covering a 4 MiB region
// (1024 page-table entries * 4 KiB pages); a page table has 1024 entries,
// each covering one 4 KiB page.
const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). A page table
	// entry is one 32-bit word on this architecture.
	PointerShift = 2

	// DirShift converts a virtual address into a page-directory index when
	// shifted right by this amount and masked with EntryMask.
	DirShift = 22

	// TableShift converts a virtual address into a page-table index when
	// shifted right by this amount and masked with EntryMask.
	TableShift = PageShift

	// EntryMask isolates the 10 bits that index into a directory or table.
	EntryMask = 0x3FF

	// EntriesPerTable is the number of entries in a page directory or
	// page table.
	EntriesPerTable = 1024

	// LowWindowBase and LowWindowEnd bound the identity-mapped low window
	// used for the kernel image and early driver MMIO.
	LowWindowBase = uintptr(0x00000000)
	LowWindowEnd  = uintptr(0x04000000)

	// UserBase and UserTop bound the address range available to user-mode
	// images and stacks.
	UserBase = uintptr(0x08000000)
	UserTop  = uintptr(0xBFFFFFFF)

	// UserStackTop is the highest address of a user stack; stacks grow down
	// from this address.
	UserStackTop = uintptr(0xBFF00000)

	// KernelBase is the virtual address of the high kernel mapping.
	KernelBase = uintptr(0xC0000000)

	// HeapBase and HeapEnd bound the default kernel heap range.
	HeapBase = uintptr(0xC1000000)
	HeapEnd  = uintptr(0xC5000000)

	// RecursiveTableBase is the start of the recursive page-table window:
	// RecursiveTableBase + dirIndex*PageSize maps page table dirIndex of
	// the currently loaded page directory.
	RecursiveTableBase = uintptr(0xFFC00000)

	// RecursiveDirAddr is the virtual address at which the currently
	// loaded page directory maps itself (via its own recursive slot).
	RecursiveDirAddr = uintptr(0xFFFFF000)

	// RecursiveSlot is the page-directory slot (1023) used for the
	// recursive self-map.
	RecursiveSlot = 1023

	// KernelHalfFirstSlot and KernelHalfLastSlot bound the directory
	// slots (768..1022 inclusive) shared by reference across every
	// address space.
	KernelHalfFirstSlot = 768
	KernelHalfLastSlot  = 1022

	// LowWindowSlots is the number of directory slots (0..15) copied by
	// value, with the USER bit cleared, into every new user directory.
	LowWindowSlots = 16
)
