// +build 386

package vmm

import "github.com/softlab-csw012/orionOS-sub000/kernel/mem"

const (
	// pageLevels indicates the number of page table levels used by the
	// 386 architecture's paging scheme: a page directory and a page
	// table.
	pageLevels = 2

	// ptePhysPageMask extracts the physical frame address (bits 12-31)
	// encoded in a page table entry.
	ptePhysPageMask = uintptr(0xFFFFF000)

	// tempMappingAddr is a reserved virtual page used for temporary
	// physical page mappings (e.g. when mapping an inactive page
	// directory). It sits directory slot 1022, table slot 1023 -- one
	// page below the recursive table window.
	tempMappingAddr = uintptr(0xFFBFF000)
)

var (
	// pdtVirtualAddr exploits the recursive self-map installed in the
	// last page directory entry (slot 1023): setting both the directory
	// and table index bits of a virtual address to all-ones makes the
	// MMU's own page-walk land back on the page directory itself, giving
	// us a live, mutable view of it at a fixed virtual address.
	pdtVirtualAddr = mem.RecursiveDirAddr

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. The 386 architecture uses 10 bits
	// per level, giving 1024 entries per table.
	pageLevelBits = [pageLevels]uint8{10, 10}

	// pageLevelShifts defines the shift required to extract each page
	// table component from a virtual address.
	pageLevelShifts = [pageLevels]uint8{mem.DirShift, mem.TableShift}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set when using 4Mb pages instead of 4K pages. Not
	// used by this kernel but kept for parity with the page table
	// entry format; Map rejects it via errNoHugePageSupport.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagCopyOnWrite is used to implement copy-on-write functionality. This
	// flag and FlagRW are mutually exclusive. Bit 9 is available for OS use
	// in the native page table entry format.
	FlagCopyOnWrite = 1 << 9
)
