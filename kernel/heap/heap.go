// Package heap implements the kernel's dynamic memory allocator: a single
// first-fit free list carved out of a lazily-committed virtual address
// range. Unlike a user-space allocator it cannot rely on the Go runtime's
// own heap (there isn't one at this layer), so blocks are tracked by
// reinterpreting raw addresses as *blockHeader values, the same way the vmm
// package reinterprets raw addresses as page table entries.
package heap

import (
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/vmm"
)

// minSplitSize is the smallest payload worth carving a new free block for;
// remainders below this are left attached to the block being split.
const minSplitSize = 8

// blockHeader precedes every allocated or free payload in the heap. It is
// never read or written through a Go pointer of its own type; instead its
// address is computed and reinterpreted via headerAt/payloadOf below.
type blockHeader struct {
	size uintptr
	next uintptr
	prev uintptr
	free uint32
}

var headerSize = unsafe.Sizeof(blockHeader{})

var (
	heapBase      uintptr
	heapCurr      uintptr
	heapCommitEnd uintptr
	heapEnd       uintptr

	headBlock uintptr
	tailBlock uintptr

	errOutOfMemory   = &kernel.Error{Module: "heap", Message: "heap address range exhausted"}
	errZeroSizeAlloc = &kernel.Error{Module: "heap", Message: "allocation size must be non-zero"}

	// mapRangeAllocFn and frameAllocFn are swapped out by tests.
	mapRangeAllocFn = vmm.MapRangeAlloc
	frameAllocFn    = pmm.AllocFrame
)

func headerAt(addr uintptr) *blockHeader { return (*blockHeader)(unsafe.Pointer(addr)) }

func blockEnd(addr uintptr, b *blockHeader) uintptr { return addr + headerSize + b.size }

func blocksAdjacent(aAddr uintptr, a *blockHeader, bAddr uintptr) bool {
	return blockEnd(aAddr, a) == bAddr
}

func alignUp(val, align uintptr) uintptr {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}

func normalizeAlign(align uintptr) uintptr {
	if align < 2 {
		return 0
	}
	if align&(align-1) != 0 {
		p := uintptr(1)
		for p < align {
			p <<= 1
		}
		align = p
	}
	if align < 4 {
		align = 4
	}
	return align
}

// Init prepares the heap to serve allocations out of [base, end). A zero
// base or end selects the kernel's default heap range (mem.HeapBase,
// mem.HeapEnd). The first page of the range is committed immediately so the
// allocator always has somewhere to place its first block.
func Init(base, end uintptr) *kernel.Error {
	if base == 0 {
		base = mem.HeapBase
	}
	if end == 0 {
		end = mem.HeapEnd
	}

	heapBase = base
	heapEnd = end
	heapCurr = base
	heapCommitEnd = base
	headBlock = 0
	tailBlock = 0

	return commitTo(base + 1)
}

// commitTo extends the mapped portion of the heap so that [heapCommitEnd,
// needEnd) is backed by real physical frames, allocating and mapping one
// frame at a time via vmm.MapRangeAlloc.
func commitTo(needEnd uintptr) *kernel.Error {
	newCommitEnd := (needEnd + mem.PageSize - 1) &^ (mem.PageSize - 1)
	if newCommitEnd <= heapCommitEnd {
		return nil
	}

	pageCount := int((newCommitEnd - heapCommitEnd) / mem.PageSize)
	startPage := vmm.PageFromAddress(heapCommitEnd)
	if err := mapRangeAllocFn(startPage, pageCount, vmm.FlagPresent|vmm.FlagRW, frameAllocFn); err != nil {
		return err
	}

	heapCommitEnd = newCommitEnd
	return nil
}

func splitBlock(addr uintptr, b *blockHeader, size uintptr) {
	if b.size <= size {
		return
	}

	remaining := b.size - size
	if remaining < headerSize+minSplitSize {
		return
	}

	nextAddr := addr + headerSize + size
	next := headerAt(nextAddr)
	next.size = remaining - headerSize
	next.free = 1
	next.prev = addr
	next.next = b.next

	if b.next != 0 {
		headerAt(b.next).prev = nextAddr
	}
	b.next = nextAddr

	if tailBlock == addr {
		tailBlock = nextAddr
	}

	b.size = size
}

// blockCanFit reports whether block addr can host size bytes at the given
// alignment, returning the header address the payload would start at.
func blockCanFit(addr uintptr, b *blockHeader, size, align uintptr) (uintptr, bool) {
	payload := addr + headerSize
	alignedPayload := payload
	if align != 0 {
		alignedPayload = alignUp(payload, align)
	}
	alignedHeader := alignedPayload - headerSize
	end := blockEnd(addr, b)

	if alignedPayload+size > end {
		return 0, false
	}

	leading := alignedHeader - addr
	if leading != 0 && leading < headerSize+minSplitSize {
		return 0, false
	}

	return alignedHeader, true
}

func findFreeBlock(size, align uintptr) (uintptr, uintptr, bool) {
	for cur := headBlock; cur != 0; cur = headerAt(cur).next {
		b := headerAt(cur)
		if b.free == 0 {
			continue
		}
		if hdr, ok := blockCanFit(cur, b, size, align); ok {
			return cur, hdr, true
		}
	}
	return 0, 0, false
}

func allocateFromBlock(addr uintptr, alignedHeader, size uintptr) uintptr {
	b := headerAt(addr)
	end := blockEnd(addr, b)

	if alignedHeader != addr {
		leading := alignedHeader - addr
		lead := b
		lead.size = leading - headerSize
		lead.free = 1

		aligned := headerAt(alignedHeader)
		aligned.size = end - (alignedHeader + headerSize)
		aligned.free = 1
		aligned.prev = addr
		aligned.next = lead.next
		if lead.next != 0 {
			headerAt(lead.next).prev = alignedHeader
		}
		lead.next = alignedHeader
		if tailBlock == addr {
			tailBlock = alignedHeader
		}

		addr = alignedHeader
		b = aligned
	}

	splitBlock(addr, b, size)
	b.free = 0
	return addr + headerSize
}

func allocateNewBlock(size, align uintptr) (uintptr, *kernel.Error) {
	start := heapCurr
	payload := start + headerSize
	alignedPayload := payload
	if align != 0 {
		alignedPayload = alignUp(payload, align)
	}
	alignedHeader := alignedPayload - headerSize
	end := alignedHeader + headerSize + size

	if end > heapEnd {
		return 0, errOutOfMemory
	}
	if err := commitTo(end); err != nil {
		return 0, err
	}

	if alignedHeader > start {
		gap := alignedHeader - start
		if gap >= headerSize+minSplitSize {
			gapBlock := headerAt(start)
			gapBlock.size = gap - headerSize
			gapBlock.free = 1
			gapBlock.prev = tailBlock
			gapBlock.next = 0
			if tailBlock != 0 {
				headerAt(tailBlock).next = start
			} else {
				headBlock = start
			}
			tailBlock = start
		} else if gap > 0 && tailBlock != 0 && headerAt(tailBlock).free != 0 && blocksAdjacent(tailBlock, headerAt(tailBlock), start) {
			headerAt(tailBlock).size += gap
		}
	}

	b := headerAt(alignedHeader)
	b.size = size
	b.free = 0
	b.prev = tailBlock
	b.next = 0
	if tailBlock != 0 {
		headerAt(tailBlock).next = alignedHeader
	} else {
		headBlock = alignedHeader
	}
	tailBlock = alignedHeader

	heapCurr = end
	return alignedHeader + headerSize, nil
}

func allocInternal(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSizeAlloc
	}
	size = (size + 3) &^ 3
	align = normalizeAlign(align)

	if addr, hdr, ok := findFreeBlock(size, align); ok {
		return allocateFromBlock(addr, hdr, size), nil
	}

	return allocateNewBlock(size, align)
}

// Alloc reserves size bytes from the heap and returns the virtual address of
// the payload.
func Alloc(size uintptr) (uintptr, *kernel.Error) {
	return allocInternal(size, 0)
}

// AllocAligned reserves size bytes aligned to align bytes (rounded up to the
// next power of two) and returns the virtual address of the payload.
func AllocAligned(size, align uintptr) (uintptr, *kernel.Error) {
	return allocInternal(size, align)
}

// AllocPage reserves size bytes page-aligned, mirroring the original
// kmalloc's align=1 convention for page-table and DMA-friendly allocations.
func AllocPage(size uintptr) (uintptr, *kernel.Error) {
	return allocInternal(size, uintptr(mem.PageSize))
}

// Free releases a payload address previously returned by Alloc, AllocAligned
// or AllocPage, coalescing it with any free neighboring blocks.
func Free(payload uintptr) {
	if payload == 0 {
		return
	}

	addr := payload - headerSize
	b := headerAt(addr)
	b.free = 1

	if b.next != 0 {
		next := headerAt(b.next)
		if next.free != 0 && blocksAdjacent(addr, b, b.next) {
			b.size += headerSize + next.size
			b.next = next.next
			if next.next != 0 {
				headerAt(next.next).prev = addr
			}
			if tailBlock == b.next {
				tailBlock = addr
			}
		}
	}

	if b.prev != 0 {
		prev := headerAt(b.prev)
		if prev.free != 0 && blocksAdjacent(b.prev, prev, addr) {
			prev.size += headerSize + b.size
			prev.next = b.next
			if b.next != 0 {
				headerAt(b.next).prev = b.prev
			}
			if tailBlock == addr {
				tailBlock = b.prev
			}
		}
	}
}
