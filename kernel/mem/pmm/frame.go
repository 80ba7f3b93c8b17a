// Package pmm tracks which physical memory frames are free and hands out or
// reclaims them on request.
package pmm

import (
	"math"

	"github.com/softlab-csw012/orionOS-sub000/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint32

// InvalidFrame is returned by the allocator when it fails to reserve a
// frame.
const InvalidFrame = Frame(math.MaxUint32)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down to the containing page if the address is not
// page-aligned.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}
