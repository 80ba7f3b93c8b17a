// Package driver defines the narrow interfaces the kernel's hard-core
// subsystems depend on from hardware, without pulling in the concrete
// devices themselves. Only the timer is load-bearing here (the scheduler
// cannot run without it); Keyboard and BlockDevice describe the shape a
// real input/storage driver would take, left unimplemented since input
// handling and storage are collaborator concerns outside this kernel's
// scope.
package driver

// Timer is a periodic interrupt source the scheduler rides to preempt
// running processes. Init programs the device to fire at hz and returns
// once it has started generating interrupts; TicksPerSecond reports the
// rate it settled on, which may differ slightly from the requested one
// due to integer divisor rounding.
type Timer interface {
	Init(hz uint32) error
	TicksPerSecond() uint32
}

// Keyboard is a source of raw scancodes. Described for completeness with
// the rest of the external interface surface; no implementation is wired
// in, since consuming scancodes is the job of a tty/console layer this
// kernel treats as a collaborator.
type Keyboard interface {
	ReadScancode() (code uint8, ok bool)
}

// BlockDevice is a fixed-size-sector random access store. Described for
// completeness; no implementation is wired in, since persisting data is
// the filesystem's concern, also a collaborator.
type BlockDevice interface {
	SectorSize() int
	ReadSectors(lba uint64, buf []byte) error
	WriteSectors(lba uint64, buf []byte) error
}
