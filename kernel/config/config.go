// Package config collects the kernel's compile-time tunables into a single
// location instead of scattering magic numbers across the packages that
// consume them, the way the original implementation spread them across
// proc.h, paging.h and pmm.h.
package config

import "github.com/softlab-csw012/orionOS-sub000/kernel/mem"

const (
	// MaxProcesses bounds the process table to a fixed number of slots.
	MaxProcesses = 16

	// KernelStackSize is the size, in bytes, of the kernel stack allocated
	// for every process (kernel or user).
	KernelStackSize = 64 * 1024

	// UserStackSize is the size, in bytes, of a user process's stack.
	UserStackSize = 16 * 1024

	// TimerFrequencyHz is the rate at which the PIT timer IRQ fires.
	TimerFrequencyHz = 100

	// TimeSliceTicks is the number of timer ticks a user process may run
	// before the scheduler preempts it.
	TimeSliceTicks = 5

	// ExitSyscallNumber is the syscall number reserved for exit(); it is
	// baked into every user process's exit stub.
	ExitSyscallNumber = 8
)

var (
	// HeapBase and HeapEnd bound the default kernel heap range.
	HeapBase = mem.HeapBase
	HeapEnd  = mem.HeapEnd

	// UserStackTop is the highest address of a user stack.
	UserStackTop = mem.UserStackTop

	// UserBase and UserTop bound the address range available to user images.
	UserBase = mem.UserBase
	UserTop  = mem.UserTop
)

// Segment selectors, matching the GDT convention fixed by the external
// interface contract.
const (
	KernelCodeSelector = 0x08
	KernelDataSelector = 0x10
	UserCodeSelector   = 0x1B
	UserDataSelector   = 0x23
)
