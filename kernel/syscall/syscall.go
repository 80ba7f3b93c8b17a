// Package syscall dispatches the single trap the kernel installs at vector
// 0xA5 to one of a fixed table of numbered handlers, following the
// register-based calling convention user processes use to invoke it: EAX
// carries the syscall number on entry and the return value on exit, and
// EBX/ECX/EDX/ESI/EDI carry up to five arguments, exactly the order
// original_source's proc.c bakes into user_exit_stub (eax=8, ebx=exit
// code) and the fixed argument registers every other syscall follows by
// convention.
package syscall

import (
	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/vmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/proc"
	"github.com/softlab-csw012/orionOS-sub000/kernel/sched"
)

// Syscall numbers. Exit is pinned to config.ExitSyscallNumber because it is
// baked as a literal into every user process's exit stub; the rest are
// simply the order original_source's kernel handles them in.
const (
	SysFork    uint32 = 1
	SysVfork   uint32 = 2
	SysExecve  uint32 = 3
	SysWaitpid uint32 = 4
	SysKill    uint32 = 5
	SysYield   uint32 = 6
	SysGetpid  uint32 = 7
	SysExit    uint32 = config.ExitSyscallNumber
	SysSbrk    uint32 = 9
	SysRead    uint32 = 10
	SysWrite   uint32 = 11
	SysOpen    uint32 = 12
	SysClose   uint32 = 13

	maxSyscall = 14
)

// errNoSys is returned in EAX (reinterpreted as -1) for an unimplemented or
// out-of-range syscall number; the kernel has no errno table of its own, so
// every failure collapses to this one sentinel value.
const errNoSys = ^uint32(0)

var (
	handlers [maxSyscall]func(frame *irq.Frame)

	// translateFn validates that a user pointer argument is actually
	// mapped before a handler dereferences it. Swapped out by tests.
	translateFn = vmm.Translate

	// scheduleFn requests an immediate reschedule, used by exit/yield/vfork
	// to hand off to another process without waiting for the next timer
	// tick. Swapped out by tests.
	scheduleFn = sched.Schedule
)

// Init installs the syscall table and wires it into the single syscall gate
// kernel/irq exposes.
func Init() {
	handlers = [maxSyscall]func(frame *irq.Frame){
		SysFork:    sysFork,
		SysVfork:   sysVfork,
		SysExecve:  sysExecve,
		SysWaitpid: sysWaitpid,
		SysKill:    sysKill,
		SysYield:   sysYield,
		SysGetpid:  sysGetpid,
		SysExit:    sysExit,
		SysSbrk:    sysSbrk,
		SysRead:    sysUnimplemented,
		SysWrite:   sysUnimplemented,
		SysOpen:    sysUnimplemented,
		SysClose:   sysUnimplemented,
	}
	irq.HandleSyscall(dispatch)
}

func dispatch(frame *irq.Frame) {
	num := frame.EAX
	if num >= maxSyscall || handlers[num] == nil {
		frame.EAX = errNoSys
		return
	}
	handlers[num](frame)
}

// validateUserPtr confirms that the byte range [addr, addr+size) is mapped
// in the current address space, the same check the original's syscall
// dispatcher performs before touching a user-supplied pointer.
func validateUserPtr(addr, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}
	if _, err := translateFn(addr); err != nil {
		return err
	}
	if _, err := translateFn(addr + size - 1); err != nil {
		return err
	}
	return nil
}

func sysExit(frame *irq.Frame) {
	cur := proc.Current()
	if cur == nil {
		return
	}
	proc.Exit(cur, frame.EBX)
	scheduleFn(frame, false)
}

func sysFork(frame *irq.Frame) {
	cur := proc.Current()
	if cur == nil {
		frame.EAX = errNoSys
		return
	}
	child, err := proc.Fork(cur, frame, false)
	if err != nil {
		frame.EAX = errNoSys
		return
	}
	frame.EAX = child.PID
}

func sysVfork(frame *irq.Frame) {
	cur := proc.Current()
	if cur == nil {
		frame.EAX = errNoSys
		return
	}
	child, err := proc.Fork(cur, frame, true)
	if err != nil {
		frame.EAX = errNoSys
		return
	}
	frame.EAX = child.PID
	scheduleFn(frame, true)
}

// sysExecve is stubbed: replacing the current image requires reading the
// named file from a filesystem, which is out of scope here (a collaborator
// subsystem, not one of the three this kernel implements). A real
// implementation would elf.Load the file's bytes and reinitialize the
// calling PCB's address space in place.
func sysExecve(frame *irq.Frame) {
	frame.EAX = errNoSys
}

// sysWaitpid reaps an already-exited child synchronously; it does not block
// the caller; a process whose child has not exited yet gets errNoSys back
// and is expected to retry, since there is no blocked-on-child wait queue.
func sysWaitpid(frame *irq.Frame) {
	pid := frame.EBX
	for i := 0; i < proc.SlotCount(); i++ {
		p := proc.Slot(i)
		if p.PID != pid {
			continue
		}
		if p.State != proc.StateExited {
			frame.EAX = errNoSys
			return
		}
		code := p.ExitCode
		proc.Reap(0)
		frame.EAX = code
		return
	}
	frame.EAX = errNoSys
}

func sysKill(frame *irq.Frame) {
	pid := frame.EBX
	force := frame.ECX == 9 // SIGKILL
	if err := proc.Kill(pid, force); err != nil {
		frame.EAX = errNoSys
		return
	}
	frame.EAX = 0
}

func sysYield(frame *irq.Frame) {
	scheduleFn(frame, true)
	frame.EAX = 0
}

func sysGetpid(frame *irq.Frame) {
	cur := proc.Current()
	if cur == nil {
		frame.EAX = errNoSys
		return
	}
	frame.EAX = cur.PID
}

// sysSbrk is stubbed: a per-process user heap is a fourth subsystem this
// kernel does not implement; user processes that need dynamic memory are
// expected to bring their own allocator over a fixed-size static region
// instead.
func sysSbrk(frame *irq.Frame) {
	frame.EAX = errNoSys
}

func sysUnimplemented(frame *irq.Frame) {
	frame.EAX = errNoSys
}
