package irq

import (
	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/kfmt"
)

// SyscallVector is the interrupt vector dedicated to the system call gate.
const SyscallVector = 0xA5

// ExceptionNum identifies one of the 32 CPU exception vectors.
type ExceptionNum uint32

// nolint
const (
	DivideByZero ExceptionNum = iota
	Debug
	NMI
	Breakpoint
	Overflow
	BoundRangeExceeded
	InvalidOpcode
	DeviceNotAvailable
	DoubleFault
	_ // coprocessor segment overrun; obsolete
	InvalidTSS
	SegmentNotPresent
	StackSegmentFault
	GPFException
	PageFaultException
	_
	FloatingPointException
	AlignmentCheck
	MachineCheck
	SIMDFloatingPointException
)

var exceptionNames = [32]string{
	"divide by zero", "debug", "non-maskable interrupt", "breakpoint",
	"overflow", "bound range exceeded", "invalid opcode", "device not available",
	"double fault", "reserved", "invalid TSS", "segment not present",
	"stack-segment fault", "general protection fault", "page fault", "reserved",
	"x87 floating-point exception", "alignment check", "machine check", "SIMD floating-point exception",
	"reserved", "reserved", "reserved", "reserved",
	"reserved", "reserved", "reserved", "reserved",
	"reserved", "reserved", "reserved", "reserved",
}

// IRQNum identifies one of the 16 remapped hardware interrupt lines.
type IRQNum uint32

// nolint
const (
	IRQTimer IRQNum = iota
	IRQKeyboard
	IRQCascade
	IRQCom2
	IRQCom1
	IRQLPT2
	IRQFloppy
	IRQLPT1
	IRQRTC
	IRQ9
	IRQ10
	IRQ11
	IRQMouse
	IRQFPU
	IRQPrimaryATA
	IRQSecondaryATA
)

// ExceptionHandler handles a CPU exception.
type ExceptionHandler func(frame *Frame)

// IRQHandler handles a hardware interrupt.
type IRQHandler func(frame *Frame)

// SyscallHandler handles an invocation of the syscall gate.
type SyscallHandler func(frame *Frame)

var (
	exceptionHandlers [32]ExceptionHandler
	irqHandlers       [16]IRQHandler
	syscallHandler    SyscallHandler

	// panicFn is swapped out by tests.
	panicFn = kernel.Panic

	// killCurrentProcessFn reports the unhandled exception to the process
	// subsystem. It returns whether the faulting process was running in
	// the foreground and whether the process subsystem handled the fault
	// (in which case the caller must not attempt to resume it). kernel/proc
	// wires it through SetProcessExceptionPolicy during its Init; by
	// default no process subsystem is present and every exception is fatal.
	killCurrentProcessFn = func(reason ExceptionNum) (wasForeground, handled bool) {
		return false, false
	}

	// nextESP, when non-zero, tells the common assembly stub to resume
	// execution from this stack pointer instead of the one the trap was
	// entered on. kernel/sched sets it via SwitchStack to move between two
	// processes' distinct kernel stacks; the stub clears it after use.
	nextESP uintptr
)

// HandleException registers h to run whenever the given CPU exception
// occurs.
func HandleException(num ExceptionNum, h ExceptionHandler) {
	exceptionHandlers[num] = h
}

// HandleIRQ registers h to run whenever the given hardware interrupt fires.
func HandleIRQ(num IRQNum, h IRQHandler) {
	irqHandlers[num] = h
}

// HandleSyscall registers the single handler invoked for every syscall gate
// trap; it is expected to dispatch further based on the syscall number
// carried in the frame's general-purpose registers.
func HandleSyscall(h SyscallHandler) {
	syscallHandler = h
}

// SwitchStack requests that the common stub resume execution from esp
// instead of the frame it was called with, once the in-flight dispatch
// call returns. esp must point at a previously saved Frame on some other
// process's kernel stack.
func SwitchStack(esp uintptr) {
	nextESP = esp
}

// SetProcessExceptionPolicy wires the process subsystem's exception recovery
// hook. It must be called once during boot before interrupts are enabled.
func SetProcessExceptionPolicy(fn func(reason ExceptionNum) (wasForeground, handled bool)) {
	killCurrentProcessFn = fn
}

// dispatch is invoked by the assembly common stub for every trap. It is the
// single entry point through which exceptions, IRQs, and the syscall gate
// are routed.
func dispatch(frame *Frame) {
	switch {
	case frame.VectorNum == SyscallVector:
		if syscallHandler != nil {
			syscallHandler(frame)
		}
		return
	case frame.VectorNum >= 32 && frame.VectorNum < 48:
		irqNum := IRQNum(frame.VectorNum - 32)
		sendEOI(frame.VectorNum)
		if h := irqHandlers[irqNum]; h != nil {
			h(frame)
		}
		return
	case frame.VectorNum < 32:
		dispatchException(frame)
		return
	default:
		kfmt.Printf("irq: ignoring unexpected vector %d\n", frame.VectorNum)
	}
}

func dispatchException(frame *Frame) {
	num := ExceptionNum(frame.VectorNum)

	if h := exceptionHandlers[num]; h != nil {
		h(frame)
		return
	}

	// No handler is registered. A user-mode fault is the faulting
	// process's problem, not the kernel's: report it to the process
	// subsystem instead of panicking the whole machine.
	if frame.IsUserMode() {
		if _, handled := killCurrentProcessFn(num); handled {
			return
		}
	}

	reportFatalException(num, frame)
	panicFn(nil)
}

func reportFatalException(num ExceptionNum, frame *Frame) {
	kfmt.Printf("\n[irq] fatal exception %d (%s)\n", num, exceptionNames[num&31])
	frame.Print()
}
