package irq

import (
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel/cpu"
)

const (
	idtEntryCount = 256

	// kernelCodeSelector is the GDT selector for the ring-0 code segment.
	kernelCodeSelector = 0x08

	// gateInterrupt32 flags a 32-bit interrupt gate, present, DPL 0.
	gateInterrupt32 = 0x8E

	// gateTrap32UserDPL flags a 32-bit trap gate, present, DPL 3, used
	// for the syscall gate so that ring-3 code may invoke INT 0xA5.
	gateTrap32UserDPL = 0xEF
)

// idtEntry describes one 8-byte IDT gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	zero       uint8
	typeAttr   uint8
	offsetHigh uint16
}

// idtRegister describes the operand of the LIDT instruction.
type idtRegister struct {
	limit uint16
	base  uint32
}

var idt [idtEntryCount]idtEntry

func setGate(vector int, handlerAddr uintptr, typeAttr uint8) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(handlerAddr),
		selector:   kernelCodeSelector,
		zero:       0,
		typeAttr:   typeAttr,
		offsetHigh: uint16(handlerAddr >> 16),
	}
}

// Assembly entry stubs, one per exception/IRQ vector plus the syscall gate.
// Each pushes its vector number (and a dummy error code where the CPU does
// not push a real one) before falling into commonStub.
func isr0()
func isr1()
func isr2()
func isr3()
func isr4()
func isr5()
func isr6()
func isr7()
func isr8()
func isr9()
func isr10()
func isr11()
func isr12()
func isr13()
func isr14()
func isr15()
func isr16()
func isr17()
func isr18()
func isr19()
func isr20()
func isr21()
func isr22()
func isr23()
func isr24()
func isr25()
func isr26()
func isr27()
func isr28()
func isr29()
func isr30()
func isr31()
func irq0()
func irq1()
func irq2()
func irq3()
func irq4()
func irq5()
func irq6()
func irq7()
func irq8()
func irq9()
func irq10()
func irq11()
func irq12()
func irq13()
func irq14()
func irq15()
func isrSyscall()

var exceptionStubs = [32]func(){
	isr0, isr1, isr2, isr3, isr4, isr5, isr6, isr7,
	isr8, isr9, isr10, isr11, isr12, isr13, isr14, isr15,
	isr16, isr17, isr18, isr19, isr20, isr21, isr22, isr23,
	isr24, isr25, isr26, isr27, isr28, isr29, isr30, isr31,
}

var irqStubs = [16]func(){
	irq0, irq1, irq2, irq3, irq4, irq5, irq6, irq7,
	irq8, irq9, irq10, irq11, irq12, irq13, irq14, irq15,
}

// funcAddr extracts the code pointer from a func value. A Go func value is
// itself a pointer to a closure record whose first word is the entry point;
// since these stubs capture nothing, dereferencing twice yields the address
// IDT gates must point at.
func funcAddr(fn func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&fn))
}

// Init remaps the PIC to vectors 32-47, installs the 32 exception gates, the
// 16 remapped IRQ gates, and the syscall gate at vector 0xA5, then loads the
// IDT register.
func Init() {
	remapPIC()

	for vector, stub := range exceptionStubs {
		setGate(vector, funcAddr(stub), gateInterrupt32)
	}

	for i, stub := range irqStubs {
		setGate(32+i, funcAddr(stub), gateInterrupt32)
	}

	setGate(SyscallVector, funcAddr(isrSyscall), gateTrap32UserDPL)

	reg := idtRegister{
		limit: uint16(unsafe.Sizeof(idt)) - 1,
		base:  uint32(uintptr(unsafe.Pointer(&idt[0]))),
	}
	cpu.Lidt(uintptr(unsafe.Pointer(&reg)))
}
