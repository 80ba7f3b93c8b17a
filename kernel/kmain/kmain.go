package kmain

import (
	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/driver/pit"
	"github.com/softlab-csw012/orionOS-sub000/kernel/hal"
	"github.com/softlab-csw012/orionOS-sub000/kernel/hal/multiboot"
	"github.com/softlab-csw012/orionOS-sub000/kernel/heap"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/kfmt/early"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/pmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/mem/vmm"
	"github.com/softlab-csw012/orionOS-sub000/kernel/proc"
	"github.com/softlab-csw012/orionOS-sub000/kernel/sched"
	"github.com/softlab-csw012/orionOS-sub000/kernel/syscall"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("booting\n")

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		kernel.Panic(err)
	}
	if err = vmm.Init(kernelStart, kernelEnd, pmm.AllocFrame); err != nil {
		kernel.Panic(err)
	}
	if err = heap.Init(0, 0); err != nil {
		kernel.Panic(err)
	}

	irq.Init()
	proc.Init()
	sched.Init()
	syscall.Init()

	if _, err := pit.Init(config.TimerFrequencyHz); err != nil {
		kernel.Panic(err)
	}

	early.Printf("entering idle loop\n")
	sched.Idle()

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
