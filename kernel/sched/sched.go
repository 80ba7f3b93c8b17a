// Package sched implements the round-robin preemptive scheduler: a timer
// tick handler that counts down a fixed time slice and a schedule routine
// that scans the process table for the next runnable PCB, exactly the way
// the original kernel's proc_schedule/proc_find_next pair works, adapted to
// run over kernel/proc's exported accessors instead of a shared struct.
package sched

import (
	"unsafe"

	"github.com/softlab-csw012/orionOS-sub000/kernel/config"
	"github.com/softlab-csw012/orionOS-sub000/kernel/cpu"
	"github.com/softlab-csw012/orionOS-sub000/kernel/irq"
	"github.com/softlab-csw012/orionOS-sub000/kernel/proc"
)

var (
	ticksRemaining = uint32(config.TimeSliceTicks)

	// handleIRQFn and switchStackFn are swapped out by tests so Init/Tick/
	// Schedule can be exercised without wiring a live IDT.
	handleIRQFn   = irq.HandleIRQ
	switchStackFn = irq.SwitchStack
)

// Init resets the slice counter and registers the tick handler against the
// timer IRQ line. It must run after kernel/irq and kernel/proc have both
// completed their own Init.
func Init() {
	ticksRemaining = config.TimeSliceTicks
	handleIRQFn(irq.IRQTimer, onTick)
}

func onTick(frame *irq.Frame) {
	if ticksRemaining > 0 {
		ticksRemaining--
	}
	if ticksRemaining > 0 {
		return
	}
	ticksRemaining = config.TimeSliceTicks
	Schedule(frame, true)
}

func isRunnable(p *proc.PCB) bool {
	return (p.State == proc.StateReady || p.State == proc.StateRunning) && p.ContextESP != 0
}

// findNext scans forward from start (exclusive), wrapping once, for the
// next runnable slot. It returns -1 if nothing is runnable.
func findNext(start int) int {
	n := proc.SlotCount()
	idx := start
	for i := 0; i < n; i++ {
		idx++
		if idx >= n {
			idx = 0
		}
		if isRunnable(proc.Slot(idx)) {
			return idx
		}
	}
	return -1
}

// Schedule reaps any processes left behind by a prior Exit, then picks the
// next runnable PCB and, if it differs from the one currently running,
// hands control to it. When called from the timer tick (saveCurrent=true),
// the currently running process's register state — already sitting in
// frame, on its own kernel stack — is simply left where it is and
// remembered via its ContextESP; kernel/irq's assembly stub is then told to
// resume from the next process's own saved frame instead, a pointer swap
// rather than a register-by-register copy. Returns false if there was
// nothing to switch to.
func Schedule(frame *irq.Frame, saveCurrent bool) bool {
	if proc.ReapPending() {
		proc.Reap(uintptr(unsafe.Pointer(frame)))
	}

	cur := proc.CurrentIndex()
	next := findNext(cur)
	if next < 0 {
		return false
	}
	if next == cur {
		return false
	}

	if saveCurrent && cur >= 0 {
		curProc := proc.Slot(cur)
		curProc.ContextESP = uintptr(unsafe.Pointer(frame))
		if curProc.State == proc.StateRunning {
			curProc.State = proc.StateReady
		}
	}

	nextProc := proc.Slot(next)
	proc.SetCurrentIndex(next)
	nextProc.State = proc.StateRunning

	if !nextProc.IsKernel {
		nextProc.PDT.Activate()
	}

	switchStackFn(nextProc.ContextESP)
	return true
}

// Idle is the scheduler's fallback loop: it reaps exited processes and halts
// the CPU until the next interrupt, at which point onTick (or any other IRQ)
// may have made a process runnable again. Kmain calls it directly once boot
// completes; it does not run as a PCB, so findNext never selects it.
func Idle() {
	for {
		if proc.ReapPending() {
			proc.Reap(0)
		}
		cpu.Halt()
	}
}

// Info mirrors proc_info_t: a stable, name-bearing snapshot of one table
// slot suitable for a ps-style listing.
type Info struct {
	PID   uint32
	Name  string
	State proc.State
}

// List returns a snapshot of every slot that is neither unused nor exited.
func List() []Info {
	out := make([]Info, 0, proc.SlotCount())
	for i := 0; i < proc.SlotCount(); i++ {
		p := proc.Slot(i)
		if p.State == proc.StateUnused || p.State == proc.StateExited {
			continue
		}
		out = append(out, Info{PID: p.PID, Name: p.Name, State: p.State})
	}
	return out
}
