// Package pit drives the 8253/8254 programmable interval timer, the only
// interrupt source this kernel needs: its ticks are what let kernel/sched
// preempt a running process. Programming it is the full extent of this
// package's job; the IRQ handler that actually acts on each tick is
// registered by kernel/sched itself, so Init here never calls
// irq.HandleIRQ.
package pit

import (
	"github.com/softlab-csw012/orionOS-sub000/kernel"
	"github.com/softlab-csw012/orionOS-sub000/kernel/cpu"
)

const (
	// baseFrequency is the PIT's fixed oscillator rate in Hz.
	baseFrequency = 1193182

	channel0Data    = 0x40
	commandRegister = 0x43

	// modeSquareWave selects channel 0, low/high byte access, and mode 3
	// (square wave generator), the same command byte original_source's
	// init_timer writes before loading the divisor.
	modeSquareWave = 0x36
)

var (
	outbFn = cpu.Outb

	tickRate uint32
)

// Init programs channel 0 to fire at approximately hz interrupts per
// second and returns the rate it actually achieved, since the requested
// frequency rarely divides the oscillator evenly.
func Init(hz uint32) (uint32, *kernel.Error) {
	if hz == 0 || hz > baseFrequency {
		return 0, &kernel.Error{Module: "pit", Message: "frequency out of range"}
	}

	divisor := baseFrequency / hz
	if divisor == 0 {
		divisor = 1
	}
	if divisor > 0xFFFF {
		divisor = 0xFFFF
	}

	outbFn(commandRegister, modeSquareWave)
	outbFn(channel0Data, uint8(divisor&0xFF))
	outbFn(channel0Data, uint8((divisor>>8)&0xFF))

	tickRate = baseFrequency / divisor
	return tickRate, nil
}

// TicksPerSecond reports the rate Init last settled on.
func TicksPerSecond() uint32 {
	return tickRate
}
