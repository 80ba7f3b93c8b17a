package irq

import "github.com/softlab-csw012/orionOS-sub000/kernel/cpu"

const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	picInit = 0x11
	pic8086 = 0x01

	// picIRQBase is the vector remapped IRQ0 lands on.
	picIRQBase = 32
)

var outbFn = cpu.Outb

// remapPIC reprograms the 8259 PIC pair so that IRQ0-15 are delivered on
// vectors 32-47 instead of their default 0-15, which would otherwise
// collide with CPU exception vectors.
func remapPIC() {
	outbFn(picMasterCommand, picInit)
	outbFn(picSlaveCommand, picInit)
	outbFn(picMasterData, picIRQBase)
	outbFn(picSlaveData, picIRQBase+8)
	outbFn(picMasterData, 0x04)
	outbFn(picSlaveData, 0x02)
	outbFn(picMasterData, pic8086)
	outbFn(picSlaveData, pic8086)
	outbFn(picMasterData, 0x0)
	outbFn(picSlaveData, 0x0)
}

// sendEOI acknowledges an IRQ so the PIC will deliver further interrupts.
// Slave-PIC IRQs (vector >= 40) must also acknowledge the master.
func sendEOI(vector uint32) {
	if vector >= picIRQBase+8 {
		outbFn(picSlaveCommand, 0x20)
	}
	outbFn(picMasterCommand, 0x20)
}
