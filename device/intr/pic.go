package intr

import "exoscore/kernel/hal"

// 8259 PIC I/O ports and initialization command words. Mirrors
// original_source/kernel/source/InterruptController.c's constants.
const (
	pic1Command = 0x20
	pic1Data    = 0x21
	pic2Command = 0xa0
	pic2Data    = 0xa1

	picEOI = 0x20

	icw1Init = 0x10
	icw1ICW4 = 0x01
	icw4_8086 = 0x01
)

// ioDelay gives legacy hardware time to process a command by reading the
// unused POST-diagnostic port, the same throttling trick
// InterruptController.c applies around PIC reprogramming.
func ioDelay() {
	hal.InPortByteFn(0x80)
}

func readPICMask(pic uint8) uint8 {
	if pic == 1 {
		return hal.InPortByteFn(pic1Data)
	}
	return hal.InPortByteFn(pic2Data)
}

func writePICMask(pic uint8, mask uint8) {
	if pic == 1 {
		hal.OutPortByteFn(pic1Data, mask)
	} else {
		hal.OutPortByteFn(pic2Data, mask)
	}
}

// initializePIC8259 remaps the master/slave PIC to vectors 0x20/0x28 and
// masks every line. It returns the master PIC's mask prior to remapping so
// callers can restore it later.
func initializePIC8259() uint8 {
	mask1 := readPICMask(1)
	readPICMask(2)

	hal.OutPortByteFn(pic1Command, icw1Init|icw1ICW4)
	ioDelay()
	hal.OutPortByteFn(pic2Command, icw1Init|icw1ICW4)
	ioDelay()

	hal.OutPortByteFn(pic1Data, 0x20)
	ioDelay()
	hal.OutPortByteFn(pic2Data, 0x28)
	ioDelay()

	hal.OutPortByteFn(pic1Data, 0x04) // IRQ2 connects to slave
	ioDelay()
	hal.OutPortByteFn(pic2Data, 0x02) // slave id
	ioDelay()

	hal.OutPortByteFn(pic1Data, icw4_8086)
	ioDelay()
	hal.OutPortByteFn(pic2Data, icw4_8086)
	ioDelay()

	writePICMask(1, 0xff)
	writePICMask(2, 0xff)

	return mask1
}

// disablePIC8259 masks every PIC line and returns the master mask that was
// in effect beforehand.
func disablePIC8259() uint8 {
	mask1 := readPICMask(1)
	writePICMask(1, 0xff)
	writePICMask(2, 0xff)
	return mask1
}

// shutdownPIC8259 disables both PICs and drains any pending interrupt by
// sending EOI to each, then gives the hardware time to settle.
func shutdownPIC8259() {
	disablePIC8259()
	hal.OutPortByteFn(pic1Command, picEOI)
	hal.OutPortByteFn(pic2Command, picEOI)
	ioDelay()
	ioDelay()
}

// detectIMCR probes for the Interrupt Mode Configuration Register by
// toggling its low bit and reading back the result through port 0x22/0x23.
func detectIMCR() bool {
	hal.OutPortByteFn(0x22, 0x70)
	value := hal.InPortByteFn(0x23)

	toggled := value ^ 0x01
	hal.OutPortByteFn(0x23, toggled)

	hal.OutPortByteFn(0x22, 0x70)
	readBack := hal.InPortByteFn(0x23)

	hal.OutPortByteFn(0x23, value)
	hal.OutPortByteFn(0x22, 0x70)
	final := hal.InPortByteFn(0x23)

	return readBack == toggled && final == value
}

// routeIMCRToLAPIC sets IMCR bit 0, routing legacy PIC interrupt lines to
// the LAPIC instead of the 8259 pair.
func routeIMCRToLAPIC() {
	hal.OutPortByteFn(0x22, 0x70)
	value := hal.InPortByteFn(0x23)
	hal.OutPortByteFn(0x23, value|0x01)
}

// routeIMCRToPIC clears IMCR bit 0, restoring legacy PIC routing.
func routeIMCRToPIC() {
	hal.OutPortByteFn(0x22, 0x70)
	value := hal.InPortByteFn(0x23)
	hal.OutPortByteFn(0x23, value&0xfe)
}

func enablePICIRQ(irq uint8) bool {
	switch {
	case irq < 8:
		mask := readPICMask(1)
		writePICMask(1, mask&^(1<<irq))
		return true
	case irq < 16:
		mask := readPICMask(2)
		writePICMask(2, mask&^(1<<(irq-8)))
		// Cascade line must stay open for slave IRQs to reach the CPU.
		mask = readPICMask(1)
		writePICMask(1, mask&^(1<<2))
		return true
	default:
		return false
	}
}

func disablePICIRQ(irq uint8) bool {
	switch {
	case irq < 8:
		mask := readPICMask(1)
		writePICMask(1, mask|(1<<irq))
		return true
	case irq < 16:
		mask := readPICMask(2)
		writePICMask(2, mask|(1<<(irq-8)))
		return true
	default:
		return false
	}
}
