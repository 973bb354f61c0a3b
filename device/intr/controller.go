// Package intr implements the PIC 8259 / I/O APIC / Local APIC interrupt
// routing core: startup in legacy PIC mode, an optional transition to
// I/O APIC mode once ACPI topology is known, and IRQ enable/disable/EOI
// that stay correct across that transition.
package intr

import (
	"exoscore/device"
	"exoscore/device/acpi"
	"exoscore/kernel"
	"exoscore/kernel/hal"
	"exoscore/kernel/kfmt"
	"exoscore/kernel/sync"
	"io"
	"time"
)

// Mode selects which controller Initialize should prefer.
type Mode uint8

const (
	ModeAuto Mode = iota
	ModeForcePIC
	ModeForceIOAPIC
)

// ActiveType reports which controller is currently routing interrupts.
type ActiveType uint8

const (
	TypeNone ActiveType = iota
	TypePIC
	TypeIOAPIC
)

// standardIRQs is the set of legacy ISA lines programmed into the I/O APIC
// during the transition, per spec.
var standardIRQs = [...]uint8{0, 1, 3, 4, 7, 8, 12, 14, 15}

var (
	errIOAPICForced       = &kernel.Error{Module: "intr", Message: "IOAPIC mode forced but not available"}
	errPICForced          = &kernel.Error{Module: "intr", Message: "PIC mode forced but not available"}
	errTransitionFailed   = &kernel.Error{Module: "intr", Message: "transition to IOAPIC mode failed"}
	errNoFunctionalIOAPIC = &kernel.Error{Module: "intr", Message: "no functional IOAPIC controller found"}
)

type irqMapping struct {
	actualPin   uint8
	triggerMode uint8 // 0 edge, 1 level
	polarity    uint8 // 0 active-high, 1 active-low
	override    bool
}

// Controller is the Driver implementation for this package. A single
// instance owns both the PIC and APIC state so EOI/enable/disable can
// dispatch on whichever one is currently active.
type Controller struct {
	mu sync.Spinlock

	mode             Mode
	activeType       ActiveType
	transitionActive bool

	picPresent   bool
	ioapicPresent bool
	imcrPresent  bool
	picBaseMask  uint8

	irqMappings [16]irqMapping

	lapic   localAPIC
	ioapics []ioapicController

	acpiConfig *acpi.Config

	warnLimiter *kernel.RateLimiter
}

// configProvider is implemented by the ACPI driver; intr depends on it only
// through this narrow interface so it never has to import acpi's concrete
// driver type.
type configProvider interface {
	Config() *acpi.Config
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: probeController,
	})
}

// probeController always succeeds: the PIC is assumed present as part of
// the chipset, and ACPI-derived IOAPIC/LAPIC topology is picked up from
// whichever ACPI driver instance already ran.
func probeController() device.Driver {
	c := &Controller{
		mode:        ModeAuto,
		warnLimiter: kernel.NewRateLimiter(3, time.Second),
	}

	for _, d := range hal.ActiveDrivers() {
		if p, ok := d.(configProvider); ok {
			c.acpiConfig = p.Config()
			break
		}
	}

	return c
}

// DriverName implements device.Driver.
func (*Controller) DriverName() string { return "INTCTRL" }

// DriverVersion implements device.Driver.
func (*Controller) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver by running Initialize in automatic
// mode.
func (c *Controller) DriverInit(w io.Writer) *kernel.Error {
	if err := c.Initialize(ModeAuto); err != nil {
		return err
	}
	kfmt.Fprintf(w, "active=%s pic=%t ioapic=%t imcr=%t\n", c.activeTypeName(), c.picPresent, c.ioapicPresent, c.imcrPresent)
	return nil
}

func (c *Controller) activeTypeName() string {
	switch c.activeType {
	case TypePIC:
		return "PIC"
	case TypeIOAPIC:
		return "IOAPIC"
	default:
		return "NONE"
	}
}

// Initialize detects the available controllers and brings mode online.
func (c *Controller) Initialize(mode Mode) *kernel.Error {
	c.mode = mode
	c.activeType = TypeNone
	c.transitionActive = false
	c.initializeDefaultIRQMappings()

	c.picPresent = true
	c.ioapicPresent = c.acpiConfig != nil && c.acpiConfig.Valid && c.acpiConfig.UseIOAPIC && c.acpiConfig.IoApicCount > 0
	c.imcrPresent = detectIMCR()

	switch mode {
	case ModeForcePIC:
		if !c.picPresent {
			return errPICForced
		}
		c.picBaseMask = initializePIC8259()
		c.routePICDefault()
		c.activeType = TypePIC

	case ModeForceIOAPIC:
		if !c.ioapicPresent {
			return errIOAPICForced
		}
		if err := c.transitionToIOAPIC(); err != nil {
			return err
		}

	default: // ModeAuto: prefer IOAPIC, fall back to PIC
		if c.ioapicPresent {
			if err := c.transitionToIOAPIC(); err == nil {
				break
			}
		}
		c.picBaseMask = initializePIC8259()
		c.routePICDefault()
		c.activeType = TypePIC
	}

	return nil
}

// routePICDefault keeps legacy PIC routing: clears IMCR bit 0 if present,
// otherwise leaves the LAPIC virtual wire (if any) untouched.
func (c *Controller) routePICDefault() {
	if c.imcrPresent {
		routeIMCRToPIC()
	}
}

func (c *Controller) initializeDefaultIRQMappings() {
	for i := range c.irqMappings {
		c.irqMappings[i] = irqMapping{actualPin: uint8(i)}
	}
}

// setupIRQMappings rewrites the legacy-IRQ to GSI table from ACPI interrupt
// source overrides (ISA bus only).
func (c *Controller) setupIRQMappings() {
	c.initializeDefaultIRQMappings()

	if c.acpiConfig == nil || !c.acpiConfig.Valid {
		return
	}

	for i := 0; i < c.acpiConfig.OverrideCount && i < len(c.acpiConfig.Overrides); i++ {
		o := c.acpiConfig.Overrides[i]
		if o.Bus != 0 || o.SourceIRQ >= 16 {
			continue
		}

		triggerBits := (o.Flags >> 2) & 0x3
		polarityBits := o.Flags & 0x3

		triggerMode := uint8(0)
		if triggerBits == 0x3 {
			triggerMode = 1
		}
		polarity := uint8(0)
		if polarityBits == 0x3 {
			polarity = 1
		}

		c.irqMappings[o.SourceIRQ] = irqMapping{
			actualPin:   uint8(o.GlobalSystemInterrupt),
			triggerMode: triggerMode,
			polarity:    polarity,
			override:    true,
		}
	}
}

// mapIOAPICControllers maps and probes every IOAPIC named in ACPI config,
// keeping only the ones that pass functionality validation.
func (c *Controller) mapIOAPICControllers() bool {
	c.ioapics = c.ioapics[:0]

	for i := 0; i < c.acpiConfig.IoApicCount && i < len(c.acpiConfig.IoApics); i++ {
		info := c.acpiConfig.IoApics[i]

		mapped := hal.MapIOMemoryFn(info.PhysAddr, 0x1000)
		if mapped == 0 {
			continue
		}

		ctrl := ioapicController{
			id:       info.ID,
			physAddr: info.PhysAddr,
			mapped:   mapped,
			gsiBase:  info.GSIBase,
		}
		if !ctrl.probe() {
			continue
		}
		c.acpiConfig.IoApics[i].MaxRedirEntry = ctrl.maxRedirEntry

		c.ioapics = append(c.ioapics, ctrl)
	}

	return len(c.ioapics) > 0
}

// findGSI returns the controller and entry index owning gsi. When more than
// one controller claims an overlapping range, the first one enumerated from
// ACPI (MADT order) wins.
func (c *Controller) findGSI(gsi uint32) (*ioapicController, uint8, bool) {
	for i := range c.ioapics {
		ctrl := &c.ioapics[i]
		if gsi >= ctrl.gsiBase && gsi <= ctrl.gsiBase+uint32(ctrl.maxRedirEntry) {
			return ctrl, uint8(gsi - ctrl.gsiBase), true
		}
	}
	return nil, 0, false
}

// transitionToIOAPIC performs the PIC-to-IOAPIC handover described in
// spec.md's critical sequence. Failure at any step leaves activeType
// unchanged.
func (c *Controller) transitionToIOAPIC() *kernel.Error {
	if !c.ioapicPresent {
		return errIOAPICForced
	}

	c.transitionActive = true
	defer func() { c.transitionActive = false }()

	c.setupIRQMappings()

	if !c.mapIOAPICControllers() {
		return errNoFunctionalIOAPIC
	}

	lapicPhys := c.acpiConfig.LapicPhysAddr
	if lapicPhys == 0 {
		lapicPhys = localAPICBaseAddress()
	}
	if !c.lapic.enable(lapicPhys) {
		return errTransitionFailed
	}

	c.lapic.setSpuriousVector(ioapicSpurious)

	if c.imcrPresent {
		routeIMCRToLAPIC()
	} else {
		c.lapic.configureLINT0(0x20, lvtDeliveryExtINT, false)
	}

	c.lapic.configureLINT0(0x20, lvtDeliveryExtINT, true)

	shutdownPIC8259()

	bsp := c.lapic.id
	for _, irq := range standardIRQs {
		mapping := c.irqMappings[irq]
		ctrl, entry, ok := c.findGSI(uint32(mapping.actualPin))
		if !ok {
			continue
		}
		low, high := buildRedirectionEntry(ioapicIRQBase+irq, mapping.triggerMode, mapping.polarity, bsp)
		ctrl.writeRedirection(entry, low, high)
	}

	c.activeType = TypeIOAPIC
	return nil
}

// Shutdown masks every redirection entry of the active I/O APICs, writes
// back the master PIC mask saved when the PIC was initialized, and masks
// every slave PIC line.
func (c *Controller) Shutdown() {
	if c.activeType == TypeIOAPIC {
		for i := range c.ioapics {
			c.ioapics[i].maskAll()
		}
	}

	if c.picPresent {
		writePICMask(1, c.picBaseMask)
		writePICMask(2, 0xff)
	}

	c.activeType = TypeNone
}

// EnableIRQ unmasks legacy IRQ irq on whichever controller is active.
func (c *Controller) EnableIRQ(irq uint8) bool {
	c.mu.Acquire()
	defer c.mu.Release()

	switch c.activeType {
	case TypeIOAPIC:
		mapping := c.irqMappings[irq%16]
		ctrl, entry, ok := c.findGSI(uint32(mapping.actualPin))
		if !ok {
			return false
		}
		low, high := ctrl.readRedirection(entry)
		ctrl.writeRedirection(entry, low&^redTblMask, high)
		return true
	case TypePIC:
		return enablePICIRQ(irq)
	default:
		return false
	}
}

// DisableIRQ masks legacy IRQ irq on whichever controller is active.
func (c *Controller) DisableIRQ(irq uint8) bool {
	c.mu.Acquire()
	defer c.mu.Release()

	switch c.activeType {
	case TypeIOAPIC:
		mapping := c.irqMappings[irq%16]
		ctrl, entry, ok := c.findGSI(uint32(mapping.actualPin))
		if !ok {
			return false
		}
		low, high := ctrl.readRedirection(entry)
		ctrl.writeRedirection(entry, low|redTblMask, high)
		return true
	case TypePIC:
		return disablePICIRQ(irq)
	default:
		return false
	}
}

// ConfigureDeviceIRQ routes legacy IRQ irq to vector on destCPU (0 means
// the bootstrap processor).
func (c *Controller) ConfigureDeviceIRQ(irq, vector, destCPU uint8) bool {
	c.mu.Acquire()
	defer c.mu.Release()

	if c.activeType != TypeIOAPIC {
		if c.activeType == TypePIC {
			return enablePICIRQ(irq)
		}
		return false
	}

	if irq >= 16 {
		return false
	}
	mapping := c.irqMappings[irq]
	ctrl, entry, ok := c.findGSI(uint32(mapping.actualPin))
	if !ok {
		return false
	}

	if destCPU == 0 {
		destCPU = c.lapic.id
	}

	low, high := buildRedirectionEntry(vector, mapping.triggerMode, mapping.polarity, destCPU)
	ctrl.writeRedirection(entry, low, high)
	return true
}

// SendEOI acknowledges the current interrupt on whichever controller is
// active.
func (c *Controller) SendEOI() {
	switch c.activeType {
	case TypeIOAPIC:
		c.lapic.sendEOI()
	case TypePIC:
		hal.OutPortByteFn(pic1Command, picEOI)
	}
}

// ActiveType reports which controller currently routes interrupts.
func (c *Controller) ActiveType() ActiveType { return c.activeType }
