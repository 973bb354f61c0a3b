package device

import (
	"exoscore/kernel"
	"io"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. Diagnostic output is
	// written to w, already tagged with the driver's name and version by
	// the caller.
	DriverInit(w io.Writer) *kernel.Error
}

// DetectOrder controls when a driver's Probe function runs relative to the
// other registered drivers. Drivers that must run before ACPI tables are
// available use DetectOrderBeforeACPI; drivers that depend on ACPI-derived
// configuration (e.g. the PIC/IOAPIC interrupt controller) use a later order.
type DetectOrder uint8

const (
	// DetectOrderEarly runs before every other driver, including the
	// ones that probe for ACPI tables.
	DetectOrderEarly DetectOrder = iota

	// DetectOrderBeforeACPI runs after DetectOrderEarly but before the
	// ACPI driver itself.
	DetectOrderBeforeACPI

	// DetectOrderACPI is used by the ACPI driver.
	DetectOrderACPI

	// DetectOrderLast runs after the ACPI driver, once ACPI tables and
	// the interrupt controllers they describe are available. Only
	// DetectOrderStorage runs later.
	DetectOrderLast

	// DetectOrderStorage runs after DetectOrderLast, for drivers (e.g.
	// NVMe) whose attach must find the interrupt controller already
	// initialized.
	DetectOrderStorage
)

// DriverInfo is the registration record submitted by a driver package's
// init() function. Probe is invoked in Order order by the hardware
// abstraction layer; it returns a live Driver instance if the device was
// found, or nil otherwise.
type DriverInfo struct {
	// Order controls when Probe is invoked relative to other drivers.
	Order DetectOrder

	// Probe attempts to detect the associated hardware. It returns nil
	// if the hardware is not present.
	Probe func() Driver
}

// DriverInfoList is a sortable list of DriverInfo entries, ordered by Order.
type DriverInfoList []*DriverInfo

// Len implements sort.Interface.
func (l DriverInfoList) Len() int { return len(l) }

// Less implements sort.Interface.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// Swap implements sort.Interface.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// registeredDrivers holds every DriverInfo submitted via RegisterDriver.
var registeredDrivers DriverInfoList

// RegisterDriver adds info to the set of known drivers. It is typically
// called from a driver package's init() function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the full set of registered drivers, in registration
// order. Callers that need detection order must sort the returned list.
func DriverList() DriverInfoList {
	return registeredDrivers
}
