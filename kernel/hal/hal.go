// Package hal is the hardware abstraction layer: it drives driver detection
// and owns the small set of external primitives (MMIO mapping, physical
// memory access, port I/O, MSRs, PCI config space, heap allocation) that
// every component driver is built against. Every primitive is exposed as a
// package-level function variable so that device packages can run their
// tests on a host CPU, the same seam pattern used by the ACPI table loader
// for its own mapFn/unmapFn pair.
package hal

import (
	"bytes"
	"exoscore/device"
	"exoscore/kernel/kfmt"
	"sort"
)

// managedDevices tracks the devices discovered during DetectHardware.
type managedDevices struct {
	activeDrivers []device.Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveDrivers returns every driver that completed DriverInit successfully,
// in detection order.
func ActiveDrivers() []device.Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the appropriate
// drivers in ascending device.DetectOrder.
func DetectHardware() {
	drivers := device.DriverList()
	sort.Sort(drivers)

	probe(drivers)
}

// probe executes the probe function for each driver and records every
// successfully initialized one.
func probe(driverInfoList device.DriverInfoList) {
	var w = kfmt.PrefixWriter{Sink: kfmt.GetOutputSink()}

	for _, info := range driverInfoList {
		drv := info.Probe()
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}
