// Package nvme implements an NVMe host controller driver: PCI attach,
// admin queue bring-up, controller/namespace identification, a single I/O
// queue pair, and polling-based sector read/write.
package nvme

import (
	"exoscore/device"
	"exoscore/kernel"
	"exoscore/kernel/hal"
	"exoscore/kernel/kfmt"
	"io"
)

// PCI class/subclass/programming-interface identifying an NVMe controller.
const (
	pciClassMassStorage  = 0x01
	pciClassNVMe        = 0x08
	pciProgIfNVMe       = 0x02

	pciCfgClassCode = 0x08
	pciCfgBAR0      = 0x10
	pciCfgBAR1      = 0x14

	// bar0WindowSize bounds how much of BAR0 this driver maps. It is
	// sized to cover CAP..ACQ plus the doorbell stride of several
	// queues; this driver only ever uses queue 0 (admin) and queue 1
	// (I/O), well within the window.
	bar0WindowSize = 0x2000
)

var (
	errNoController   = &kernel.Error{Module: "nvme", Message: "no NVMe controller found on the PCI bus"}
	errBadBAR0        = &kernel.Error{Module: "nvme", Message: "BAR0 is not a valid memory BAR"}
	errMapFailed      = &kernel.Error{Module: "nvme", Message: "failed to map controller registers"}
	errAdminQueueAlloc = &kernel.Error{Module: "nvme", Message: "failed to allocate admin queues"}
	errControllerStop = &kernel.Error{Module: "nvme", Message: "controller did not stop"}
	errControllerStart = &kernel.Error{Module: "nvme", Message: "controller did not become ready"}
)

// AccessMode gates read/write access on a namespace-backed disk.
type AccessMode uint8

const (
	AccessReadWrite AccessMode = iota
	AccessReadOnly
)

// Disk exposes one NVMe namespace with the geometry the storage VFS
// adaptor needs: {controller, namespace_id, num_sectors, bytes_per_sector,
// access_flags}, per spec.md's NVMe disk data model.
type Disk struct {
	controller     *Controller
	NamespaceID    uint32
	NumSectors     uint64
	BytesPerSector uint32
	Access         AccessMode
}

// Controller is the Driver implementation for one attached NVMe device.
type Controller struct {
	addr hal.PCIAddress

	mmioBase uintptr
	mmioSize uintptr

	dbStride uint32

	admin *queuePair
	ioQueue *queuePair
	ioQID uint32

	logicalBlockSize uint32

	identity ControllerIdentity
	disks    []*Disk
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderStorage,
		Probe: probeController,
	})
}

// scanPCIBus performs the minimal bus walk needed to locate a single NVMe
// function: PCI enumeration proper is out of scope for this core (spec.md
// §1), so this only ever looks for the device class this driver can drive
// and stops at the first match.
func scanPCIBus() (hal.PCIAddress, bool) {
	for bus := 0; bus < 256; bus++ {
		for dev := 0; dev < 32; dev++ {
			for fn := 0; fn < 8; fn++ {
				addr := hal.PCIAddress{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}
				vendor := hal.PCIRead16Fn(addr, 0x00)
				if vendor == 0xffff {
					if fn == 0 {
						break
					}
					continue
				}

				class := hal.PCIRead32Fn(addr, pciCfgClassCode)
				classBase := uint8(class >> 24)
				subclass := uint8(class >> 16)
				progIf := uint8(class >> 8)
				if classBase == pciClassMassStorage && subclass == pciClassNVMe && progIf == pciProgIfNVMe {
					return addr, true
				}
			}
		}
	}
	return hal.PCIAddress{}, false
}

// bar0Physical extracts BAR0's physical base address, handling both 32-bit
// and 64-bit memory BARs.
func bar0Physical(addr hal.PCIAddress) (uintptr, bool) {
	bar0 := hal.PCIRead32Fn(addr, pciCfgBAR0)
	if bar0&0x1 != 0 {
		return 0, false // I/O space BAR, not valid for NVMe
	}

	barType := (bar0 >> 1) & 0x3
	base := uintptr(bar0 &^ 0xf)

	if barType == 0x2 {
		bar1 := hal.PCIRead32Fn(addr, pciCfgBAR1)
		base |= uintptr(bar1) << 32
	}

	return base, true
}

func probeController() device.Driver {
	addr, ok := scanPCIBus()
	if !ok {
		return nil
	}
	return &Controller{addr: addr}
}

// DriverName implements device.Driver.
func (*Controller) DriverName() string { return "NVME" }

// DriverVersion implements device.Driver.
func (*Controller) DriverVersion() (uint16, uint16, uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver by attaching the controller and
// publishing its active namespaces as disks.
func (c *Controller) DriverInit(w io.Writer) *kernel.Error {
	if err := c.attach(); err != nil {
		return err
	}
	kfmt.Fprintf(w, "model=%q serial=%q firmware=%q disks=%d\n",
		c.identity.ModelNumber, c.identity.SerialNumber, c.identity.Firmware, len(c.disks))
	return nil
}

// attach brings the controller from PCI-discovered to ready: maps BAR0,
// allocates and programs the admin queue pair, identifies the controller
// and its namespaces, requests a single I/O queue pair, and creates it.
// Grounded on NVMeAttach in original_source/kernel/source/drivers/NVMe-Core.c.
func (c *Controller) attach() *kernel.Error {
	base, ok := bar0Physical(c.addr)
	if !ok || base == 0 {
		return errBadBAR0
	}

	mmioBase := hal.MapIOMemoryFn(base, bar0WindowSize)
	if mmioBase == 0 {
		return errMapFailed
	}
	c.mmioBase = mmioBase
	c.mmioSize = bar0WindowSize

	capReg := readReg64(mmioBase, regCAP)
	c.dbStride = doorbellStride(capReg)

	hal.PCIEnableBusMasterFn(c.addr)

	admin, ok := newQueuePair(0, mmioBase, c.dbStride, adminQueueEntries, adminQueueEntries, adminSQEntrySize, adminCQEntrySize)
	if !ok {
		hal.UnmapIOMemoryFn(mmioBase, bar0WindowSize)
		return errAdminQueueAlloc
	}
	c.admin = admin

	if readReg32(mmioBase, regCC)&ccEN != 0 {
		writeReg32(mmioBase, regCC, readReg32(mmioBase, regCC)&^ccEN)
		if !c.waitForReady(false) {
			admin.free()
			hal.UnmapIOMemoryFn(mmioBase, bar0WindowSize)
			return errControllerStop
		}
	}

	ccValue := uint32(0)<<ccCSSShift |
		uint32(0)<<ccMPSShift |
		uint32(0)<<ccAMSShift |
		uint32(0)<<ccSHNShift |
		uint32(6)<<ccIOSQESShift |
		uint32(4)<<ccIOCQESShift

	aqa := (adminQueueEntries-1)<<16 | (adminQueueEntries - 1)
	writeReg32(mmioBase, regAQA, uint32(aqa))
	writeReg64(mmioBase, regASQ, uint64(admin.sq.physical))
	writeReg64(mmioBase, regACQ, uint64(admin.cq.physical))

	writeReg32(mmioBase, regCC, ccValue)
	writeReg32(mmioBase, regCC, ccValue|ccEN)
	if !c.waitForReady(true) {
		admin.free()
		hal.UnmapIOMemoryFn(mmioBase, bar0WindowSize)
		return errControllerStart
	}

	c.logicalBlockSize = 512

	if identity, ok := c.identifyController(); ok {
		c.identity = identity
	}

	if !c.setNumberOfQueues(1) {
		kfmt.Logf(kfmt.LevelWarning, "nvme", "set number of queues failed")
	}

	nsids, ok := c.identifyActiveNamespaces()
	if !ok {
		nsids = []uint32{1}
	}

	c.ioQID = 1
	if err := c.createIOQueues(); err != nil {
		kfmt.Logf(kfmt.LevelWarning, "nvme", "create I/O queues failed: %v", err)
		return nil
	}

	for _, nsid := range nsids {
		ns, ok := c.identifyNamespace(nsid)
		if !ok {
			kfmt.Logf(kfmt.LevelWarning, "nvme", "identify namespace %d failed", nsid)
			continue
		}
		c.logicalBlockSize = ns.BytesPerSector
		c.disks = append(c.disks, &Disk{
			controller:     c,
			NamespaceID:    nsid,
			NumSectors:     ns.NumSectors,
			BytesPerSector: ns.BytesPerSector,
			Access:         AccessReadWrite,
		})
	}

	return nil
}

// waitForReady polls CSTS.RDY for up to readyTimeoutLoops iterations,
// matching NVMeWaitForReady's loop-count-only timeout in NVMe-Core.c (no
// wall-clock bound at this stage, since there is no command context to
// attach a rate-limited warning to yet).
func (c *Controller) waitForReady(ready bool) bool {
	for loop := 0; loop < readyTimeoutLoops; loop++ {
		csts := readReg32(c.mmioBase, regCSTS)
		isReady := csts&cstsRDY != 0
		if isReady == ready {
			return true
		}
	}
	return false
}

// createIOQueues allocates the single I/O queue pair this driver uses and
// issues Create I/O Completion Queue followed by Create I/O Submission
// Queue, per NVMeCreateIoQueues in NVMe-IO.c.
func (c *Controller) createIOQueues() *kernel.Error {
	capReg := readReg64(c.mmioBase, regCAP)
	maxQueueEntries := uint32(capReg&0xffff) + 1

	sqEntries := uint32(ioQueueEntries)
	if maxQueueEntries != 0 && sqEntries > maxQueueEntries {
		sqEntries = maxQueueEntries
	}
	if sqEntries < 2 {
		return errAdminQueueAlloc
	}

	q, ok := newQueuePair(c.ioQID, c.mmioBase, c.dbStride, sqEntries, sqEntries, ioSQEntrySize, ioCQEntrySize)
	if !ok {
		return errAdminQueueAlloc
	}
	c.ioQueue = q

	cqCmd := command{
		opcode: adminOpCreateIoCQ,
		prp1:   uint64(q.cq.physical),
		cdw10:  c.ioQID | (q.cqEntries-1)<<16,
		cdw11:  cqFlagsPC,
	}
	comp, ok := c.admin.submit(cqCmd)
	if !ok || !succeeded(comp.status) {
		q.free()
		c.ioQueue = nil
		return errAdminQueueAlloc
	}

	sqCmd := command{
		opcode: adminOpCreateIoSQ,
		prp1:   uint64(q.sq.physical),
		cdw10:  c.ioQID | (q.sqEntries-1)<<16,
		cdw11:  c.ioQID<<16 | sqFlagsPC,
	}
	comp, ok = c.admin.submit(sqCmd)
	if !ok || !succeeded(comp.status) {
		q.free()
		c.ioQueue = nil
		return errAdminQueueAlloc
	}

	return nil
}

// Disks returns the namespaces this controller published during attach.
func (c *Controller) Disks() []*Disk { return c.disks }
