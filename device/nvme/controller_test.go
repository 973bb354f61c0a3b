package nvme

import (
	"exoscore/kernel/hal"
	"testing"
	"unsafe"
)

// fakeBAR0Phys is the sentinel physical address used by tests for the
// controller's BAR0; fakeController's MapIOMemoryFn only intercepts this one
// address, leaving every other physical address (e.g. queue/identify buffer
// allocations, which go through the default physArena-backed mapping) alone.
const fakeBAR0Phys = 0x1000

// fakeController wires a Controller against an in-memory MMIO region backed
// by a plain byte slice, mirroring the intr package's fakeMMIO test double.
// The register set simulates just enough of the admin queue handshake for
// attach() to proceed: CSTS.RDY follows CC.EN on the next read.
func fakeController(t *testing.T) (*Controller, []byte) {
	t.Helper()
	buf := make([]byte, bar0WindowSize)

	origMap := hal.MapIOMemoryFn
	origUnmap := hal.UnmapIOMemoryFn
	t.Cleanup(func() {
		hal.MapIOMemoryFn = origMap
		hal.UnmapIOMemoryFn = origUnmap
	})
	hal.MapIOMemoryFn = func(phys, size uintptr) uintptr {
		if phys == fakeBAR0Phys {
			return uintptr(unsafe.Pointer(&buf[0]))
		}
		return origMap(phys, size)
	}
	hal.UnmapIOMemoryFn = func(linear, size uintptr) {}

	mmioBase := uintptr(unsafe.Pointer(&buf[0]))

	// CAP: MQES=63 (bits 0-15), DSTRD=0 (bits 32-35).
	writeReg64(mmioBase, regCAP, 63)

	c := &Controller{addr: hal.PCIAddress{Bus: 0, Device: 1, Function: 0}}
	return c, buf
}

// simulateReadyFollowsEnable makes CSTS.RDY track CC.EN on every read, the
// behavior waitForReady depends on.
func simulateReadyFollowsEnable(mmioBase uintptr) {
	cc := readReg32(mmioBase, regCC)
	if cc&ccEN != 0 {
		writeReg32(mmioBase, regCSTS, cstsRDY)
	} else {
		writeReg32(mmioBase, regCSTS, 0)
	}
}

func TestDoorbellStride(t *testing.T) {
	if got := doorbellStride(0); got != 4 {
		t.Fatalf("expected stride 4 for DSTRD=0, got %d", got)
	}
	// DSTRD=1 -> 4 << 1 = 8, encoded in bits 32-35 of CAP.
	if got := doorbellStride(uint64(1) << 32); got != 8 {
		t.Fatalf("expected stride 8 for DSTRD=1, got %d", got)
	}
}

func TestSqTailCqHeadDoorbellOffsets(t *testing.T) {
	if got := sqTailDoorbell(0, 4); got != 0 {
		t.Fatalf("expected admin SQ doorbell at offset 0, got %#x", got)
	}
	if got := cqHeadDoorbell(0, 4); got != 4 {
		t.Fatalf("expected admin CQ doorbell at offset 4, got %#x", got)
	}
	if got := sqTailDoorbell(1, 4); got != 8 {
		t.Fatalf("expected I/O queue 1 SQ doorbell at offset 8, got %#x", got)
	}
	if got := cqHeadDoorbell(1, 4); got != 12 {
		t.Fatalf("expected I/O queue 1 CQ doorbell at offset 12, got %#x", got)
	}
}

func TestAllocateQueueBufferAlignedAndContiguous(t *testing.T) {
	buf, ok := allocateQueueBuffer(adminQueueEntries * adminSQEntrySize)
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	defer buf.free()

	if buf.base%queueAlignment != 0 {
		t.Fatalf("expected 4 KiB aligned base, got %#x", buf.base)
	}
	if buf.physical == 0 {
		t.Fatal("expected nonzero physical address")
	}
}

func TestCommandEncodeDecodeRoundTrip(t *testing.T) {
	cmd := command{
		opcode:    adminOpIdentify,
		commandID: 0x1234,
		nsid:      7,
		prp1:      0xdeadbeef,
		cdw10:     cnsIdentifyController,
	}
	buf := make([]byte, commandSize)
	cmd.encodeInto(buf)

	if buf[0] != adminOpIdentify {
		t.Fatalf("expected opcode byte %#x, got %#x", adminOpIdentify, buf[0])
	}
	if got := uint16(buf[2]) | uint16(buf[3])<<8; got != 0x1234 {
		t.Fatalf("expected command id 0x1234 encoded at offset 2, got %#x", got)
	}
}

func TestStatusCodeDecoding(t *testing.T) {
	// phase=1, SC=0x02, SCT=0x1, MORE=1, DNR=0.
	status := uint16(1) | (uint16(0x02)|uint16(0x1)<<8|uint16(1)<<13)<<1
	sc, sct, more, dnr := statusCode(status)
	if sc != 0x02 || sct != 0x1 || !more || dnr {
		t.Fatalf("unexpected decode: sc=%#x sct=%#x more=%v dnr=%v", sc, sct, more, dnr)
	}
	if succeeded(status) {
		t.Fatal("expected nonzero SC/SCT to report failure")
	}
	if !succeeded(1) {
		t.Fatal("expected phase-only status (SC=SCT=0) to report success")
	}
}

func TestQueuePairSubmitRoundTrip(t *testing.T) {
	buf := make([]byte, bar0WindowSize)
	mmioBase := uintptr(unsafe.Pointer(&buf[0]))

	q, ok := newQueuePair(0, mmioBase, 4, adminQueueEntries, adminQueueEntries, adminSQEntrySize, adminCQEntrySize)
	if !ok {
		t.Fatal("expected queue pair allocation to succeed")
	}
	defer q.free()

	done := make(chan struct{})
	go func() {
		// Wait for the driver to ring the SQ doorbell, then post a
		// matching completion with the current phase tag.
		for readReg32(mmioBase, doorbellOffset+sqTailDoorbell(0, 4)) == 0 {
		}
		cq := q.cq.bytes()
		comp := completion{commandID: 1, status: 1}
		raw := make([]byte, completionSize)
		encodeCompletion(comp, raw)
		copy(cq[0:completionSize], raw)
		close(done)
	}()

	cmd := command{opcode: adminOpIdentify}
	comp, ok := q.submit(cmd)
	<-done
	if !ok {
		t.Fatal("expected submit to observe the posted completion")
	}
	if comp.commandID != 1 {
		t.Fatalf("expected completion command id 1, got %#x", comp.commandID)
	}
}

func TestQueuePairSubmitTimesOutOnNoCompletion(t *testing.T) {
	buf := make([]byte, bar0WindowSize)
	mmioBase := uintptr(unsafe.Pointer(&buf[0]))

	q, ok := newQueuePair(0, mmioBase, 4, adminQueueEntries, adminQueueEntries, adminSQEntrySize, adminCQEntrySize)
	if !ok {
		t.Fatal("expected queue pair allocation to succeed")
	}
	defer q.free()

	// cqPhase starts at 1, so a zeroed CQ entry never matches and the
	// wall-clock bound in submit() applies.
	_, ok = q.submit(command{opcode: adminOpIdentify})
	if ok {
		t.Fatal("expected submit to time out with no completion posted")
	}
}

func TestControllerAttachBringsUpAdminQueue(t *testing.T) {
	c, buf := fakeController(t)
	mmioBase := uintptr(unsafe.Pointer(&buf[0]))

	// bar0Physical reads BAR0 from PCI config space; seed a 32-bit memory
	// BAR pointing at a nonzero, page-aligned physical address. attach()
	// remaps via MapIOMemoryFn regardless of the address's validity.
	hal.PCIWrite32Fn(c.addr, pciCfgBAR0, fakeBAR0Phys)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				simulateReadyFollowsEnable(mmioBase)
			}
		}
	}()

	err := c.attach()
	close(stop)
	<-done
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.admin == nil {
		t.Fatal("expected admin queue pair to be allocated")
	}
}

func TestControllerAttachFailsWithoutMemoryBAR(t *testing.T) {
	c, _ := fakeController(t)
	hal.PCIWrite32Fn(c.addr, pciCfgBAR0, 0x1) // I/O space BAR

	if err := c.attach(); err != errBadBAR0 {
		t.Fatalf("expected errBadBAR0, got %v", err)
	}
}

func TestIdentifyNamespaceRejectsOutOfRangeLBADS(t *testing.T) {
	c, buf := fakeController(t)
	mmioBase := uintptr(unsafe.Pointer(&buf[0]))

	admin, ok := newQueuePair(0, mmioBase, 4, adminQueueEntries, adminQueueEntries, adminSQEntrySize, adminCQEntrySize)
	if !ok {
		t.Fatal("expected admin queue allocation to succeed")
	}
	defer admin.free()
	c.admin = admin

	done := make(chan struct{})
	go func() {
		for readReg32(mmioBase, doorbellOffset+sqTailDoorbell(0, 4)) == 0 {
		}
		data := make([]byte, 0x1000)
		data[26] = 0 // FLBAS -> format index 0
		// LBAF[0] descriptor at offset 128: LBADS = 20 (invalid, > 16).
		data[128+2] = 20

		// Copy into the admin queue's identify target, located via PRP1
		// of the pending command.
		raw := admin.sq.bytes()[0:commandSize]
		prp1 := uint64(raw[24]) | uint64(raw[25])<<8 | uint64(raw[26])<<16 | uint64(raw[27])<<24 |
			uint64(raw[28])<<32 | uint64(raw[29])<<40 | uint64(raw[30])<<48 | uint64(raw[31])<<56
		target := hal.MapIOMemoryFn(prp1, 0x1000)
		if target != 0 {
			dst := unsafe.Slice((*byte)(unsafe.Pointer(target)), 0x1000)
			copy(dst, data)
		}

		cq := admin.cq.bytes()
		comp := completion{commandID: 1, status: 1}
		rawComp := make([]byte, completionSize)
		encodeCompletion(comp, rawComp)
		copy(cq[0:completionSize], rawComp)
		close(done)
	}()

	_, ok = c.identifyNamespace(1)
	<-done
	if ok {
		t.Fatal("expected identifyNamespace to reject LBADS=20")
	}
}

func TestTransferSectorsRejectsUnalignedBuffer(t *testing.T) {
	c := &Controller{}
	q, ok := newQueuePair(1, 0, 4, ioQueueEntries, ioQueueEntries, ioSQEntrySize, ioCQEntrySize)
	if !ok {
		t.Fatal("expected I/O queue allocation to succeed")
	}
	defer q.free()
	c.ioQueue = q

	buf := make([]byte, 4096+1)[1:] // deliberately unaligned to 4 KiB
	if c.transferSectors(ioOpRead, 1, 0, 1, 512, buf) {
		t.Fatal("expected unaligned buffer to be rejected")
	}
}

func TestTransferSectorsRejectsOversizeTransfer(t *testing.T) {
	c := &Controller{}
	q, ok := newQueuePair(1, 0, 4, ioQueueEntries, ioQueueEntries, ioSQEntrySize, ioCQEntrySize)
	if !ok {
		t.Fatal("expected I/O queue allocation to succeed")
	}
	defer q.free()
	c.ioQueue = q

	buf, ok := allocateQueueBuffer(3 * queueAlignment)
	if !ok {
		t.Fatal("expected buffer allocation to succeed")
	}
	defer buf.free()

	// 3 pages worth of sectors exceeds the PRP1+PRP2 two-page limit.
	sectorCount := uint32(3 * queueAlignment / 512)
	if c.transferSectors(ioOpRead, 1, 0, sectorCount, 512, buf.bytes()) {
		t.Fatal("expected oversize transfer to be rejected")
	}
}

func TestWriteSectorsRejectedOnReadOnlyDisk(t *testing.T) {
	d := &Disk{Access: AccessReadOnly, BytesPerSector: 512}
	buf := make([]byte, 512)
	if d.WriteSectors(0, 1, buf) {
		t.Fatal("expected WriteSectors to fail on a read-only disk")
	}
}
