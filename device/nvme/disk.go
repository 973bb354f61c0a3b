package nvme

import (
	"exoscore/kernel/hal"
	"unsafe"
)

const maxTransferBytes = 2 * queueAlignment // PRP1+PRP2 covers at most two 4 KiB pages

// ReadSectors reads sectorCount sectors starting at lba into buffer, which
// must be 4 KiB-aligned and physically contiguous across every 4 KiB
// boundary, and must cover at most two pages (spec.md's PRP1/PRP2 limit;
// larger or unaligned transfers are the caller's responsibility to chunk or
// bounce-buffer, see the storage VFS adaptor).
func (d *Disk) ReadSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	return d.controller.transferSectors(ioOpRead, d.NamespaceID, lba, sectorCount, d.BytesPerSector, buffer)
}

// WriteSectors writes sectorCount sectors starting at lba from buffer, with
// the same alignment/contiguity/size constraints as ReadSectors. Returns
// false without attempting the write if the disk is read-only.
func (d *Disk) WriteSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	if d.Access == AccessReadOnly {
		return false
	}
	return d.controller.transferSectors(ioOpWrite, d.NamespaceID, lba, sectorCount, d.BytesPerSector, buffer)
}

func (c *Controller) transferSectors(opcode uint8, nsid uint32, lba uint64, sectorCount uint32, bytesPerSector uint32, buffer []byte) bool {
	if c.ioQueue == nil || sectorCount == 0 || len(buffer) == 0 {
		return false
	}
	if bytesPerSector == 0 {
		bytesPerSector = 512
	}
	if sectorCount > 0x10000 {
		return false
	}

	transferBytes := uint64(sectorCount) * uint64(bytesPerSector)
	if uint64(len(buffer)) < transferBytes {
		return false
	}
	if transferBytes > maxTransferBytes {
		return false
	}

	bufferLinear := uintptr(unsafe.Pointer(&buffer[0]))
	if bufferLinear&(queueAlignment-1) != 0 {
		return false
	}

	basePhys := hal.MapLinearToPhysicalFn(bufferLinear)
	if basePhys == 0 {
		return false
	}
	for offset := uint64(0); offset < transferBytes; offset += queueAlignment {
		if hal.MapLinearToPhysicalFn(bufferLinear+uintptr(offset)) != basePhys+uintptr(offset) {
			return false
		}
	}

	cmd := command{
		opcode: opcode,
		nsid:   nsid,
		prp1:   uint64(basePhys),
		cdw10:  uint32(lba),
		cdw11:  uint32(lba >> 32),
		cdw12:  uint32(sectorCount-1) & 0xffff,
	}
	if transferBytes > queueAlignment {
		cmd.prp2 = uint64(basePhys + queueAlignment)
	}

	comp, ok := c.ioQueue.submit(cmd)
	return ok && succeeded(comp.status)
}
