package vfs

import (
	"exoscore/kernel/hal"
	"unsafe"
)

const pageSize = 0x1000 // 4 KiB, the NVMe driver's PRP1/PRP2 transfer unit

// DiskAdaptor dispatches DISK_* operations onto one block device, chunking
// transfers to the device's per-command size limit and bounce-buffering
// whenever the caller's buffer isn't page-aligned and physically
// contiguous. Grounded on NTFS-VFS.c's disk-facing half of the dispatch
// table and spec.md §4.5's max_sectors = 8192 / bytes_per_sector rule.
type DiskAdaptor struct {
	device   BlockDevice
	geometry DiskGeometry
}

// NewDiskAdaptor wraps device for dispatch, with geometry as reported by
// the underlying driver (e.g. an nvme.Disk's NumSectors/BytesPerSector/
// Access fields).
func NewDiskAdaptor(device BlockDevice, geometry DiskGeometry) *DiskAdaptor {
	return &DiskAdaptor{device: device, geometry: geometry}
}

// DiskInfo mirrors DISK_GETINFO's result.
type DiskInfo struct {
	NumSectors     uint64
	BytesPerSector uint32
	ReadOnly       bool
}

// GetInfo implements DISK_GETINFO.
func (d *DiskAdaptor) GetInfo() DiskInfo {
	return DiskInfo{
		NumSectors:     d.geometry.NumSectors,
		BytesPerSector: d.geometry.BytesPerSector,
		ReadOnly:       d.geometry.ReadOnly,
	}
}

// SetAccess implements DISK_SETACCESS.
func (d *DiskAdaptor) SetAccess(readOnly bool) ReturnCode {
	d.geometry.ReadOnly = readOnly
	return ReturnSuccess
}

// Reset implements DISK_RESET. The NVMe driver has no controller-reset
// primitive to invoke (see DESIGN.md's NVMe timeout-recovery decision), so
// this is reported as not implemented rather than silently succeeding.
func (d *DiskAdaptor) Reset() ReturnCode {
	return ReturnNotImplemented
}

func (d *DiskAdaptor) chunkSectors() uint32 {
	if d.geometry.BytesPerSector == 0 {
		return 1
	}
	max := pageSize * 2 / d.geometry.BytesPerSector
	if max == 0 {
		return 1
	}
	return max
}

// Read implements DISK_READ(iocontrol).
func (d *DiskAdaptor) Read(sectorLow, sectorHigh, numSectors uint32, buffer []byte) ReturnCode {
	return d.transfer(sectorLow, sectorHigh, numSectors, buffer, false)
}

// Write implements DISK_WRITE(iocontrol).
func (d *DiskAdaptor) Write(sectorLow, sectorHigh, numSectors uint32, buffer []byte) ReturnCode {
	if d.geometry.ReadOnly {
		return ReturnNoPermission
	}
	return d.transfer(sectorLow, sectorHigh, numSectors, buffer, true)
}

func (d *DiskAdaptor) transfer(sectorLow, sectorHigh, numSectors uint32, buffer []byte, write bool) ReturnCode {
	if numSectors == 0 {
		return ReturnBadParameter
	}
	bytesPerSector := uint64(d.geometry.BytesPerSector)
	totalBytes := uint64(numSectors) * bytesPerSector
	if uint64(len(buffer)) < totalBytes {
		return ReturnBadParameter
	}

	lba := uint64(sectorHigh)<<32 | uint64(sectorLow)
	maxChunk := d.chunkSectors()

	offset := uint64(0)
	remaining := numSectors
	for remaining > 0 {
		chunk := remaining
		if chunk > maxChunk {
			chunk = maxChunk
		}
		chunkBytes := uint64(chunk) * bytesPerSector
		dest := buffer[offset : offset+chunkBytes]

		if !d.transferChunk(lba, chunk, dest, write) {
			return ReturnInputOutput
		}

		offset += chunkBytes
		lba += uint64(chunk)
		remaining -= chunk
	}
	return ReturnSuccess
}

// transferChunk issues one on-the-wire transfer, going through a bounce
// buffer whenever the caller's slice isn't page-aligned and physically
// contiguous (the device driver's own transfer primitive requires both).
func (d *DiskAdaptor) transferChunk(lba uint64, sectorCount uint32, buf []byte, write bool) bool {
	if isPageAlignedContiguous(buf) {
		if write {
			return d.device.WriteSectors(lba, sectorCount, buf)
		}
		return d.device.ReadSectors(lba, sectorCount, buf)
	}

	bounce, ok := allocBounceBuffer(len(buf))
	if !ok {
		return false
	}
	defer bounce.free()

	if write {
		copy(bounce.bytes(), buf)
		return d.device.WriteSectors(lba, sectorCount, bounce.bytes())
	}

	if !d.device.ReadSectors(lba, sectorCount, bounce.bytes()) {
		return false
	}
	copy(buf, bounce.bytes())
	return true
}

// isPageAlignedContiguous reports whether buf starts on a page boundary and
// every page-sized stride within it maps to physically contiguous memory,
// the same two checks the NVMe driver's own transfer path makes.
func isPageAlignedContiguous(buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	base := uintptr(unsafe.Pointer(&buf[0]))
	if base%pageSize != 0 {
		return false
	}
	basePhys := hal.MapLinearToPhysicalFn(base)
	if basePhys == 0 {
		return false
	}
	for off := uintptr(0); off < uintptr(len(buf)); off += pageSize {
		if hal.MapLinearToPhysicalFn(base+off) != basePhys+off {
			return false
		}
	}
	return true
}

// bounceBuffer is a page-aligned, physically-contiguous scratch buffer used
// to stage a transfer when the caller's own buffer can't satisfy the
// device driver's alignment/contiguity requirement directly. Mirrors the
// over-allocate-then-align pattern in device/nvme's queueBuffer.
type bounceBuffer struct {
	raw  uintptr
	base uintptr
	size int
}

func allocBounceBuffer(size int) (bounceBuffer, bool) {
	rawSize := uintptr(size) + pageSize
	raw := hal.KernelHeapAllocFn(rawSize)
	if raw == 0 {
		return bounceBuffer{}, false
	}
	base := (raw + pageSize - 1) &^ (pageSize - 1)
	return bounceBuffer{raw: raw, base: base, size: size}, true
}

func (b *bounceBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
}

func (b *bounceBuffer) free() {
	if b.raw != 0 {
		hal.KernelHeapFreeFn(b.raw)
	}
	*b = bounceBuffer{}
}
