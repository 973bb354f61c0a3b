package nvme

import (
	"exoscore/kernel/hal"
	"unsafe"
)

// Controller register offsets, from
// original_source/kernel/source/drivers/NVMe-Core.c / NVMe-IO.c.
const (
	regCAP  = 0x00 // U64
	regVS   = 0x08
	regINTMS = 0x0c
	regINTMC = 0x10
	regCC   = 0x14
	regCSTS = 0x1c
	regAQA  = 0x24
	regASQ  = 0x28 // U64
	regACQ  = 0x30 // U64

	doorbellOffset = 0x1000
)

// CC register field shifts.
const (
	ccEN         = 1 << 0
	ccCSSShift   = 4
	ccMPSShift   = 7
	ccAMSShift   = 11
	ccSHNShift   = 14
	ccIOSQESShift = 16
	ccIOCQESShift = 20
)

const cstsRDY = 1 << 0

const (
	readyTimeoutLoops    = 1000000
	commandTimeoutMS     = 200
	commandTimeoutLoops  = 0x10000000

	adminQueueEntries  = 64
	adminSQEntrySize   = 64
	adminCQEntrySize   = 16
	ioQueueEntries     = 16
	ioSQEntrySize      = 64
	ioCQEntrySize      = 16

	queueAlignment = 0x1000 // 4 KiB
)

// mmioRegs returns a 32-bit register view over the controller's mapped BAR0.
func mmioRegs(mmioBase uintptr) []uint32 {
	const maxRegs = 0x2000 / 4
	return unsafe.Slice((*uint32)(unsafe.Pointer(mmioBase)), maxRegs)
}

func readReg32(mmioBase uintptr, offset uint32) uint32 {
	return mmioRegs(mmioBase)[offset/4]
}

func writeReg32(mmioBase uintptr, offset uint32, value uint32) {
	mmioRegs(mmioBase)[offset/4] = value
}

func readReg64(mmioBase uintptr, offset uint32) uint64 {
	lo := uint64(readReg32(mmioBase, offset))
	hi := uint64(readReg32(mmioBase, offset+4))
	return lo | hi<<32
}

func writeReg64(mmioBase uintptr, offset uint32, value uint64) {
	writeReg32(mmioBase, offset, uint32(value))
	writeReg32(mmioBase, offset+4, uint32(value>>32))
}

// doorbellStride derives the per-queue doorbell spacing in bytes from
// CAP.DSTRD (bits 32..35 of the 64-bit CAP register).
func doorbellStride(cap uint64) uint32 {
	dstrd := uint32((cap >> 32) & 0xf)
	return 4 << dstrd
}

// sqTailDoorbell and cqHeadDoorbell give the MMIO offset (from MMIO+0x1000)
// of queue i's submission-tail and completion-head doorbell registers.
func sqTailDoorbell(queue int, stride uint32) uint32 {
	return uint32(queue*2) * stride
}

func cqHeadDoorbell(queue int, stride uint32) uint32 {
	return uint32(queue*2+1) * stride
}

// queueBuffer is an aligned, physically-contiguous block of heap memory
// backing one submission or completion ring. Grounded on
// NVMeAllocateQueueBuffer in NVMe-Admin.c / NVMe-IO.c: the heap only
// guarantees word alignment, so the allocation is over-sized and the 4 KiB
// aligned window carved out of it by hand.
type queueBuffer struct {
	raw      uintptr
	rawSize  uintptr
	base     uintptr
	physical uintptr
	size     uintptr
}

func allocateQueueBuffer(size uintptr) (queueBuffer, bool) {
	rawSize := size + queueAlignment
	raw := hal.KernelHeapAllocFn(rawSize)
	if raw == 0 {
		return queueBuffer{}, false
	}

	base := (raw + queueAlignment - 1) &^ (queueAlignment - 1)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	for i := range buf {
		buf[i] = 0
	}

	physical := hal.MapLinearToPhysicalFn(base)
	if physical == 0 {
		hal.KernelHeapFreeFn(raw)
		return queueBuffer{}, false
	}

	for offset := uintptr(0); offset < size; offset += queueAlignment {
		phys := hal.MapLinearToPhysicalFn(base + offset)
		if phys != physical+offset {
			hal.KernelHeapFreeFn(raw)
			return queueBuffer{}, false
		}
	}

	return queueBuffer{raw: raw, rawSize: rawSize, base: base, physical: physical, size: size}, true
}

func (b *queueBuffer) free() {
	if b.raw != 0 {
		hal.KernelHeapFreeFn(b.raw)
	}
	*b = queueBuffer{}
}

func (b *queueBuffer) bytes() []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(b.base)), b.size)
}
