package vfs

import (
	"testing"
	"unsafe"

	"exoscore/kernel/hal"
)

// pageAlignedBuffer over-allocates and aligns through the same host-side
// heap arena the NVMe driver's queueBuffer uses, giving tests a buffer that
// satisfies isPageAlignedContiguous's direct-transfer path.
func pageAlignedBuffer(t *testing.T, size int) []byte {
	t.Helper()
	raw := hal.KernelHeapAllocFn(uintptr(size) + pageSize)
	if raw == 0 {
		t.Fatal("heap allocation failed")
	}
	t.Cleanup(func() { hal.KernelHeapFreeFn(raw) })
	base := (raw + pageSize - 1) &^ (pageSize - 1)
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

func TestDiskAdaptorReadWriteRoundTrip(t *testing.T) {
	dev := &fakeBlockDevice{bytesPerSector: 512, data: make([]byte, 64*512)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 64, BytesPerSector: 512})

	want := []byte("round trip payload data")
	src := make([]byte, 512)
	copy(src, want)

	if rc := d.Write(0, 0, 1, src); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS on write, got %v", rc)
	}

	dest := make([]byte, 512)
	if rc := d.Read(0, 0, 1, dest); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS on read, got %v", rc)
	}
	if string(dest[:len(want)]) != string(want) {
		t.Fatalf("expected %q, got %q", want, dest[:len(want)])
	}
}

func TestDiskAdaptorWriteRejectedWhenReadOnly(t *testing.T) {
	dev := &fakeBlockDevice{bytesPerSector: 512, data: make([]byte, 64*512)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 64, BytesPerSector: 512, ReadOnly: true})

	if rc := d.Write(0, 0, 1, make([]byte, 512)); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION on read-only write, got %v", rc)
	}
}

func TestDiskAdaptorRejectsUndersizedBuffer(t *testing.T) {
	dev := &fakeBlockDevice{bytesPerSector: 512, data: make([]byte, 64*512)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 64, BytesPerSector: 512})

	if rc := d.Read(0, 0, 2, make([]byte, 512)); rc != ReturnBadParameter {
		t.Fatalf("expected BAD_PARAMETER for undersized buffer, got %v", rc)
	}
	if rc := d.Read(0, 0, 0, nil); rc != ReturnBadParameter {
		t.Fatalf("expected BAD_PARAMETER for zero sector count, got %v", rc)
	}
}

func TestDiskAdaptorResetNotImplemented(t *testing.T) {
	dev := &fakeBlockDevice{bytesPerSector: 512, data: make([]byte, 64*512)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 64, BytesPerSector: 512})

	if rc := d.Reset(); rc != ReturnNotImplemented {
		t.Fatalf("expected NOT_IMPLEMENTED on reset, got %v", rc)
	}
}

func TestDiskAdaptorChunksLargeTransfers(t *testing.T) {
	const bytesPerSector = 512
	dev := &fakeBlockDevice{bytesPerSector: bytesPerSector, data: make([]byte, 20000*bytesPerSector)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 20000, BytesPerSector: bytesPerSector})

	maxChunk := d.chunkSectors()
	if maxChunk != 8192/bytesPerSector {
		t.Fatalf("expected max_sectors rule 8192/bytes_per_sector = %d, got %d", 8192/bytesPerSector, maxChunk)
	}

	// Exercise a transfer spanning several chunks end to end.
	sectors := maxChunk*2 + 3
	src := make([]byte, uint64(sectors)*bytesPerSector)
	for i := range src {
		src[i] = byte(i)
	}
	if rc := d.Write(0, 0, sectors, src); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS writing %d sectors, got %v", sectors, rc)
	}

	dest := make([]byte, len(src))
	if rc := d.Read(0, 0, sectors, dest); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS reading %d sectors, got %v", sectors, rc)
	}
	for i := range src {
		if dest[i] != src[i] {
			t.Fatalf("mismatch at byte %d: want %d, got %d", i, src[i], dest[i])
		}
	}
}

func TestDiskAdaptorDirectTransferWhenPageAligned(t *testing.T) {
	const bytesPerSector = 512
	dev := &fakeBlockDevice{bytesPerSector: bytesPerSector, data: make([]byte, 64*bytesPerSector)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 64, BytesPerSector: bytesPerSector})

	buf := pageAlignedBuffer(t, bytesPerSector)
	for i := range buf {
		buf[i] = byte(i)
	}

	if rc := d.Write(0, 0, 1, buf); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS on page-aligned write, got %v", rc)
	}

	readBuf := pageAlignedBuffer(t, bytesPerSector)
	if rc := d.Read(0, 0, 1, readBuf); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS on page-aligned read, got %v", rc)
	}
	for i := range buf {
		if readBuf[i] != buf[i] {
			t.Fatalf("mismatch at byte %d", i)
		}
	}
}

func TestDiskAdaptorGetInfo(t *testing.T) {
	dev := &fakeBlockDevice{bytesPerSector: 4096, data: make([]byte, 10*4096)}
	d := NewDiskAdaptor(dev, DiskGeometry{NumSectors: 10, BytesPerSector: 4096, ReadOnly: true})

	info := d.GetInfo()
	if info.NumSectors != 10 || info.BytesPerSector != 4096 || !info.ReadOnly {
		t.Fatalf("unexpected info: %+v", info)
	}

	if rc := d.SetAccess(false); rc != ReturnSuccess {
		t.Fatalf("expected SUCCESS on SetAccess, got %v", rc)
	}
	if d.GetInfo().ReadOnly {
		t.Fatal("expected read-only flag cleared after SetAccess(false)")
	}
}
