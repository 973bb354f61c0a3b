package vfs

import (
	"encoding/binary"
	"testing"

	"exoscore/device/ntfs"
)

// fakeBlockDevice is a BlockDevice backed by a plain byte slice, usable both
// as an ntfs.BlockDevice (read-only) and a vfs.BlockDevice (read/write).
type fakeBlockDevice struct {
	bytesPerSector uint32
	data           []byte
	readOnly       bool
}

func (d *fakeBlockDevice) ReadSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	start := lba * uint64(d.bytesPerSector)
	end := start + uint64(sectorCount)*uint64(d.bytesPerSector)
	if end > uint64(len(d.data)) {
		return false
	}
	copy(buffer, d.data[start:end])
	return true
}

func (d *fakeBlockDevice) WriteSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	if d.readOnly {
		return false
	}
	start := lba * uint64(d.bytesPerSector)
	end := start + uint64(sectorCount)*uint64(d.bytesPerSector)
	if end > uint64(len(d.data)) {
		return false
	}
	copy(d.data[start:end], buffer)
	return true
}

const (
	testBytesPerSector    = 512
	testSectorsPerCluster = 1
	testFileRecordSize    = 1024
	testMFTStartCluster   = 4
	rootRecordIndex       = 5
)

// newMountedVolume builds a boot sector and an empty root folder record
// directly on a fakeBlockDevice, then mounts it.
func newMountedVolume(t *testing.T) (*ntfs.FileSystem, *fakeBlockDevice) {
	t.Helper()

	const volumeSectors = 1000
	disk := &fakeBlockDevice{bytesPerSector: testBytesPerSector, data: make([]byte, volumeSectors*testBytesPerSector)}

	boot := make([]byte, 512)
	copy(boot[3:], "NTFS    ")
	binary.LittleEndian.PutUint16(boot[11:], testBytesPerSector)
	boot[13] = testSectorsPerCluster
	boot[64] = byte(int8(2)) // 2 clusters per file record = 1024 bytes
	binary.LittleEndian.PutUint64(boot[48:], testMFTStartCluster)
	binary.LittleEndian.PutUint16(boot[510:], 0xAA55)
	copy(disk.data[0:512], boot)

	root := make([]byte, testFileRecordSize)
	binary.LittleEndian.PutUint32(root, 0x454C4946) // "FILE"
	binary.LittleEndian.PutUint16(root[4:], 42)      // usaOffset
	binary.LittleEndian.PutUint16(root[6:], 1)       // usaSize: no protected sectors
	binary.LittleEndian.PutUint16(root[16:], 1)      // sequence
	binary.LittleEndian.PutUint16(root[18:], 1)      // hard link count
	binary.LittleEndian.PutUint16(root[20:], 56)     // attrOffset
	binary.LittleEndian.PutUint16(root[22:], 0x0001|0x0002) // IN_USE | FOLDER
	binary.LittleEndian.PutUint32(root[24:], 60)            // usedSize
	binary.LittleEndian.PutUint32(root[28:], testFileRecordSize)
	binary.LittleEndian.PutUint32(root[56:], 0xFFFFFFFF) // end marker, no attributes

	rootLBA := testMFTStartCluster + (rootRecordIndex*testFileRecordSize)/testBytesPerSector
	copy(disk.data[rootLBA*testBytesPerSector:], root)

	fs, err := ntfs.Mount(disk, 0, volumeSectors)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	return fs, disk
}

func TestFilesystemAdaptorOpenRootAndStat(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	h, rc := a.OpenFile(FileInfo{Name: "/", Flags: ntfs.OpenRead})
	if rc != ReturnSuccess {
		t.Fatalf("expected success opening root, got %v", rc)
	}

	header, rc := a.Stat(h)
	if rc != ReturnSuccess {
		t.Fatalf("expected success on stat, got %v", rc)
	}
	if header.Attributes&ntfs.AttrFolder == 0 {
		t.Fatal("expected root to report as a folder")
	}

	if rc := a.CloseFile(h); rc != ReturnSuccess {
		t.Fatalf("expected success closing handle, got %v", rc)
	}
	if rc := a.CloseFile(h); rc != ReturnBadParameter {
		t.Fatalf("expected BAD_PARAMETER on double close, got %v", rc)
	}
}

func TestFilesystemAdaptorOpenFileRejectsWrite(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	if _, rc := a.OpenFile(FileInfo{Name: "/missing.txt", Flags: ntfs.OpenWrite}); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION for write-flagged open, got %v", rc)
	}
}

func TestFilesystemAdaptorOpenFileMissingPath(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	if _, rc := a.OpenFile(FileInfo{Name: "/nope.txt", Flags: ntfs.OpenRead}); rc != ReturnBadParameter {
		t.Fatalf("expected BAD_PARAMETER for missing path, got %v", rc)
	}
}

func TestFilesystemAdaptorWriteAlwaysDenied(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	h, rc := a.OpenFile(FileInfo{Name: "/", Flags: ntfs.OpenRead})
	if rc != ReturnSuccess {
		t.Fatalf("expected success opening root, got %v", rc)
	}
	if _, rc := a.Write(h, []byte("x")); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION on write, got %v", rc)
	}
}

func TestFilesystemAdaptorMutatingOpsAlwaysDenied(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	if rc := a.CreateFolder("/new"); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION for CreateFolder, got %v", rc)
	}
	if rc := a.Rename("/a", "/b"); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION for Rename, got %v", rc)
	}
	if rc := a.Delete("/a"); rc != ReturnNoPermission {
		t.Fatalf("expected NO_PERMISSION for Delete, got %v", rc)
	}
}

func TestFilesystemAdaptorGetVolumeInfo(t *testing.T) {
	fs, _ := newMountedVolume(t)
	a := NewFilesystemAdaptor(fs)

	info := a.GetVolumeInfo()
	if info.BytesPerSector != testBytesPerSector {
		t.Fatalf("expected %d bytes per sector, got %d", testBytesPerSector, info.BytesPerSector)
	}
	if !info.ReadOnly {
		t.Fatal("expected mount to report read-only")
	}
}

func TestReturnCodeString(t *testing.T) {
	tests := []struct {
		rc   ReturnCode
		want string
	}{
		{ReturnSuccess, "SUCCESS"},
		{ReturnBadParameter, "BAD_PARAMETER"},
		{ReturnNoPermission, "NO_PERMISSION"},
		{ReturnNotImplemented, "NOT_IMPLEMENTED"},
		{ReturnCode(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.rc.String(); got != tt.want {
			t.Fatalf("ReturnCode(%d).String() = %q, want %q", tt.rc, got, tt.want)
		}
	}
}
