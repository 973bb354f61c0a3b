// Package ntfs implements a read-only NTFS file system driver: boot sector
// parsing, MFT record loading with fixup, attribute parsing, non-resident
// data extraction, $I30 directory index traversal, and path resolution.
// Grounded on original_source/kernel/source/drivers/filesystems/NTFS-*.c.
package ntfs

import (
	"exoscore/kernel"
	"exoscore/kernel/sync"
)

// BlockDevice is the disk abstraction a mount is built on. Narrow on
// purpose: the storage VFS adaptor passes an *nvme.Disk here without this
// package importing nvme directly.
type BlockDevice interface {
	ReadSectors(lba uint64, sectorCount uint32, buffer []byte) bool
}

const (
	bootSectorSize = 512

	ntfsOEMOffset    = 3
	ntfsOEMID        = "NTFS    "
	bootSignatureOff = 510
	bootSignature    = 0xAA55

	rootFileRecordIndex = 5
	mftFileRecordIndex  = 0

	pathCacheSize = 32
)

var (
	errBadBootSector  = &kernel.Error{Module: "ntfs", Message: "not an NTFS boot sector"}
	errReadFailed     = &kernel.Error{Module: "ntfs", Message: "disk read failed"}
	errInvalidRecord  = &kernel.Error{Module: "ntfs", Message: "invalid file record"}
	errRecordNotFound = &kernel.Error{Module: "ntfs", Message: "file record not found"}
	errPathNotFound   = &kernel.Error{Module: "ntfs", Message: "path component not found"}
	errNotAFolder     = &kernel.Error{Module: "ntfs", Message: "path component is not a folder"}
)

// pathCacheEntry is one slot of the per-mount path lookup cache. Entries are
// never mutated in place; eviction overwrites the oldest slot.
type pathCacheEntry struct {
	valid        bool
	parentIndex  uint64
	childIndex   uint64
	childIsFolder bool
	name         string
}

// FileSystem is one mounted NTFS volume.
type FileSystem struct {
	device             BlockDevice
	partitionStartLBA  uint64
	partitionSectors   uint64

	bytesPerSector   uint32
	sectorsPerCluster uint32
	bytesPerCluster  uint32
	fileRecordSize   uint32
	mftStartCluster  uint64

	volumeLabel string

	mu              sync.Spinlock
	pathCache       [pathCacheSize]pathCacheEntry
	pathCacheNext   int

	mftDataRuns []runlistEntry

	warnLimiter *kernel.RateLimiter
}

// BytesPerSector returns the volume's logical sector size.
func (fs *FileSystem) BytesPerSector() uint32 { return fs.bytesPerSector }

// VolumeLabel returns the $VOLUME_NAME value read at mount time, or "" if
// the volume has none.
func (fs *FileSystem) VolumeLabel() string { return fs.volumeLabel }

func log2Uint32(v uint32) uint32 {
	var n uint32
	for v > 1 {
		v >>= 1
		n++
	}
	return n
}

func divCeil(a, b uint64) uint64 {
	return (a + b - 1) / b
}
