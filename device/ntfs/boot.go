package ntfs

import (
	"encoding/binary"
	"exoscore/kernel"
	"time"
)

// Mount reads the boot sector at partitionStartLBA, derives volume
// geometry, and returns a FileSystem ready for path resolution. Grounded on
// MountPartition_NTFS in original_source/kernel/source/drivers/
// filesystems/NTFS-Base.c.
func Mount(device BlockDevice, partitionStartLBA, partitionSectors uint64) (*FileSystem, *kernel.Error) {
	// The boot sector's own bytes-per-sector field is not known yet, so
	// the very first read assumes the conventional 512-byte sector; every
	// subsequent read uses the volume's declared value.
	boot := make([]byte, bootSectorSize)
	if !device.ReadSectors(partitionStartLBA, 1, boot) {
		return nil, errReadFailed
	}

	if string(boot[ntfsOEMOffset:ntfsOEMOffset+len(ntfsOEMID)]) != ntfsOEMID {
		return nil, errBadBootSector
	}
	if binary.LittleEndian.Uint16(boot[bootSignatureOff:]) != bootSignature {
		return nil, errBadBootSector
	}

	bytesPerSector := uint32(binary.LittleEndian.Uint16(boot[11:13]))
	sectorsPerCluster := uint32(boot[13])
	if bytesPerSector == 0 || sectorsPerCluster == 0 {
		return nil, errBadBootSector
	}
	bytesPerCluster := bytesPerSector * sectorsPerCluster

	fileRecordSize := decodeSizeByte(int8(boot[64]), bytesPerCluster)
	if fileRecordSize == 0 {
		return nil, errBadBootSector
	}

	mftStartCluster := binary.LittleEndian.Uint64(boot[48:56])

	fs := &FileSystem{
		device:            device,
		partitionStartLBA: partitionStartLBA,
		partitionSectors:  partitionSectors,
		bytesPerSector:    bytesPerSector,
		sectorsPerCluster: sectorsPerCluster,
		bytesPerCluster:   bytesPerCluster,
		fileRecordSize:    fileRecordSize,
		mftStartCluster:   mftStartCluster,
		warnLimiter:       kernel.NewRateLimiter(8, time.Second),
	}

	if label, ok := fs.readVolumeLabel(); ok {
		fs.volumeLabel = label
	}

	return fs, nil
}

// decodeSizeByte turns the boot sector's packed cluster-or-power-of-two
// field into a byte count, per spec.md's on-disk format note: positive
// means a count of clusters, negative-as-signed means 2^|value| bytes.
func decodeSizeByte(raw int8, bytesPerCluster uint32) uint32 {
	if raw > 0 {
		return uint32(raw) * bytesPerCluster
	}
	if raw == 0 {
		return 0
	}
	shift := uint(-int(raw))
	if shift >= 32 {
		return 0
	}
	return 1 << shift
}

// readSectors reads sectorCount sectors starting at the volume-relative LBA
// into buffer, translating to the underlying device's absolute LBA.
func (fs *FileSystem) readSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	if lba+uint64(sectorCount) > fs.partitionSectors && fs.partitionSectors != 0 {
		return false
	}
	return fs.device.ReadSectors(fs.partitionStartLBA+lba, sectorCount, buffer)
}

// readVolumeLabel loads the $Volume file record and extracts its
// VOLUME_NAME attribute, if present. Best-effort: a missing or malformed
// $Volume record leaves the volume unlabeled rather than failing the mount.
func (fs *FileSystem) readVolumeLabel() (string, bool) {
	const volumeFileRecordIndex = 3

	buf, err := fs.loadFileRecordBuffer(volumeFileRecordIndex)
	if err != nil {
		return "", false
	}

	views := fs.parseAttributes(buf)
	for _, v := range views {
		if v.attrType != attrTypeVolumeName || v.nonResident {
			continue
		}
		value, ok := fs.residentValue(buf, v)
		if !ok {
			continue
		}
		return decodeUTF16LE(value), true
	}
	return "", false
}
