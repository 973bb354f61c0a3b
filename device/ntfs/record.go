package ntfs

import (
	"encoding/binary"
	"exoscore/kernel"
	"exoscore/kernel/kfmt"
)

const (
	fileRecordMagic = 0x454C4946 // "FILE"

	frFlagInUse  = 0x0001
	frFlagFolder = 0x0002

	attrHeaderMinSize = 24

	attrTypeStandardInformation = 0x10
	attrTypeAttributeList       = 0x20
	attrTypeFileName            = 0x30
	attrTypeObjectID             = 0x40
	attrTypeSecurityDescriptor   = 0x50
	attrTypeVolumeName           = 0x60
	attrTypeVolumeInformation    = 0x70
	attrTypeData                 = 0x80
	attrTypeIndexRoot            = 0x90
	attrTypeIndexAllocation      = 0xA0
	attrTypeBitmap               = 0xB0
	attrTypeReparsePoint         = 0xC0
	attrTypeEndMarker            = 0xFFFFFFFF

	fileNameNamespacePOSIX   = 0
	fileNameNamespaceWin32   = 1
	fileNameNamespaceDOS     = 2
	fileNameNamespaceWin32DOS = 3
)

// attributeView describes one attribute record found while walking a file
// record's attribute stream. Grounded on NTFS_ATTRIBUTE_VIEW in
// original_source's NTFS-Private.h / NTFS-Record.c.
type attributeView struct {
	attrType    uint32
	offset      uint32 // offset of the attribute header within the record buffer
	length      uint32
	nonResident bool
	nameLength  uint8
	nameOffset  uint16

	// Resident fields.
	valueOffset uint16
	valueLength uint32

	// Non-resident fields.
	startingVCN    uint64
	endingVCN      uint64
	runListOffset  uint16
	allocatedSize  uint64
	dataSize       uint64
	initializedSize uint64
}

// fileNameInfo is the decoded $FILE_NAME payload this package keeps after
// picking the best-namespace candidate.
type fileNameInfo struct {
	parentRecordIndex uint64
	parentSequence    uint16
	creationTime      uint64
	modifiedTime      uint64
	recordModTime     uint64
	accessTime        uint64
	allocatedSize     uint64
	realSize          uint64
	flags             uint32
	namespace         uint8
	name              string
}

func fileNameRank(namespace uint8) int {
	switch namespace {
	case fileNameNamespaceWin32, fileNameNamespaceWin32DOS:
		return 4
	case fileNameNamespacePOSIX:
		return 3
	case fileNameNamespaceDOS:
		return 1
	default:
		return 0
	}
}

// fileRecordInfo is the parsed, off-disk view of one MFT record.
type fileRecordInfo struct {
	index          uint64
	flags          uint16
	sequenceNumber uint16
	usedSize       uint32

	primaryName fileNameInfo
	haveName    bool

	hasDataAttribute bool
	dataNonResident  bool
	dataSize         uint64
	allocatedSize    uint64
	initializedSize  uint64

	raw []byte
}

func (r *fileRecordInfo) isFolder() bool { return r.flags&frFlagFolder != 0 }
func (r *fileRecordInfo) inUse() bool    { return r.flags&frFlagInUse != 0 }

// applyFileRecordFixup validates and removes the Update Sequence Array
// protection from a loaded record buffer in place. Grounded on
// NtfsApplyFileRecordFixup in NTFS-Base.c.
func applyFileRecordFixup(buf []byte, bytesPerSector uint32) bool {
	if len(buf) < 8 {
		return false
	}
	usaOffset := binary.LittleEndian.Uint16(buf[4:6])
	usaSize := binary.LittleEndian.Uint16(buf[6:8])
	if usaSize == 0 {
		return false
	}

	sectorCount := usaSize - 1
	if int(usaOffset)+int(usaSize)*2 > len(buf) {
		return false
	}
	usn := buf[usaOffset : usaOffset+2]

	for i := 0; i < int(sectorCount); i++ {
		sectorEnd := (i+1)*int(bytesPerSector) - 2
		if sectorEnd+2 > len(buf) {
			return false
		}
		tail := buf[sectorEnd : sectorEnd+2]
		if tail[0] != usn[0] || tail[1] != usn[1] {
			return false
		}
		replOffset := int(usaOffset) + 2 + i*2
		tail[0] = buf[replOffset]
		tail[1] = buf[replOffset+1]
	}
	return true
}

// validateFileRecordBuffer checks the magic and applies fixup, rejecting a
// buffer whose declared used size exceeds the record size.
func validateFileRecordBuffer(buf []byte, bytesPerSector uint32) bool {
	if len(buf) < 48 {
		return false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != fileRecordMagic {
		return false
	}
	if !applyFileRecordFixup(buf, bytesPerSector) {
		return false
	}
	usedSize := binary.LittleEndian.Uint32(buf[24:28])
	return usedSize <= uint32(len(buf))
}

// readLinearFileRecordWindow reads the sectors spanning record index in a
// single linear pass, assuming the MFT occupies contiguous clusters
// starting at mftStartCluster. Grounded on NtfsReadLinearFileRecordWindow.
func (fs *FileSystem) readLinearFileRecordWindow(index uint64) ([]byte, bool) {
	byteOffset := index * uint64(fs.fileRecordSize)
	sectorShift := log2Uint32(fs.bytesPerSector)
	sectorIndex := byteOffset >> sectorShift
	intraSectorOffset := byteOffset - (sectorIndex << sectorShift)

	mftStartSector := fs.mftStartCluster * uint64(fs.sectorsPerCluster)
	sectorsNeeded := divCeil(uint64(intraSectorOffset)+uint64(fs.fileRecordSize), uint64(fs.bytesPerSector))

	buf := make([]byte, sectorsNeeded*uint64(fs.bytesPerSector))
	if !fs.readSectors(mftStartSector+sectorIndex, uint32(sectorsNeeded), buf) {
		return nil, false
	}

	record := make([]byte, fs.fileRecordSize)
	copy(record, buf[intraSectorOffset:intraSectorOffset+uint64(fs.fileRecordSize)])
	return record, true
}

// loadFileRecordBuffer is the public entry point for obtaining a validated,
// fixed-up record buffer for index, falling back to the $MFT's own runlist
// when the record does not live in the assumed-contiguous window (e.g. a
// fragmented MFT). Grounded on NtfsLoadFileRecordBuffer.
func (fs *FileSystem) loadFileRecordBuffer(index uint64) ([]byte, *kernel.Error) {
	buf, ok := fs.readLinearFileRecordWindow(index)
	if ok && validateFileRecordBuffer(buf, fs.bytesPerSector) {
		return buf, nil
	}

	if index == mftFileRecordIndex {
		return nil, errInvalidRecord
	}

	if trigger, _ := fs.warnLimiter.ShouldTrigger(); trigger {
		kfmt.Logf(kfmt.LevelWarning, "ntfs", "record %d: invalid magic/fixup on linear read, retrying via $MFT runlist", index)
	}

	buf, ok = fs.loadFileRecordBufferViaMftData(index)
	if !ok || !validateFileRecordBuffer(buf, fs.bytesPerSector) {
		return nil, errInvalidRecord
	}
	return buf, nil
}

// loadFileRecordBufferViaMftData reads the target record through $MFT's own
// DATA runlist, for volumes where the MFT is not laid out contiguously
// starting at mftStartCluster. Grounded on
// NtfsLoadFileRecordBufferViaMftData.
func (fs *FileSystem) loadFileRecordBufferViaMftData(index uint64) ([]byte, bool) {
	mftRuns, ok := fs.mftDataRunlist()
	if !ok {
		return nil, false
	}

	byteOffset := index * uint64(fs.fileRecordSize)
	buf := make([]byte, fs.fileRecordSize)
	if !fs.readNonResidentRange(mftRuns, byteOffset, buf) {
		return nil, false
	}
	return buf, true
}

// mftDataRunlist loads and caches the $MFT's own DATA attribute runlist.
func (fs *FileSystem) mftDataRunlist() ([]runlistEntry, bool) {
	if fs.mftDataRuns != nil {
		return fs.mftDataRuns, true
	}

	buf, ok := fs.readLinearFileRecordWindow(mftFileRecordIndex)
	if !ok || !validateFileRecordBuffer(buf, fs.bytesPerSector) {
		return nil, false
	}

	for _, v := range fs.parseAttributes(buf) {
		if v.attrType != attrTypeData || !v.nonResident {
			continue
		}
		runs, ok := decodeRunlist(buf[v.runListOffset:])
		if !ok {
			return nil, false
		}
		fs.mftDataRuns = runs
		return runs, true
	}
	return nil, false
}

// parseAttributes walks a record buffer's attribute stream, starting at the
// offset declared in the record header, stopping at the 0xFFFFFFFF end
// marker. Grounded on NtfsParseFileRecordAttributes.
func (fs *FileSystem) parseAttributes(buf []byte) []attributeView {
	if len(buf) < 22 {
		return nil
	}
	offset := uint32(binary.LittleEndian.Uint16(buf[20:22]))

	var views []attributeView
	for {
		if uint64(offset)+attrHeaderMinSize > uint64(len(buf)) {
			break
		}
		attrType := binary.LittleEndian.Uint32(buf[offset : offset+4])
		if attrType == attrTypeEndMarker {
			break
		}
		length := binary.LittleEndian.Uint32(buf[offset+4 : offset+8])
		if length < attrHeaderMinSize || uint64(offset)+uint64(length) > uint64(len(buf)) {
			break
		}

		v := attributeView{
			attrType:    attrType,
			offset:      offset,
			length:      length,
			nonResident: buf[offset+8] != 0,
			nameLength:  buf[offset+9],
			nameOffset:  binary.LittleEndian.Uint16(buf[offset+10 : offset+12]),
		}

		if v.nonResident {
			if offset+64 <= uint32(len(buf)) {
				v.startingVCN = binary.LittleEndian.Uint64(buf[offset+16 : offset+24])
				v.endingVCN = binary.LittleEndian.Uint64(buf[offset+24 : offset+32])
				v.runListOffset = binary.LittleEndian.Uint16(buf[offset+32 : offset+34])
				v.allocatedSize = binary.LittleEndian.Uint64(buf[offset+40 : offset+48])
				v.dataSize = binary.LittleEndian.Uint64(buf[offset+48 : offset+56])
				v.initializedSize = binary.LittleEndian.Uint64(buf[offset+56 : offset+64])
				v.runListOffset += uint16(offset)
			}
		} else {
			if offset+24 <= uint32(len(buf)) {
				v.valueLength = binary.LittleEndian.Uint32(buf[offset+16 : offset+20])
				v.valueOffset = binary.LittleEndian.Uint16(buf[offset+20 : offset+22])
			}
		}

		views = append(views, v)
		offset += length
	}
	return views
}

// residentValue validates and returns the raw bytes of a resident
// attribute's value.
func (fs *FileSystem) residentValue(buf []byte, v attributeView) ([]byte, bool) {
	if v.nonResident {
		return nil, false
	}
	start := uint64(v.offset) + uint64(v.valueOffset)
	end := start + uint64(v.valueLength)
	if end > uint64(len(buf)) || start > end {
		return nil, false
	}
	return buf[start:end], true
}

// attributeName decodes an attribute's name, or "" if it is unnamed.
func attributeName(buf []byte, v attributeView) string {
	if v.nameLength == 0 {
		return ""
	}
	start := uint32(v.offset) + uint32(v.nameOffset)
	end := start + uint32(v.nameLength)*2
	if end > uint32(len(buf)) {
		return ""
	}
	return decodeUTF16LE(buf[start:end])
}

// attributeValue returns an attribute's full logical value regardless of
// residency, reading every run of a non-resident attribute into one buffer.
func (fs *FileSystem) attributeValue(buf []byte, v attributeView) ([]byte, bool) {
	if !v.nonResident {
		return fs.residentValue(buf, v)
	}
	runs, ok := decodeRunlist(buf[v.runListOffset:])
	if !ok {
		return nil, false
	}
	dest := make([]byte, v.dataSize)
	if !fs.readNonResidentRange(runs, 0, dest) {
		return nil, false
	}
	return dest, true
}

// baseRecordReference returns a record buffer's own base-file-reference
// field: nonzero only for an extension record, pointing back at its base.
func baseRecordReference(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[32:40])
}

// fileReferenceParts splits a packed file reference into its MFT record
// index (low 48 bits) and sequence number (high 16 bits).
func fileReferenceParts(ref uint64) (index uint64, sequence uint16) {
	return ref & 0x0000FFFFFFFFFFFF, uint16(ref >> 48)
}

// parseFileRecord builds a fileRecordInfo from a validated record buffer,
// dispatching each attribute to its type-specific handler. Grounded on
// NtfsReadFileRecord's post-validation fill-in pass.
func (fs *FileSystem) parseFileRecord(index uint64, buf []byte) *fileRecordInfo {
	info := &fileRecordInfo{
		index:          index,
		flags:          binary.LittleEndian.Uint16(buf[22:24]),
		sequenceNumber: binary.LittleEndian.Uint16(buf[16:18]),
		usedSize:       binary.LittleEndian.Uint32(buf[24:28]),
		raw:            buf,
	}

	bestRank := -1
	for _, v := range fs.parseAttributes(buf) {
		switch v.attrType {
		case attrTypeFileName:
			if fn, ok := fs.decodeFileName(buf, v); ok {
				if rank := fileNameRank(fn.namespace); rank > bestRank {
					bestRank = rank
					info.primaryName = fn
					info.haveName = true
				}
			}
		case attrTypeData:
			if v.nameLength == 0 && !info.hasDataAttribute {
				info.hasDataAttribute = true
				info.dataNonResident = v.nonResident
				if v.nonResident {
					info.dataSize = v.dataSize
					info.allocatedSize = v.allocatedSize
					info.initializedSize = v.initializedSize
				} else {
					info.dataSize = uint64(v.valueLength)
					info.allocatedSize = uint64(v.valueLength)
					info.initializedSize = uint64(v.valueLength)
				}
			}
		}
	}

	return info
}

// decodeFileName parses a $FILE_NAME attribute's resident value.
func (fs *FileSystem) decodeFileName(buf []byte, v attributeView) (fileNameInfo, bool) {
	value, ok := fs.residentValue(buf, v)
	if !ok || len(value) < 66 {
		return fileNameInfo{}, false
	}

	parentRef := binary.LittleEndian.Uint64(value[0:8])
	nameLength := value[64]
	namespace := value[65]
	nameBytes := int(nameLength) * 2
	if 66+nameBytes > len(value) {
		return fileNameInfo{}, false
	}

	return fileNameInfo{
		parentRecordIndex: parentRef & 0x0000FFFFFFFFFFFF,
		parentSequence:    uint16(parentRef >> 48),
		creationTime:      binary.LittleEndian.Uint64(value[8:16]),
		modifiedTime:      binary.LittleEndian.Uint64(value[16:24]),
		recordModTime:     binary.LittleEndian.Uint64(value[24:32]),
		accessTime:        binary.LittleEndian.Uint64(value[32:40]),
		allocatedSize:     binary.LittleEndian.Uint64(value[40:48]),
		realSize:          binary.LittleEndian.Uint64(value[48:56]),
		flags:             binary.LittleEndian.Uint32(value[56:60]),
		namespace:         namespace,
		name:              decodeUTF16LE(value[66 : 66+nameBytes]),
	}, true
}

// decodeUTF16LE converts a little-endian UTF-16 byte slice (as used by
// every NTFS string field) to UTF-8.
func decodeUTF16LE(b []byte) string {
	out := make([]rune, 0, len(b)/2)
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i]) | uint16(b[i+1])<<8
		switch {
		case u >= 0xD800 && u <= 0xDBFF && i+3 < len(b):
			lo := uint16(b[i+2]) | uint16(b[i+3])<<8
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r := (rune(u-0xD800) << 10) | rune(lo-0xDC00)
				out = append(out, r+0x10000)
				i += 2
				continue
			}
			out = append(out, '?')
		case u >= 0xD800 && u <= 0xDFFF:
			out = append(out, '?')
		default:
			out = append(out, rune(u))
		}
	}
	return string(out)
}
