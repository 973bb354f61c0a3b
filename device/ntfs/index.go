package ntfs

import (
	"encoding/binary"
	"exoscore/kernel/kfmt"
)

const (
	indexStreamName = "$I30"

	indexEntryFlagHasSubnode = 0x01
	indexEntryFlagLast       = 0x02

	indexRecordMagic = 0x58444E49 // "INDX"

	maxAttributeListRecordRefs = 256
	maxVisitedIndexVCNs        = 4096
)

// folderEntry is one name discovered while enumerating a folder's $I30
// index, after "." and ".." filtering and dedup by name.
type folderEntry struct {
	name            string
	fileRecordIndex uint64
	sequenceNumber  uint16
	isFolder        bool
}

// folderIndexStreams holds a folder's three possible $I30-named attributes,
// gathered either directly from the base record or, when the base record
// does not carry all three, via its $ATTRIBUTE_LIST. Grounded on
// NtfsLoadFolderIndexStreams in NTFS-Index.c.
type folderIndexStreams struct {
	rootValue     []byte
	allocRuns     []runlistEntry
	allocDataSize uint64
	bitmap        []byte
	haveAlloc     bool
	haveBitmap    bool
}

func (fs *FileSystem) loadFolderIndexStreams(folderIndex uint64, buf []byte) (folderIndexStreams, bool) {
	var out folderIndexStreams
	var attrListView *attributeView

	views := fs.parseAttributes(buf)
	for _, v := range views {
		switch v.attrType {
		case attrTypeIndexRoot:
			if attributeName(buf, v) == indexStreamName {
				if value, ok := fs.residentValue(buf, v); ok {
					out.rootValue = value
				}
			}
		case attrTypeIndexAllocation:
			if attributeName(buf, v) == indexStreamName {
				if runs, ok := decodeRunlist(buf[v.runListOffset:]); ok {
					out.allocRuns = runs
					out.allocDataSize = v.dataSize
					out.haveAlloc = true
				}
			}
		case attrTypeBitmap:
			if attributeName(buf, v) == indexStreamName {
				if value, ok := fs.attributeValue(buf, v); ok {
					out.bitmap = value
					out.haveBitmap = true
				}
			}
		case attrTypeAttributeList:
			vv := v
			attrListView = &vv
		}
	}

	if out.rootValue == nil {
		return out, false
	}
	if out.haveAlloc && out.haveBitmap {
		return out, true
	}
	if attrListView == nil {
		// A folder with no INDEX_ALLOCATION is valid (all entries fit in
		// the root); absence of BITMAP in that case is also expected.
		return out, true
	}

	listValue, ok := fs.attributeValue(buf, *attrListView)
	if !ok {
		return out, true
	}

	baseSeq := binary.LittleEndian.Uint16(buf[16:18])
	seen := make(map[uint64]bool)
	var candidates []uint64
	for _, entry := range parseAttributeListEntries(listValue) {
		if len(candidates) >= maxAttributeListRecordRefs {
			break
		}
		if entry.name != indexStreamName {
			continue
		}
		if entry.attrType != attrTypeIndexAllocation && entry.attrType != attrTypeBitmap {
			continue
		}
		refIndex, _ := fileReferenceParts(entry.fileReference)
		if refIndex == folderIndex || seen[refIndex] {
			continue
		}
		seen[refIndex] = true
		candidates = append(candidates, refIndex)
	}

	for _, refIndex := range candidates {
		extBuf, err := fs.loadFileRecordBuffer(refIndex)
		if err != nil {
			continue
		}
		extFlags := binary.LittleEndian.Uint16(extBuf[22:24])
		if extFlags&frFlagInUse == 0 {
			continue
		}
		baseIdx, baseRefSeq := fileReferenceParts(baseRecordReference(extBuf))
		if baseIdx != folderIndex {
			continue
		}
		if baseRefSeq != baseSeq {
			if trigger, _ := fs.warnLimiter.ShouldTrigger(); trigger {
				kfmt.Logf(kfmt.LevelWarning, "ntfs", "folder %d: extension record %d names base sequence %d, expected %d",
					folderIndex, refIndex, baseRefSeq, baseSeq)
			}
			continue
		}

		for _, v := range fs.parseAttributes(extBuf) {
			if attributeName(extBuf, v) != indexStreamName {
				continue
			}
			switch v.attrType {
			case attrTypeIndexAllocation:
				if !out.haveAlloc {
					if runs, ok := decodeRunlist(extBuf[v.runListOffset:]); ok {
						out.allocRuns = runs
						out.allocDataSize = v.dataSize
						out.haveAlloc = true
					}
				}
			case attrTypeBitmap:
				if !out.haveBitmap {
					if value, ok := fs.attributeValue(extBuf, v); ok {
						out.bitmap = value
						out.haveBitmap = true
					}
				}
			}
		}
	}

	return out, true
}

type attributeListEntry struct {
	attrType      uint32
	startingVCN   uint64
	fileReference uint64
	name          string
}

// parseAttributeListEntries walks a fully-read $ATTRIBUTE_LIST value.
// Grounded on the entry layout used by NtfsLoadFolderIndexStreams.
func parseAttributeListEntries(data []byte) []attributeListEntry {
	const minEntrySize = 26
	var entries []attributeListEntry

	pos := 0
	for pos+minEntrySize <= len(data) {
		attrType := binary.LittleEndian.Uint32(data[pos : pos+4])
		recordLength := binary.LittleEndian.Uint16(data[pos+4 : pos+6])
		if recordLength < minEntrySize || pos+int(recordLength) > len(data) {
			break
		}
		nameLength := data[pos+6]
		nameOffset := data[pos+7]

		e := attributeListEntry{
			attrType:      attrType,
			startingVCN:   binary.LittleEndian.Uint64(data[pos+8 : pos+16]),
			fileReference: binary.LittleEndian.Uint64(data[pos+16 : pos+24]),
		}
		if nameLength > 0 {
			nameStart := pos + int(nameOffset)
			nameEnd := nameStart + int(nameLength)*2
			if nameEnd <= len(data) {
				e.name = decodeUTF16LE(data[nameStart:nameEnd])
			}
		}

		entries = append(entries, e)
		pos += int(recordLength)
	}
	return entries
}

// bitmapAllocated reports whether bit n is set in a $BITMAP value.
func bitmapAllocated(bitmap []byte, n uint64) bool {
	byteIdx := n / 8
	if byteIdx >= uint64(len(bitmap)) {
		return false
	}
	return bitmap[byteIdx]&(1<<(n%8)) != 0
}

// enumerateFolderByIndex returns every entry in the folder at folderIndex,
// walking the resident root entries and, if present, the $I30 index
// allocation B+tree. Grounded on NtfsEnumerateFolderByIndex.
func (fs *FileSystem) enumerateFolderByIndex(folderIndex uint64) ([]folderEntry, bool) {
	buf, err := fs.loadFileRecordBuffer(folderIndex)
	if err != nil {
		return nil, false
	}
	flags := binary.LittleEndian.Uint16(buf[22:24])
	if flags&frFlagFolder == 0 {
		return nil, false
	}

	streams, ok := fs.loadFolderIndexStreams(folderIndex, buf)
	if !ok {
		return nil, false
	}
	if len(streams.rootValue) < 16 {
		return nil, false
	}

	indexBlockSize := binary.LittleEndian.Uint32(streams.rootValue[8:12])

	var out []folderEntry
	seen := make(map[string]bool)
	visited := make(map[uint64]bool)

	addEntry := func(ref uint64, seq uint16, isFolder bool, name string) {
		if name == "." || name == ".." {
			return
		}
		if seen[name] {
			return
		}

		targetBuf, err := fs.loadFileRecordBuffer(ref)
		if err != nil {
			return
		}
		targetFlags := binary.LittleEndian.Uint16(targetBuf[22:24])
		if targetFlags&frFlagInUse == 0 {
			return
		}
		targetSeq := binary.LittleEndian.Uint16(targetBuf[16:18])
		if seq != 0 && seq != targetSeq {
			return
		}

		seen[name] = true
		out = append(out, folderEntry{name: name, fileRecordIndex: ref, sequenceNumber: targetSeq, isFolder: isFolder})
	}

	pendingVCNs, ok := fs.traverseIndexHeader(streams.rootValue[16:], addEntry)
	if !ok {
		return nil, false
	}

	if streams.haveAlloc {
		for len(pendingVCNs) > 0 {
			vcn := pendingVCNs[0]
			pendingVCNs = pendingVCNs[1:]
			if visited[vcn] || len(visited) >= maxVisitedIndexVCNs {
				continue
			}
			visited[vcn] = true

			if streams.haveBitmap {
				clustersPerBlock := uint64(indexBlockSize) / uint64(fs.bytesPerCluster)
				if clustersPerBlock == 0 {
					clustersPerBlock = 1
				}
				if !bitmapAllocated(streams.bitmap, vcn/clustersPerBlock) {
					continue
				}
			}

			blockBuf := make([]byte, indexBlockSize)
			byteOffset := vcn * uint64(fs.bytesPerCluster)
			if byteOffset >= streams.allocDataSize {
				continue
			}
			if !fs.readNonResidentRange(streams.allocRuns, byteOffset, blockBuf) {
				continue
			}
			if binary.LittleEndian.Uint32(blockBuf[0:4]) != indexRecordMagic {
				fs.logTraverseWarning(folderIndex, vcn, "bad INDX magic")
				continue
			}
			if !applyFileRecordFixup(blockBuf, fs.bytesPerSector) {
				fs.logTraverseWarning(folderIndex, vcn, "fixup mismatch")
				continue
			}

			more, ok := fs.traverseIndexRecordBlock(blockBuf, addEntry)
			if !ok {
				fs.logTraverseWarning(folderIndex, vcn, "malformed index header")
				continue
			}
			pendingVCNs = append(pendingVCNs, more...)
		}
	}

	return out, true
}

func (fs *FileSystem) logTraverseWarning(folderIndex, vcn uint64, reason string) {
	if trigger, _ := fs.warnLimiter.ShouldTrigger(); trigger {
		kfmt.Logf(kfmt.LevelWarning, "ntfs", "folder %d: index traversal VCN %d: %s", folderIndex, vcn, reason)
	}
}

// traverseIndexRecordBlock parses a fixed-up INDEX_ALLOCATION node. Its
// INDEX_HEADER begins 24 bytes in (the NTFS_INDEX_RECORD_HEADER region);
// two candidate entry-offset interpretations are tried because the header's
// own entriesOffset field has been observed relative to either the 24-byte
// record header or the INDEX_HEADER that follows it.
func (fs *FileSystem) traverseIndexRecordBlock(buf []byte, add func(uint64, uint16, bool, string)) ([]uint64, bool) {
	const recordHeaderSize = 24
	if len(buf) < recordHeaderSize+16 {
		return nil, false
	}
	header := buf[recordHeaderSize:]

	if vcns, ok := fs.traverseIndexHeader(header, add); ok {
		return vcns, true
	}
	if len(header) >= 4 {
		adjusted := make([]byte, len(header))
		copy(adjusted, header)
		raw := binary.LittleEndian.Uint32(adjusted[0:4])
		if raw >= recordHeaderSize {
			binary.LittleEndian.PutUint32(adjusted[0:4], raw-recordHeaderSize)
			if vcns, ok := fs.traverseIndexHeader(adjusted, add); ok {
				return vcns, true
			}
		}
	}
	return nil, false
}

// traverseIndexHeader walks one INDEX_HEADER's entries (the 16-byte header
// itself: entriesOffset, indexLength, allocatedSize, flags+padding),
// invoking add for each FILE_NAME key and returning every sub-VCN found.
// Grounded on NtfsTraverseIndexHeader.
func (fs *FileSystem) traverseIndexHeader(data []byte, add func(uint64, uint16, bool, string)) ([]uint64, bool) {
	if len(data) < 16 {
		return nil, false
	}
	entriesOffset := binary.LittleEndian.Uint32(data[0:4])
	indexLength := binary.LittleEndian.Uint32(data[4:8])

	if uint64(indexLength) > uint64(len(data)) {
		return nil, false
	}

	var subVCNs []uint64
	cursor := entriesOffset

	for {
		if uint64(cursor)+16 > uint64(indexLength) {
			return nil, false
		}
		entryStart := cursor
		fileRef := binary.LittleEndian.Uint64(data[entryStart : entryStart+8])
		entryLength := binary.LittleEndian.Uint16(data[entryStart+8 : entryStart+10])
		keyLength := binary.LittleEndian.Uint16(data[entryStart+10 : entryStart+12])
		entryFlags := binary.LittleEndian.Uint16(data[entryStart+12 : entryStart+14])

		if entryLength < 16 || uint64(entryStart)+uint64(entryLength) > uint64(indexLength) {
			return nil, false
		}

		if entryFlags&indexEntryFlagHasSubnode != 0 {
			if entryLength < 8 {
				return nil, false
			}
			vcn := binary.LittleEndian.Uint64(data[entryStart+uint32(entryLength)-8 : entryStart+uint32(entryLength)])
			subVCNs = append(subVCNs, vcn)
		}

		if entryFlags&indexEntryFlagLast == 0 && keyLength >= 66 {
			keyStart := entryStart + 16
			if uint64(keyStart)+uint64(keyLength) <= uint64(len(data)) {
				key := data[keyStart : keyStart+uint32(keyLength)]
				refIndex, refSeq := fileReferenceParts(fileRef)
				nameLen := key[64]
				nameBytes := int(nameLen) * 2
				if 66+nameBytes <= len(key) {
					name := decodeUTF16LE(key[66 : 66+nameBytes])
					fileFlags := binary.LittleEndian.Uint32(key[56:60])
					const fileAttributeDirectory = 0x10000000
					add(refIndex, refSeq, fileFlags&fileAttributeDirectory != 0, name)
				}
			}
		}

		if entryFlags&indexEntryFlagLast != 0 {
			break
		}
		cursor += uint32(entryLength)
	}

	return subVCNs, true
}
