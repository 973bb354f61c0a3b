package ntfs

// runlistEntry is one decoded entry of a non-resident attribute's
// compressed runlist. Grounded on the runlist decode algorithm in
// NtfsReadNonResidentDataAttributeRange (NTFS-Record.c).
type runlistEntry struct {
	clusterCount uint64
	lcn          int64 // absolute LCN after applying the entry's delta; 0 for sparse
	isSparse     bool
}

// decodeRunlist walks a compressed runlist starting at buf[0] until the
// terminating zero byte. The running LCN accumulates across entries, as
// required by the format (each entry stores a delta from the previous
// entry's LCN, not an absolute value).
func decodeRunlist(buf []byte) ([]runlistEntry, bool) {
	var runs []runlistEntry
	var currentLCN int64
	pos := 0

	for pos < len(buf) {
		header := buf[pos]
		if header == 0 {
			break
		}
		pos++

		lengthSize := int(header & 0x0F)
		offsetSize := int(header>>4) & 0x0F

		if lengthSize == 0 || pos+lengthSize > len(buf) {
			return nil, false
		}
		var clusterCount uint64
		for i := 0; i < lengthSize; i++ {
			clusterCount |= uint64(buf[pos+i]) << (8 * uint(i))
		}
		pos += lengthSize

		entry := runlistEntry{clusterCount: clusterCount}

		if offsetSize == 0 {
			entry.isSparse = true
		} else {
			if pos+offsetSize > len(buf) {
				return nil, false
			}
			var delta int64
			for i := 0; i < offsetSize; i++ {
				delta |= int64(buf[pos+i]) << (8 * uint(i))
			}
			// Sign-extend the offsetSize-byte delta.
			signBit := int64(1) << (8*uint(offsetSize) - 1)
			if delta&signBit != 0 {
				delta |= ^int64(0) << (8 * uint(offsetSize))
			}
			pos += offsetSize

			currentLCN += delta
			entry.lcn = currentLCN
		}

		runs = append(runs, entry)
	}

	return runs, true
}

// readNonResidentRange copies len(dest) bytes starting at byteOffset (into
// the attribute's logical data stream) from the clusters described by runs.
// Sparse runs contribute zero bytes without issuing a disk read.
func (fs *FileSystem) readNonResidentRange(runs []runlistEntry, byteOffset uint64, dest []byte) bool {
	remainingSkip := byteOffset
	destOffset := 0

	for _, run := range runs {
		runBytes := run.clusterCount * uint64(fs.bytesPerCluster)

		if remainingSkip >= runBytes {
			remainingSkip -= runBytes
			continue
		}

		runRelOffset := remainingSkip
		remainingSkip = 0
		avail := runBytes - runRelOffset
		want := uint64(len(dest) - destOffset)
		take := avail
		if want < take {
			take = want
		}

		if run.isSparse {
			for i := uint64(0); i < take; i++ {
				dest[destOffset] = 0
				destOffset++
			}
		} else {
			if !fs.readRunRange(run, runRelOffset, dest[destOffset:destOffset+int(take)]) {
				return false
			}
			destOffset += int(take)
		}

		if destOffset >= len(dest) {
			return true
		}
	}

	// Any remaining destination bytes lie past the decoded runlist
	// (sparse tail implied by allocated size); zero-fill them.
	for destOffset < len(dest) {
		dest[destOffset] = 0
		destOffset++
	}
	return true
}

// readRunRange reads take bytes starting at runRelOffset (relative to the
// start of a single, non-sparse run) from disk.
func (fs *FileSystem) readRunRange(run runlistEntry, runRelOffset uint64, dest []byte) bool {
	sectorsPerCluster := uint64(fs.sectorsPerCluster)
	clusterLBA := uint64(run.lcn) * sectorsPerCluster

	sectorOffset := runRelOffset / uint64(fs.bytesPerSector)
	intraSectorOffset := runRelOffset % uint64(fs.bytesPerSector)

	sectorsNeeded := divCeil(intraSectorOffset+uint64(len(dest)), uint64(fs.bytesPerSector))
	buf := make([]byte, sectorsNeeded*uint64(fs.bytesPerSector))
	if !fs.readSectors(clusterLBA+sectorOffset, uint32(sectorsNeeded), buf) {
		return false
	}
	copy(dest, buf[intraSectorOffset:intraSectorOffset+uint64(len(dest))])
	return true
}

// readFileDataRangeByIndex reads size bytes starting at position from the
// $DATA stream of the record at index, for resident or non-resident data.
// Grounded on NtfsReadFileDataRangeByIndex.
func (fs *FileSystem) readFileDataRangeByIndex(index uint64, position uint64, dest []byte) (int, bool) {
	buf, err := fs.loadFileRecordBuffer(index)
	if err != nil {
		return 0, false
	}
	views := fs.parseAttributes(buf)

	for _, v := range views {
		if v.attrType != attrTypeData || v.nameLength != 0 {
			continue
		}

		if !v.nonResident {
			value, ok := fs.residentValue(buf, v)
			if !ok || position >= uint64(len(value)) {
				return 0, ok
			}
			n := copy(dest, value[position:])
			return n, true
		}

		if position >= v.dataSize {
			return 0, true
		}
		size := uint64(len(dest))
		if position+size > v.dataSize {
			size = v.dataSize - position
		}

		runs, ok := decodeRunlist(buf[v.runListOffset:])
		if !ok {
			return 0, false
		}
		if !fs.readNonResidentRange(runs, position, dest[:size]) {
			return 0, false
		}
		return int(size), true
	}

	return 0, false
}
