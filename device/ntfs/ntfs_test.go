package ntfs

import (
	"encoding/binary"
	"testing"
)

// fakeDisk is a BlockDevice backed by a plain byte slice, counting reads so
// tests can assert on the path cache's effect on disk traffic.
type fakeDisk struct {
	bytesPerSector uint32
	data           []byte
	readCalls      int
}

func (d *fakeDisk) ReadSectors(lba uint64, sectorCount uint32, buffer []byte) bool {
	d.readCalls++
	start := lba * uint64(d.bytesPerSector)
	end := start + uint64(sectorCount)*uint64(d.bytesPerSector)
	if end > uint64(len(d.data)) {
		return false
	}
	copy(buffer, d.data[start:end])
	return true
}

func putU16(buf []byte, off int, v uint16) { binary.LittleEndian.PutUint16(buf[off:], v) }
func putU32(buf []byte, off int, v uint32) { binary.LittleEndian.PutUint32(buf[off:], v) }
func putU64(buf []byte, off int, v uint64) { binary.LittleEndian.PutUint64(buf[off:], v) }

func putUTF16(buf []byte, off int, s string) {
	for i, r := range s {
		binary.LittleEndian.PutUint16(buf[off+i*2:], uint16(r))
	}
}

// These constants match the synthetic volume every test in this file
// mounts: 512-byte sectors, 1 sector per cluster, 1024-byte records.
const (
	testBytesPerSector    = 512
	testSectorsPerCluster = 1
	testFileRecordSize    = 1024
	testMFTStartCluster   = 4
)

// writeFileHeader fills the common 48-byte record header. usaSize=1 means
// zero protected sectors, so applyFileRecordFixup's fixup loop is a no-op
// and the test does not need to embed real USN tail markers.
func writeFileHeader(buf []byte, sequence uint16, flags uint16, attrOffset uint16, usedSize uint32) {
	putU32(buf, 0, fileRecordMagic)
	putU16(buf, 4, 42) // usaOffset
	putU16(buf, 6, 1)  // usaSize
	putU64(buf, 8, 0)  // LSN
	putU16(buf, 16, sequence)
	putU16(buf, 18, 1) // hard link count
	putU16(buf, 20, attrOffset)
	putU16(buf, 22, flags)
	putU32(buf, 24, usedSize)
	putU32(buf, 28, testFileRecordSize)
	putU64(buf, 32, 0) // base record reference
}

func writeFileNameValue(buf []byte, parentIndex uint64, parentSeq uint16, name string, namespace uint8, realSize uint64) {
	putU64(buf, 0, parentIndex|uint64(parentSeq)<<48)
	// ctime/mtime/record-mtime/atime left zero.
	putU64(buf, 40, 512) // allocated size
	putU64(buf, 48, realSize)
	putU32(buf, 56, 0) // flags
	putU32(buf, 60, 0) // reparse
	buf[64] = uint8(len(name))
	buf[65] = namespace
	putUTF16(buf, 66, name)
}

// buildRootRecord constructs MFT record 5 with a single-level $INDEX_ROOT
// containing one entry that names childIndex as "childName".
func buildRootRecord(childIndex uint64, childSeq uint16, childName string) []byte {
	buf := make([]byte, testFileRecordSize)
	const attrOffset = 56

	keyLen := 66 + len(childName)*2
	entry0Len := 16 + keyLen
	entry1Len := 16
	entriesLen := entry0Len + entry1Len
	indexHeaderLen := 16
	rootHeaderLen := 16
	valueLen := rootHeaderLen + indexHeaderLen + entriesLen

	value := make([]byte, valueLen)
	putU32(value, 0, attrTypeFileName)
	putU32(value, 4, 1) // collation
	putU32(value, 8, uint32(testFileRecordSize))
	value[12] = 1 // clusters per index block

	idxHeader := value[16:]
	putU32(idxHeader, 0, uint32(indexHeaderLen))       // entriesOffset, relative to idxHeader
	putU32(idxHeader, 4, uint32(indexHeaderLen+entriesLen)) // indexLength

	entry0 := idxHeader[indexHeaderLen:]
	putU64(entry0, 0, childIndex|uint64(childSeq)<<48)
	putU16(entry0, 8, uint16(entry0Len))
	putU16(entry0, 10, uint16(keyLen))
	putU16(entry0, 12, 0) // flags: not last, no subnode
	writeFileNameValue(entry0[16:], rootFileRecordIndex, 1, childName, fileNameNamespaceWin32, 0)

	entry1 := entry0[entry0Len:]
	putU16(entry1, 8, 16)
	putU16(entry1, 12, indexEntryFlagLast)

	attrLen := 24 + 8 + valueLen // header + "$I30" name + value
	attr := buf[attrOffset : attrOffset+attrLen]
	putU32(attr, 0, attrTypeIndexRoot)
	putU32(attr, 4, uint32(attrLen))
	attr[8] = 0 // resident
	attr[9] = 4 // name length
	putU16(attr, 10, 24)
	putU32(attr, 16, uint32(valueLen))
	putU16(attr, 20, 32)
	putUTF16(attr, 24, indexStreamName)
	copy(attr[32:], value)

	usedSize := uint32(attrOffset + attrLen + 4)
	writeFileHeader(buf, 1, frFlagInUse|frFlagFolder, attrOffset, usedSize)
	putU32(buf[attrOffset+attrLen:], 0, attrTypeEndMarker)

	return buf
}

// buildFileRecord constructs a record with a $FILE_NAME and a resident
// $DATA attribute holding content.
func buildFileRecord(sequence uint16, name string, content []byte) []byte {
	buf := make([]byte, testFileRecordSize)
	const attrOffset = 56

	nameAttrLen := 24 + 84
	nameAttr := buf[attrOffset : attrOffset+nameAttrLen]
	putU32(nameAttr, 0, attrTypeFileName)
	putU32(nameAttr, 4, uint32(nameAttrLen))
	putU32(nameAttr, 16, 84)
	putU16(nameAttr, 20, 24)
	writeFileNameValue(nameAttr[24:], rootFileRecordIndex, 1, name, fileNameNamespaceWin32, uint64(len(content)))

	dataAttrOffset := attrOffset + nameAttrLen
	dataAttrLen := 24 + len(content)
	dataAttr := buf[dataAttrOffset : dataAttrOffset+dataAttrLen]
	putU32(dataAttr, 0, attrTypeData)
	putU32(dataAttr, 4, uint32(dataAttrLen))
	putU32(dataAttr, 16, uint32(len(content)))
	putU16(dataAttr, 20, 24)
	copy(dataAttr[24:], content)

	usedSize := uint32(dataAttrOffset + dataAttrLen + 4)
	writeFileHeader(buf, sequence, frFlagInUse, attrOffset, usedSize)
	putU32(buf[dataAttrOffset+dataAttrLen:], 0, attrTypeEndMarker)

	return buf
}

// buildBootSector writes a minimal NTFS boot sector for the synthetic
// geometry every test in this file shares.
func buildBootSector(mftStartCluster uint64) []byte {
	buf := make([]byte, bootSectorSize)
	copy(buf[ntfsOEMOffset:], ntfsOEMID)
	putU16(buf, 11, testBytesPerSector)
	buf[13] = testSectorsPerCluster
	buf[64] = byte(int8(2)) // 2 clusters per file record = 1024 bytes
	putU64(buf, 48, mftStartCluster)
	putU16(buf, bootSignatureOff, bootSignature)
	return buf
}

// newTestVolume assembles a boot sector, a root folder containing
// "hello.txt", and that file's own record (index 64) on a fakeDisk, then
// mounts it.
func newTestVolume(t *testing.T) (*FileSystem, *fakeDisk) {
	t.Helper()

	const volumeSectors = 2000
	disk := &fakeDisk{bytesPerSector: testBytesPerSector, data: make([]byte, volumeSectors*testBytesPerSector)}

	boot := buildBootSector(testMFTStartCluster)
	copy(disk.data[0:bootSectorSize], boot)

	const childIndex = 64
	const childSeq = 1

	root := buildRootRecord(childIndex, childSeq, "hello.txt")
	rootLBA := testMFTStartCluster + (rootFileRecordIndex*testFileRecordSize)/testBytesPerSector
	copy(disk.data[rootLBA*testBytesPerSector:], root)

	child := buildFileRecord(childSeq, "hello.txt", []byte("hello"))
	childLBA := testMFTStartCluster + (childIndex*testFileRecordSize)/testBytesPerSector
	copy(disk.data[childLBA*testBytesPerSector:], child)

	fs, err := Mount(disk, 0, volumeSectors)
	if err != nil {
		t.Fatalf("mount failed: %v", err)
	}
	return fs, disk
}

func TestMountParsesBootSectorGeometry(t *testing.T) {
	fs, _ := newTestVolume(t)

	if fs.BytesPerSector() != testBytesPerSector {
		t.Fatalf("expected bytes per sector %d, got %d", testBytesPerSector, fs.BytesPerSector())
	}
	if fs.fileRecordSize != testFileRecordSize {
		t.Fatalf("expected file record size %d, got %d", testFileRecordSize, fs.fileRecordSize)
	}
	if fs.mftStartCluster != testMFTStartCluster {
		t.Fatalf("expected MFT start cluster %d, got %d", testMFTStartCluster, fs.mftStartCluster)
	}
}

func TestMountRejectsBadSignature(t *testing.T) {
	disk := &fakeDisk{bytesPerSector: testBytesPerSector, data: make([]byte, testBytesPerSector)}
	if _, err := Mount(disk, 0, 1); err != errBadBootSector {
		t.Fatalf("expected errBadBootSector, got %v", err)
	}
}

func TestResolveAndReadFile(t *testing.T) {
	fs, _ := newTestVolume(t)

	f, ok := OpenFile(fs, "/hello.txt", OpenRead)
	if !ok {
		t.Fatal("expected /hello.txt to open")
	}
	if f.Size() != 5 {
		t.Fatalf("expected size 5, got %d", f.Size())
	}

	dest := make([]byte, 5)
	n, ok := f.Read(dest)
	if !ok || n != 5 {
		t.Fatalf("expected to read 5 bytes, got n=%d ok=%v", n, ok)
	}
	if string(dest) != "hello" {
		t.Fatalf("expected content %q, got %q", "hello", dest)
	}

	// A read past EOF is not an error; it reports zero bytes transferred.
	n, ok = f.Read(dest)
	if !ok || n != 0 {
		t.Fatalf("expected EOF read to succeed with 0 bytes, got n=%d ok=%v", n, ok)
	}
}

func TestOpenFileRejectsWriteFlags(t *testing.T) {
	fs, _ := newTestVolume(t)
	if _, ok := OpenFile(fs, "/hello.txt", OpenWrite); ok {
		t.Fatal("expected write open to be rejected")
	}
	if _, ok := OpenFile(fs, "/hello.txt", OpenCreateAlways); ok {
		t.Fatal("expected create-always open to be rejected")
	}
}

func TestWriteFileReturnsPermissionDenied(t *testing.T) {
	fs, _ := newTestVolume(t)
	f, ok := OpenFile(fs, "/hello.txt", OpenRead)
	if !ok {
		t.Fatal("expected file to open")
	}
	if _, err := f.Write([]byte("x")); err != errWriteNotPermitted {
		t.Fatalf("expected errWriteNotPermitted, got %v", err)
	}
}

func TestPathCacheHitAvoidsReEnumeration(t *testing.T) {
	fs, disk := newTestVolume(t)

	f1, ok := OpenFile(fs, "/hello.txt", OpenRead)
	if !ok {
		t.Fatal("expected first open to succeed")
	}
	_ = f1
	firstCalls := disk.readCalls

	disk.readCalls = 0
	f2, ok := OpenFile(fs, "/hello.txt", OpenRead)
	if !ok {
		t.Fatal("expected second open to succeed")
	}
	_ = f2
	secondCalls := disk.readCalls

	if secondCalls >= firstCalls {
		t.Fatalf("expected cached lookup to issue fewer disk reads (first=%d, second=%d)", firstCalls, secondCalls)
	}
}

func TestApplyFileRecordFixupDetectsMismatch(t *testing.T) {
	buf := make([]byte, testBytesPerSector*2)
	putU16(buf, 4, 48) // usaOffset
	putU16(buf, 6, 3)  // usaSize: 2 sectors protected
	usn := []byte{0xAB, 0xCD}
	copy(buf[48:50], usn)
	copy(buf[50:52], []byte{0x11, 0x22})
	copy(buf[52:54], []byte{0x33, 0x44})

	// Plant matching tail markers in both sectors.
	copy(buf[testBytesPerSector-2:testBytesPerSector], usn)
	copy(buf[2*testBytesPerSector-2:2*testBytesPerSector], usn)

	if !applyFileRecordFixup(buf, testBytesPerSector) {
		t.Fatal("expected fixup to succeed with matching USN tails")
	}
	if buf[testBytesPerSector-2] != 0x11 || buf[testBytesPerSector-1] != 0x22 {
		t.Fatal("expected first sector tail restored from USA replacement word")
	}

	// Corrupt the second sector's tail marker.
	buf2 := make([]byte, len(buf))
	copy(buf2, buf)
	// Re-plant before corrupting (buf above was already mutated in place).
	copy(buf2[testBytesPerSector-2:testBytesPerSector], usn)
	copy(buf2[2*testBytesPerSector-2:2*testBytesPerSector], []byte{0xFF, 0xFF})
	if applyFileRecordFixup(buf2, testBytesPerSector) {
		t.Fatal("expected fixup to fail on mismatched USN tail")
	}
}

func TestDecodeSizeByte(t *testing.T) {
	tests := []struct {
		raw             int8
		bytesPerCluster uint32
		want            uint32
	}{
		{2, 512, 1024},
		{-1, 512, 2},
		{-10, 512, 1024},
		{0, 512, 0},
	}
	for _, tt := range tests {
		if got := decodeSizeByte(tt.raw, tt.bytesPerCluster); got != tt.want {
			t.Fatalf("decodeSizeByte(%d, %d) = %d, want %d", tt.raw, tt.bytesPerCluster, got, tt.want)
		}
	}
}

func TestCompareNameCaseInsensitive(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"Hello.TXT", "hello.txt", true},
		{"hello.txt", "hello.tx", false},
		{"café", "CAFÉ", false}, // non-ASCII compared by raw value, not folded
		{"café", "café", true},
	}
	for _, tt := range tests {
		if got := compareNameCaseInsensitive(tt.a, tt.b); got != tt.want {
			t.Fatalf("compareNameCaseInsensitive(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.txt", "hello.txt", true},
		{"*.txt", "hello.bin", false},
		{"h?llo.txt", "hello.txt", true},
		{"h?llo.txt", "heello.txt", false},
		{"*", "anything", true},
		{"HELLO.*", "hello.txt", true},
	}
	for _, tt := range tests {
		if got := matchPattern(tt.pattern, tt.name); got != tt.want {
			t.Fatalf("matchPattern(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestOpenWildcardEnumeratesMatches(t *testing.T) {
	fs, _ := newTestVolume(t)

	f, ok := OpenFile(fs, "/*.txt", OpenRead)
	if !ok {
		t.Fatal("expected wildcard open to find hello.txt")
	}
	if f.Name() != "hello.txt" {
		t.Fatalf("expected hello.txt, got %q", f.Name())
	}
	if f.OpenNext() {
		t.Fatal("expected no further matches")
	}
}

func TestDecodeRunlistSparseAndMultiRun(t *testing.T) {
	// Header 0x31: offsetSize=3, lengthSize=1 -> 10 clusters, LCN delta +100.
	// Header 0x02: offsetSize=0, lengthSize=2 -> sparse run of 300 clusters.
	// Terminator.
	buf := []byte{
		0x31, 10, 100, 0, 0,
		0x02, 44, 1, // 300 = 0x012C
		0x00,
	}
	runs, ok := decodeRunlist(buf)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].isSparse || runs[0].clusterCount != 10 || runs[0].lcn != 100 {
		t.Fatalf("unexpected first run: %+v", runs[0])
	}
	if !runs[1].isSparse || runs[1].clusterCount != 300 {
		t.Fatalf("unexpected second run: %+v", runs[1])
	}
}
