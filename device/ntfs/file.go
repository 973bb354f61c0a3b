package ntfs

import (
	"exoscore/kernel"
	"strings"
)

// OpenFlags mirrors the caller-supplied FILEINFO.flags bits from spec.md §6.
type OpenFlags uint32

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenAppend
	OpenCreateAlways
	OpenTruncate
)

// Attr mirrors the generic FILE handle's attribute bits.
type Attr uint32

const (
	AttrReadOnly Attr = 1 << iota
	AttrFolder
)

var errWriteNotPermitted = &kernel.Error{Module: "ntfs", Message: "write attempted on a read-only mount"}

// File is an open handle into a mounted volume: either a single resolved
// file/folder, or, for a wildcard open, an owned snapshot of every matching
// folder entry that OpenNext walks one at a time. Grounded on the generic
// FILE structure NtfsOpenFile/NtfsFillFileHeader populate in NTFS-VFS.c.
type File struct {
	fs *FileSystem

	name       string
	attributes Attr
	size       uint64
	position   uint64
	recordIndex uint64

	creationTime uint64
	modifiedTime uint64
	accessTime   uint64

	isEnumeration bool
	parentIndex   uint64
	entries       []folderEntry
	entryIndex    int
}

// Name returns the handle's current display name.
func (f *File) Name() string { return f.name }

// Attributes returns the handle's READONLY|FOLDER bits.
func (f *File) Attributes() Attr { return f.attributes }

// Size returns the current entry's data size.
func (f *File) Size() uint64 { return f.size }

// IsFolder reports whether the current entry is a folder.
func (f *File) IsFolder() bool { return f.attributes&AttrFolder != 0 }

// CreationTime, ModifiedTime and AccessTime return the entry's timestamps
// as raw Windows FILETIME values (100 ns ticks since 1601-01-01 UTC).
func (f *File) CreationTime() uint64 { return f.creationTime }
func (f *File) ModifiedTime() uint64 { return f.modifiedTime }
func (f *File) AccessTime() uint64   { return f.accessTime }

// OpenFile resolves path against fs and returns a handle. Any write-capable
// flag combination is rejected outright: this mount is read-only.
// Grounded on NtfsOpenFile.
func OpenFile(fs *FileSystem, path string, flags OpenFlags) (*File, bool) {
	if flags&(OpenWrite|OpenAppend|OpenCreateAlways|OpenTruncate) != 0 {
		return nil, false
	}

	if strings.ContainsAny(path, "*?") {
		return openWildcard(fs, path)
	}

	index, _, err := fs.resolvePathToIndex(path)
	if err != nil {
		return nil, false
	}

	baseName := path
	if i := strings.LastIndexAny(path, "/\\"); i >= 0 {
		baseName = path[i+1:]
	}

	return fs.fillFileHeader(index, baseName)
}

// splitWildcardPath separates a pattern path into its containing folder
// path and the trailing wildcard pattern.
func splitWildcardPath(path string) (folderPath, pattern string) {
	i := strings.LastIndexAny(path, "/\\")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func openWildcard(fs *FileSystem, path string) (*File, bool) {
	folderPath, pattern := splitWildcardPath(path)

	parentIndex := uint64(rootFileRecordIndex)
	if folderPath != "" {
		idx, isFolder, err := fs.resolvePathToIndex(folderPath)
		if err != nil || !isFolder {
			return nil, false
		}
		parentIndex = idx
	}

	entries, ok := fs.enumerateFolderByIndex(parentIndex)
	if !ok {
		return nil, false
	}

	var matched []folderEntry
	for _, e := range entries {
		if matchPattern(pattern, e.name) {
			matched = append(matched, e)
		}
	}

	f := &File{
		fs:            fs,
		isEnumeration: true,
		parentIndex:   parentIndex,
		entries:       matched,
		entryIndex:    -1,
	}
	if !f.OpenNext() {
		return nil, false
	}
	return f, true
}

// OpenNext advances an enumeration handle to its next matching entry,
// skipping any record that fails to load, and refills the generic header
// fields from it. Grounded on NtfsOpenNext.
func (f *File) OpenNext() bool {
	if !f.isEnumeration {
		return false
	}
	for {
		f.entryIndex++
		if f.entryIndex >= len(f.entries) {
			return false
		}
		e := f.entries[f.entryIndex]
		filled, ok := f.fs.fillFileHeader(e.fileRecordIndex, e.name)
		if !ok {
			continue
		}
		f.name = filled.name
		f.attributes = filled.attributes
		f.size = filled.size
		f.position = 0
		f.recordIndex = filled.recordIndex
		f.creationTime = filled.creationTime
		f.modifiedTime = filled.modifiedTime
		f.accessTime = filled.accessTime
		return true
	}
}

// Close releases an enumeration handle's owned entry snapshot. Grounded on
// NtfsCloseFile.
func (f *File) Close() {
	f.entries = nil
}

// Read copies up to len(dest) bytes starting at the handle's current
// position, advances position by the amount actually transferred, and
// reports success even when 0 bytes were available (a read past EOF is not
// an error, per spec.md's explicit statement).
func (f *File) Read(dest []byte) (int, bool) {
	if f.position >= f.size {
		return 0, true
	}
	remaining := f.size - f.position
	want := uint64(len(dest))
	if want > remaining {
		want = remaining
	}

	n, ok := f.fs.readFileDataRangeByIndex(f.recordIndex, f.position, dest[:want])
	if !ok {
		return 0, false
	}
	f.position += uint64(n)
	return n, true
}

// Write always fails: this mount is read-only. Grounded on NtfsWriteFile's
// unconditional DF_RETURN_NO_PERMISSION.
func (f *File) Write(src []byte) (int, *kernel.Error) {
	return 0, errWriteNotPermitted
}

// fillFileHeader loads record index and populates a File's generic fields.
// Grounded on NtfsFillFileHeader.
func (fs *FileSystem) fillFileHeader(index uint64, baseName string) (*File, bool) {
	buf, err := fs.loadFileRecordBuffer(index)
	if err != nil {
		return nil, false
	}
	info := fs.parseFileRecord(index, buf)
	if !info.inUse() {
		return nil, false
	}

	name := baseName
	if info.haveName && name == "" {
		name = info.primaryName.name
	}

	attrs := AttrReadOnly
	if info.isFolder() {
		attrs |= AttrFolder
	}

	f := &File{
		fs:           fs,
		name:         name,
		attributes:   attrs,
		recordIndex:  index,
		creationTime: info.primaryName.creationTime,
		modifiedTime: info.primaryName.modifiedTime,
		accessTime:   info.primaryName.accessTime,
	}
	if info.hasDataAttribute {
		f.size = info.dataSize
	}
	return f, true
}

// matchPattern reports whether name matches a DOS-style wildcard pattern:
// '*' matches any run (including empty) of code points, '?' matches exactly
// one, everything else compares case-insensitively. Grounded on
// NtfsMatchPattern/NtfsMatchCharIgnoreCase.
func matchPattern(pattern, name string) bool {
	return matchPatternRunes([]rune(pattern), []rune(name))
}

func matchPatternRunes(pattern, name []rune) bool {
	if len(pattern) == 0 {
		return len(name) == 0
	}

	switch pattern[0] {
	case '*':
		for i := 0; i <= len(name); i++ {
			if matchPatternRunes(pattern[1:], name[i:]) {
				return true
			}
		}
		return false
	case '?':
		if len(name) == 0 {
			return false
		}
		return matchPatternRunes(pattern[1:], name[1:])
	default:
		if len(name) == 0 {
			return false
		}
		if !matchCharIgnoreCase(pattern[0], name[0]) {
			return false
		}
		return matchPatternRunes(pattern[1:], name[1:])
	}
}

func matchCharIgnoreCase(a, b rune) bool {
	if a < 128 && b < 128 {
		return toUpperASCII(a) == toUpperASCII(b)
	}
	return a == b
}
