package ntfs

import (
	"exoscore/kernel"
	"unicode"
)

// compareNameCaseInsensitive folds ASCII letters before comparing; any
// non-ASCII code point is compared by raw value, matching the rule spec.md
// states explicitly (NTFS names are UTF-16 and this driver does not carry a
// full Unicode case-folding table). Go's native UTF-8-aware string
// iteration replaces the original's hand-rolled decoder.
func compareNameCaseInsensitive(a, b string) bool {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) != len(rb) {
		return false
	}
	for i := range ra {
		ca, cb := ra[i], rb[i]
		if ca < unicode.MaxASCII && cb < unicode.MaxASCII {
			if toUpperASCII(ca) != toUpperASCII(cb) {
				return false
			}
			continue
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func toUpperASCII(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - ('a' - 'A')
	}
	return r
}

// lookupPathCache scans the ring cache for an entry matching
// (parentIndex, name). Guarded by the filesystem's spinlock per SPEC_FULL.md
// §5, mirroring LockMutex/UnlockMutex around NtfsLookupPathCache.
func (fs *FileSystem) lookupPathCache(parentIndex uint64, name string) (childIndex uint64, isFolder bool, found bool) {
	fs.mu.Acquire()
	defer fs.mu.Release()

	for _, e := range fs.pathCache {
		if !e.valid || e.parentIndex != parentIndex {
			continue
		}
		if compareNameCaseInsensitive(e.name, name) {
			return e.childIndex, e.childIsFolder, true
		}
	}
	return 0, false, false
}

// storePathCache writes a fresh entry into the next ring slot, never
// mutating an existing slot in place (invariant 3): round-robin eviction of
// the oldest slot is the only way an entry disappears.
func (fs *FileSystem) storePathCache(parentIndex uint64, name string, childIndex uint64, isFolder bool) {
	fs.mu.Acquire()
	defer fs.mu.Release()

	slot := fs.pathCacheNext
	fs.pathCache[slot] = pathCacheEntry{
		valid:         true,
		parentIndex:   parentIndex,
		childIndex:    childIndex,
		childIsFolder: isFolder,
		name:          name,
	}
	fs.pathCacheNext = (fs.pathCacheNext + 1) % pathCacheSize
}

// lookupChildByName resolves one path component under parentIndex, checking
// the path cache before falling back to a full folder enumeration.
// Grounded on NtfsLookupChildByName.
func (fs *FileSystem) lookupChildByName(parentIndex uint64, name string) (uint64, bool, bool) {
	if idx, isFolder, ok := fs.lookupPathCache(parentIndex, name); ok {
		return idx, isFolder, true
	}

	entries, ok := fs.enumerateFolderByIndex(parentIndex)
	if !ok {
		return 0, false, false
	}

	for _, e := range entries {
		if compareNameCaseInsensitive(e.name, name) {
			fs.storePathCache(parentIndex, name, e.fileRecordIndex, e.isFolder)
			return e.fileRecordIndex, e.isFolder, true
		}
	}
	return 0, false, false
}

// splitPathComponents splits path on '/' or '\\', dropping empty segments.
func splitPathComponents(path string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(path); i++ {
		if i == len(path) || path[i] == '/' || path[i] == '\\' {
			if i > start {
				out = append(out, path[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// resolvePathToIndex walks path from the volume root, rejecting any
// intermediate component that is not a folder. Grounded on
// NtfsResolvePathToIndex.
func (fs *FileSystem) resolvePathToIndex(path string) (uint64, bool, *kernel.Error) {
	components := splitPathComponents(path)

	current := uint64(rootFileRecordIndex)
	currentIsFolder := true

	for i, comp := range components {
		if !currentIsFolder {
			return 0, false, errNotAFolder
		}

		idx, isFolder, ok := fs.lookupChildByName(current, comp)
		if !ok {
			return 0, false, errPathNotFound
		}

		current = idx
		currentIsFolder = isFolder

		if i == len(components)-1 {
			break
		}
	}

	return current, currentIsFolder, nil
}
