// Package vfs implements the storage VFS dispatch adaptor: a dispatch-by-
// function-code layer bridging generic disk and filesystem operations onto
// an NVMe-backed disk and a mounted NTFS volume. Grounded on
// original_source/kernel/source/drivers/filesystems/NTFS-VFS.c (the file
// the original kernel itself uses to bridge NTFS into its generic VFS) and
// kernel/include/Disk.h for the IOCONTROL/return-code shapes.
package vfs

import (
	"exoscore/device/ntfs"
	"exoscore/kernel/sync"
)

// ReturnCode mirrors the Disk IOCONTROL / Filesystem dispatch return codes
// from spec.md §6.
type ReturnCode int

const (
	ReturnSuccess ReturnCode = iota
	ReturnBadParameter
	ReturnNoPermission
	ReturnUnexpected
	ReturnInputOutput
	ReturnNotImplemented
)

func (r ReturnCode) String() string {
	switch r {
	case ReturnSuccess:
		return "SUCCESS"
	case ReturnBadParameter:
		return "BAD_PARAMETER"
	case ReturnNoPermission:
		return "NO_PERMISSION"
	case ReturnUnexpected:
		return "UNEXPECTED"
	case ReturnInputOutput:
		return "INPUT_OUTPUT"
	case ReturnNotImplemented:
		return "NOT_IMPLEMENTED"
	default:
		return "UNKNOWN"
	}
}

// BlockDevice is the narrow disk contract the adaptor chunks I/O across; an
// *nvme.Disk satisfies it without this package importing nvme.
type BlockDevice interface {
	ReadSectors(lba uint64, sectorCount uint32, buffer []byte) bool
	WriteSectors(lba uint64, sectorCount uint32, buffer []byte) bool
}

// DiskGeometry is read-only information about a block device, filled in by
// the caller constructing a DiskAdaptor (mirrors nvme.Disk's public fields
// without coupling this package to that concrete type).
type DiskGeometry struct {
	NumSectors     uint64
	BytesPerSector uint32
	ReadOnly       bool
}

// Handle identifies one open filesystem file/enumeration.
type Handle uint32

// FileInfo mirrors the caller-supplied FILEINFO from spec.md §6.
type FileInfo struct {
	Name  string
	Flags ntfs.OpenFlags
}

// FileHeader mirrors the generic FILE handle's caller-visible fields.
type FileHeader struct {
	Name            string
	Attributes      ntfs.Attr
	Size            uint64
	Position        uint64
	CreationTime    uint64
	ModifiedTime    uint64
	AccessTime      uint64
	BytesTransferred int
}

// FilesystemAdaptor dispatches FS_* operations onto one mounted NTFS
// volume, owning the table of open handles.
type FilesystemAdaptor struct {
	mu      sync.Spinlock
	fs      *ntfs.FileSystem
	handles map[Handle]*ntfs.File
	nextID  Handle
}

// NewFilesystemAdaptor wraps an already-mounted volume for dispatch.
func NewFilesystemAdaptor(fs *ntfs.FileSystem) *FilesystemAdaptor {
	return &FilesystemAdaptor{fs: fs, handles: make(map[Handle]*ntfs.File)}
}

// VolumeInfo mirrors FS_GETVOLUMEINFO's result.
type VolumeInfo struct {
	Label          string
	BytesPerSector uint32
	ReadOnly       bool
}

// GetVolumeInfo implements FS_GETVOLUMEINFO.
func (a *FilesystemAdaptor) GetVolumeInfo() VolumeInfo {
	return VolumeInfo{
		Label:          a.fs.VolumeLabel(),
		BytesPerSector: a.fs.BytesPerSector(),
		ReadOnly:       true,
	}
}

// CreateFolder implements FS_CREATEFOLDER. This mount is read-only.
func (a *FilesystemAdaptor) CreateFolder(path string) ReturnCode {
	return ReturnNoPermission
}

// Rename implements the rename dispatch code. This mount is read-only.
func (a *FilesystemAdaptor) Rename(oldPath, newPath string) ReturnCode {
	return ReturnNoPermission
}

// Delete implements the delete dispatch code. This mount is read-only.
func (a *FilesystemAdaptor) Delete(path string) ReturnCode {
	return ReturnNoPermission
}

// OpenFile implements FS_OPENFILE, returning a caller-visible Handle.
func (a *FilesystemAdaptor) OpenFile(info FileInfo) (Handle, ReturnCode) {
	f, ok := ntfs.OpenFile(a.fs, info.Name, info.Flags)
	if !ok {
		if info.Flags&(ntfs.OpenWrite|ntfs.OpenAppend|ntfs.OpenCreateAlways|ntfs.OpenTruncate) != 0 {
			return 0, ReturnNoPermission
		}
		return 0, ReturnBadParameter
	}

	a.mu.Acquire()
	defer a.mu.Release()
	a.nextID++
	id := a.nextID
	a.handles[id] = f
	return id, ReturnSuccess
}

// OpenNext implements FS_OPENNEXT(handle).
func (a *FilesystemAdaptor) OpenNext(h Handle) ReturnCode {
	a.mu.Acquire()
	f, ok := a.handles[h]
	a.mu.Release()
	if !ok {
		return ReturnBadParameter
	}
	if !f.OpenNext() {
		return ReturnInputOutput
	}
	return ReturnSuccess
}

// CloseFile implements FS_CLOSEFILE(handle).
func (a *FilesystemAdaptor) CloseFile(h Handle) ReturnCode {
	a.mu.Acquire()
	defer a.mu.Release()
	f, ok := a.handles[h]
	if !ok {
		return ReturnBadParameter
	}
	f.Close()
	delete(a.handles, h)
	return ReturnSuccess
}

// Stat returns the generic header fields of an open handle, per the
// {name, attributes, size, position, timestamps} FILE struct spec.md §6
// describes.
func (a *FilesystemAdaptor) Stat(h Handle) (FileHeader, ReturnCode) {
	a.mu.Acquire()
	f, ok := a.handles[h]
	a.mu.Release()
	if !ok {
		return FileHeader{}, ReturnBadParameter
	}
	return FileHeader{
		Name:         f.Name(),
		Attributes:   f.Attributes(),
		Size:         f.Size(),
		CreationTime: f.CreationTime(),
		ModifiedTime: f.ModifiedTime(),
		AccessTime:   f.AccessTime(),
	}, ReturnSuccess
}

// Read implements FS_READ(handle).
func (a *FilesystemAdaptor) Read(h Handle, dest []byte) (int, ReturnCode) {
	a.mu.Acquire()
	f, ok := a.handles[h]
	a.mu.Release()
	if !ok {
		return 0, ReturnBadParameter
	}
	n, ok := f.Read(dest)
	if !ok {
		return 0, ReturnInputOutput
	}
	return n, ReturnSuccess
}

// Write implements FS_WRITE(handle). This mount is read-only.
func (a *FilesystemAdaptor) Write(h Handle, src []byte) (int, ReturnCode) {
	a.mu.Acquire()
	_, ok := a.handles[h]
	a.mu.Release()
	if !ok {
		return 0, ReturnBadParameter
	}
	return 0, ReturnNoPermission
}
