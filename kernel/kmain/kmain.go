// Package kmain sequences this core's startup: hardware detection (ACPI,
// interrupt controller, NVMe), then mounting NTFS on each namespace the first
// NVMe controller publishes and wiring each mount to the storage VFS adaptor.
// Grounded on the teacher's kernel/kmain/kmain.go for the overall shape of
// a startup sequence that stops at the first fatal error.
package kmain

import (
	"exoscore/device/nvme"
	"exoscore/device/ntfs"
	"exoscore/device/vfs"
	"exoscore/kernel"
	"exoscore/kernel/hal"
	"exoscore/kernel/kfmt"
)

var (
	errNoStorageController = &kernel.Error{Module: "kmain", Message: "no storage controller attached"}
	errNoDisks             = &kernel.Error{Module: "kmain", Message: "storage controller published no disks"}
)

// Storage is the result of bringing up the storage stack: one disk adaptor
// and one filesystem adaptor per mounted NTFS volume, indexed the same way.
type Storage struct {
	Disks       []*vfs.DiskAdaptor
	Filesystems []*vfs.FilesystemAdaptor
}

// Boot runs hardware detection and brings up the storage stack. It returns
// nil on success; the Storage value is assembled by bringUpStorage (kept
// separate so host tests can exercise the wiring logic without going
// through Boot's diagnostic output).
func Boot() *kernel.Error {
	hal.DetectHardware()

	storage, err := bringUpStorage()
	if err != nil {
		return err
	}

	kfmt.Logf(kfmt.LevelDebug, "kmain", "%d disk(s) online, %d volume(s) mounted",
		len(storage.Disks), len(storage.Filesystems))
	return nil
}

// bringUpStorage locates the attached NVMe controller's disks and mounts
// NTFS on each one that parses as a valid boot sector, skipping (with a
// warning) any that don't.
func bringUpStorage() (*Storage, *kernel.Error) {
	var controller *nvme.Controller
	for _, d := range hal.ActiveDrivers() {
		if c, ok := d.(*nvme.Controller); ok {
			controller = c
			break
		}
	}
	if controller == nil {
		return nil, errNoStorageController
	}

	disks := controller.Disks()
	if len(disks) == 0 {
		return nil, errNoDisks
	}

	storage := &Storage{}
	for _, disk := range disks {
		fs, err := ntfs.Mount(disk, 0, disk.NumSectors)
		if err != nil {
			kfmt.Logf(kfmt.LevelWarning, "kmain", "namespace %d: mount failed: %s", disk.NamespaceID, err.Message)
			continue
		}

		storage.Disks = append(storage.Disks, vfs.NewDiskAdaptor(disk, vfs.DiskGeometry{
			NumSectors:     disk.NumSectors,
			BytesPerSector: disk.BytesPerSector,
			ReadOnly:       disk.Access == nvme.AccessReadOnly,
		}))
		storage.Filesystems = append(storage.Filesystems, vfs.NewFilesystemAdaptor(fs))
	}

	return storage, nil
}
