package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Descriptor is a read-only snapshot of a disk or partition, taken at
// preflight time and discarded after use. Snapshots are never cached across
// jobs and never mutated in place; callers that need current state re-fetch.
type Descriptor struct {
	// ID is the stable device identifier: a /dev path on POSIX systems or a
	// \\.\PhysicalDriveN path on Windows.
	ID string

	// SizeBytes is the total device size. Zero means the size could not be
	// determined; preflight treats that as a hard failure for capacity checks.
	SizeBytes int64

	// SectorSize is the logical sector size in bytes (usually 512 or 4096).
	SectorSize int

	// Mounted reports whether the device, or any partition on it, is mounted.
	Mounted bool

	// SystemDisk marks the disk the running OS booted from. Destructive
	// operations against it are refused unconditionally.
	SystemDisk bool

	// Filesystem is the detected filesystem tag (e.g. "ext4", "ntfs").
	// Empty when unknown or when the device holds no filesystem.
	Filesystem string
}

// String returns a short human-readable form for logs and errors.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%d bytes, sector=%d)", d.ID, d.SizeBytes, d.SectorSize)
}

// LockKey derives the per-device mutual-exclusion key for a device
// identifier. Partitions map to their parent disk so that a job against
// /dev/sda1 and a job against /dev/sda contend for the same lock.
//
// Identifiers that do not follow the /dev naming scheme (Windows paths,
// image paths) are used verbatim.
func LockKey(id string) string {
	name, ok := strings.CutPrefix(id, "/dev/")
	if !ok {
		return id
	}

	// nvme0n1p2, mmcblk0p1 style: strip the pN suffix.
	if strings.HasPrefix(name, "nvme") || strings.HasPrefix(name, "mmcblk") {
		if idx := strings.LastIndex(name, "p"); idx > 0 && idx < len(name)-1 {
			if _, err := strconv.Atoi(name[idx+1:]); err == nil {
				name = name[:idx]
			}
		}
		return "/dev/" + name
	}

	// sda1, vdb2 style: strip trailing digits.
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == "" {
		return id
	}
	return "/dev/" + trimmed
}
