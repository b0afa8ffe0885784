//go:build linux

package device

import (
	"io"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ProbeSize returns the size of a regular file or block device in bytes.
// Regular files answer via seek; block devices need the BLKGETSIZE64 ioctl.
func ProbeSize(f *os.File) (int64, error) {
	if size, err := f.Seek(0, io.SeekEnd); err == nil {
		_, _ = f.Seek(0, io.SeekStart)
		return size, nil
	}

	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno != 0 {
		return 0, errno
	}
	return int64(size), nil
}

// ProbeSectorSize returns the logical sector size of a block device, or 512
// when the device does not answer the BLKSSZGET ioctl (regular files, loop
// images without a backing device).
func ProbeSectorSize(f *os.File) int {
	var sz int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKSSZGET, uintptr(unsafe.Pointer(&sz)))
	if errno != 0 || sz <= 0 {
		return 512
	}
	return int(sz)
}
