//go:build !linux

package device

import (
	"io"
	"os"
)

// ProbeSize returns the size of a regular file in bytes. Non-Linux block
// device probing goes through the platform backend's own tooling instead.
func ProbeSize(f *os.File) (int64, error) {
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	_, _ = f.Seek(0, io.SeekStart)
	return size, nil
}

// ProbeSectorSize returns 512; non-Linux platforms report sector sizes via
// their backend tooling.
func ProbeSectorSize(f *os.File) int {
	return 512
}
