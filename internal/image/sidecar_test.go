package image

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSidecar_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "sda.img.zst")

	s := Sidecar{
		FormatVersion:     FormatVersion,
		SourceDevice:      "/dev/sda",
		Algorithm:         "sha256",
		DigestHex:         "deadbeef",
		OriginalSizeBytes: 10 << 30,
		BlockSizeBytes:    64 << 20,
		Compression:       "zstd",
		CreatedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Write(imagePath))

	got, err := ReadSidecar(imagePath)
	require.NoError(t, err)
	assert.Equal(t, s, got)
}

func TestSidecar_PathDerivation(t *testing.T) {
	assert.Equal(t, "/backups/sda.img.meta.json", SidecarPath("/backups/sda.img"))
}

func TestReadSidecar_Missing(t *testing.T) {
	_, err := ReadSidecar(filepath.Join(t.TempDir(), "absent.img"))
	assert.Error(t, err)
}

func TestReadSidecar_Corrupt(t *testing.T) {
	dir := t.TempDir()
	imagePath := filepath.Join(dir, "x.img")
	require.NoError(t, os.WriteFile(SidecarPath(imagePath), []byte("{not json"), 0o644))

	_, err := ReadSidecar(imagePath)
	assert.Error(t, err)
}
