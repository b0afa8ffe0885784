// Package image defines the on-disk metadata format for device images.
//
// An image file is a raw block copy of a device, optionally compressed by an
// external tool. Every image carries a sidecar file next to it recording the
// digest of the uncompressed stream, the original device size, and the block
// size used to produce it. The sidecar is written independently of the image
// pipeline's exit status so a partially written image still has inspectable
// metadata.
package image

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// FormatVersion identifies the sidecar schema. Bump on incompatible change.
const FormatVersion = "1"

// Sidecar is the metadata record stored next to an image file.
// Sidecars are immutable once written.
type Sidecar struct {
	FormatVersion     string    `json:"format_version"`
	SourceDevice      string    `json:"source_device"`
	Algorithm         string    `json:"checksum_algorithm"`
	DigestHex         string    `json:"checksum"`
	OriginalSizeBytes int64     `json:"original_size_bytes"`
	BlockSizeBytes    int64     `json:"block_size_bytes"`
	Compression       string    `json:"compression,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// SidecarPath returns the sidecar location for an image path.
func SidecarPath(imagePath string) string {
	return imagePath + ".meta.json"
}

// Write persists the sidecar next to the image at imagePath.
func (s Sidecar) Write(imagePath string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}
	if err := os.WriteFile(SidecarPath(imagePath), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write sidecar: %w", err)
	}
	return nil
}

// ReadSidecar loads the sidecar for an image path.
func ReadSidecar(imagePath string) (Sidecar, error) {
	data, err := os.ReadFile(SidecarPath(imagePath))
	if err != nil {
		return Sidecar{}, fmt.Errorf("read sidecar: %w", err)
	}
	var s Sidecar
	if err := json.Unmarshal(data, &s); err != nil {
		return Sidecar{}, fmt.Errorf("parse sidecar %s: %w", SidecarPath(imagePath), err)
	}
	return s, nil
}
