// Package backend defines the platform capability contract for primitive
// disk operations and provides the per-OS implementations.
//
// Exactly one implementation is selected at process start based on the
// running platform (build tags); variants are never mixed at runtime. Every
// method performs its action unconditionally once called; idempotent
// "already in desired state" detection is not part of the contract. Methods
// report streamed progress through a callback and terminate with a single
// success/failure result.
//
// Failure modes shared by all implementations:
//   - ToolUnavailableError when a required external tool cannot be located
//   - ExternalToolError carrying the exit code and a truncated stderr excerpt
//     when an external tool exits nonzero
package backend

import (
	"context"

	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
)

// Op identifies a primitive operation kind.
type Op string

const (
	OpCreatePartition Op = "create-partition"
	OpDeletePartition Op = "delete-partition"
	OpFormat          Op = "format"
	OpClone           Op = "clone"
	OpImageCreate     Op = "image-create"
	OpImageRestore    Op = "image-restore"
	OpRescueMedia     Op = "rescue-media"
)

// DeviceDestructive reports whether the operation overwrites a device.
// Rescue media creation writes only to its output path.
func (o Op) DeviceDestructive() bool {
	return o != OpRescueMedia
}

// DefaultBlockSize is the chunk size for block copies and digests when the
// request does not override it.
const DefaultBlockSize int64 = 64 << 20 // 64 MiB

// Progress is one event in a job's progress stream.
type Progress struct {
	Percent        float64
	BytesProcessed int64
	Phase          string
}

// ProgressFunc receives streamed progress events. Implementations call it
// from the executing goroutine; it must not block.
type ProgressFunc func(Progress)

// CreatePartitionParams configures a partition-create call.
type CreatePartitionParams struct {
	Disk       string // whole-disk identifier
	SizeBytes  int64  // 0 means all remaining space
	Filesystem string // filesystem to create on the new partition
	Label      string
}

// FormatParams configures a format call.
type FormatParams struct {
	Partition  string
	Filesystem string
	Label      string
}

// RescueResult reports what rescue-media creation produced. Path points at
// the ISO, or at the archive fallback when the ISO toolchain was missing.
type RescueResult struct {
	Path     string
	Fallback bool
}

// Backend is the platform capability interface. One method per primitive
// operation; all methods honor context cancellation by terminating any
// in-flight external process.
type Backend interface {
	// Name identifies the platform family ("posix" or "windows").
	Name() string

	// Snapshot fetches a fresh descriptor for a device identifier.
	// Descriptors are read-only copies; callers never see shared state.
	Snapshot(ctx context.Context, id string) (device.Descriptor, error)

	// ListDevices enumerates the whole disks visible to the platform.
	ListDevices(ctx context.Context) ([]device.Descriptor, error)

	// CheckTools verifies the external tools needed for an operation are
	// present. Returns a ToolUnavailableError naming the first missing tool.
	CheckTools(op Op) error

	CreatePartition(ctx context.Context, p CreatePartitionParams, emit ProgressFunc) error
	DeletePartition(ctx context.Context, partition string, emit ProgressFunc) error
	FormatPartition(ctx context.Context, p FormatParams, emit ProgressFunc) error

	// CloneBlocks copies min(source, target) bytes from source to target in
	// blockSize chunks, emitting progress per chunk. A restarted clone
	// re-runs from zero; there is no checkpointing.
	CloneBlocks(ctx context.Context, source, target device.Descriptor, blockSize int64, emit ProgressFunc) error

	// CreateImage streams the source device through the named compressor
	// into destPath and returns a sidecar with the digest of the
	// uncompressed stream. An empty compression picks the best available
	// compressor, or none.
	CreateImage(ctx context.Context, source device.Descriptor, destPath, compression string, blockSize int64, emit ProgressFunc) (image.Sidecar, error)

	// RestoreImage decompresses imagePath and writes it to the target.
	RestoreImage(ctx context.Context, imagePath string, target device.Descriptor, blockSize int64, emit ProgressFunc) error

	// DigestImage re-reads the image at imagePath, reversing any recorded
	// compression, and returns the hex SHA-256 and byte count of the
	// uncompressed stream. The digest reflects the bytes on disk, not the
	// stream that produced them.
	DigestImage(ctx context.Context, imagePath string, blockSize int64, emit ProgressFunc) (string, int64, error)

	// CreateRescueMedia builds bootable rescue media at outputPath.
	CreateRescueMedia(ctx context.Context, outputPath string, emit ProgressFunc) (RescueResult, error)
}
