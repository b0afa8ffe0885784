//go:build !windows

package backend

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
)

// PosixBackend drives Linux and BSD-family disk tooling: lsblk/findmnt for
// device state, parted for partition table changes, the mkfs family for
// formatting. Block copies and imaging run in-process over the device files.
type PosixBackend struct {
	runner CommandRunner
	blockOps
}

// New returns the platform backend for this build.
func New(runner CommandRunner) Backend {
	return &PosixBackend{runner: runner, blockOps: blockOps{runner: runner}}
}

func (p *PosixBackend) Name() string { return "posix" }

// opTools maps operations to the external tools they require. Block copies
// need lsblk only for the device snapshot; the copy itself is in-process.
var posixOpTools = map[Op][]string{
	OpCreatePartition: {"parted", "lsblk"},
	OpDeletePartition: {"parted", "lsblk"},
	OpFormat:          {"lsblk"},
	OpClone:           {"lsblk"},
	OpImageCreate:     {"lsblk"},
	OpImageRestore:    {"lsblk"},
	OpRescueMedia:     {}, // xorriso preferred, archive fallback is built in
}

func (p *PosixBackend) CheckTools(op Op) error {
	return requireTools(p.runner, op, posixOpTools[op]...)
}

// Snapshot queries lsblk for the device and its children. Identifiers that
// lsblk does not recognize (image files, loop file backings) fall back to a
// plain file probe.
func (p *PosixBackend) Snapshot(ctx context.Context, id string) (device.Descriptor, error) {
	out, err := p.runner.Output(ctx, "lsblk", "-bnP", "-o", "NAME,SIZE,TYPE,FSTYPE,MOUNTPOINT,LOG-SEC", id)
	if err != nil {
		return p.fileSnapshot(id)
	}

	desc := device.Descriptor{ID: id, SectorSize: 512}
	for i, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := parsePairs(line)
		if i == 0 {
			desc.SizeBytes, _ = strconv.ParseInt(fields["SIZE"], 10, 64)
			desc.Filesystem = fields["FSTYPE"]
			if sec, err := strconv.Atoi(fields["LOG-SEC"]); err == nil && sec > 0 {
				desc.SectorSize = sec
			}
		}
		if mnt := fields["MOUNTPOINT"]; mnt != "" && mnt != "[SWAP]" {
			desc.Mounted = true
			if mnt == "/" {
				desc.SystemDisk = true
			}
		}
	}

	if !desc.SystemDisk {
		desc.SystemDisk = p.hostsRoot(ctx, id)
	}
	return desc, nil
}

// ListDevices enumerates whole disks via lsblk and snapshots each one so
// mount and system-disk state is populated.
func (p *PosixBackend) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	out, err := p.runner.Output(ctx, "lsblk", "-bdnP", "-o", "NAME,TYPE")
	if err != nil {
		return nil, err
	}

	var devices []device.Descriptor
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := parsePairs(line)
		if fields["TYPE"] != "disk" {
			continue
		}
		id := "/dev/" + fields["NAME"]
		desc, err := p.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		devices = append(devices, desc)
	}
	return devices, nil
}

// hostsRoot reports whether id belongs to the disk the root filesystem
// lives on. Best-effort: a failing findmnt means "unknown", not an error.
func (p *PosixBackend) hostsRoot(ctx context.Context, id string) bool {
	src, err := p.runner.Output(ctx, "findmnt", "-n", "-o", "SOURCE", "/")
	if err != nil || src == "" {
		return false
	}
	return device.LockKey(id) == device.LockKey(src)
}

// fileSnapshot handles identifiers that are regular files or otherwise
// unknown to lsblk.
func (p *PosixBackend) fileSnapshot(id string) (device.Descriptor, error) {
	f, err := os.Open(id)
	if err != nil {
		return device.Descriptor{}, fmt.Errorf("device %s not accessible: %w", id, err)
	}
	defer f.Close()

	size, err := device.ProbeSize(f)
	if err != nil {
		return device.Descriptor{}, fmt.Errorf("cannot determine size of %s: %w", id, err)
	}
	return device.Descriptor{ID: id, SizeBytes: size, SectorSize: device.ProbeSectorSize(f)}, nil
}

func (p *PosixBackend) CreatePartition(ctx context.Context, params CreatePartitionParams, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "partition")

	end := "100%"
	if params.SizeBytes > 0 {
		end = fmt.Sprintf("%dB", params.SizeBytes)
	}
	fs := params.Filesystem
	if fs == "" {
		fs = "ext4"
	}

	if _, err := p.runner.Output(ctx, "parted", "-s", "-a", "optimal", params.Disk, "mkpart", "primary", fs, "1MiB", end); err != nil {
		return err
	}
	emitProgress(emit, 0, 0, "mkfs")
	return p.mkfs(ctx, newestPartition(ctx, p.runner, params.Disk), fs, params.Label)
}

func (p *PosixBackend) DeletePartition(ctx context.Context, partition string, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "partition")

	disk, number, err := splitPartition(partition)
	if err != nil {
		return err
	}
	_, err = p.runner.Output(ctx, "parted", "-s", disk, "rm", strconv.Itoa(number))
	return err
}

func (p *PosixBackend) FormatPartition(ctx context.Context, params FormatParams, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "mkfs")
	return p.mkfs(ctx, params.Partition, params.Filesystem, params.Label)
}

func (p *PosixBackend) mkfs(ctx context.Context, partition, fs, label string) error {
	var tool string
	var args []string
	switch {
	case strings.HasPrefix(fs, "ext"):
		tool = "mkfs." + fs
		args = []string{"-F"}
		if label != "" {
			args = append(args, "-L", label)
		}
	case fs == "vfat" || fs == "fat32":
		tool = "mkfs.vfat"
		if label != "" {
			args = append(args, "-n", strings.ToUpper(label))
		}
	case fs == "xfs":
		tool = "mkfs.xfs"
		args = []string{"-f"}
		if label != "" {
			args = append(args, "-L", label)
		}
	case fs == "ntfs":
		tool = "mkfs.ntfs"
		args = []string{"-f"}
		if label != "" {
			args = append(args, "-L", label)
		}
	case fs == "swap":
		tool = "mkswap"
	default:
		return fmt.Errorf("unsupported filesystem %q", fs)
	}

	if _, err := p.runner.LookPath(tool); err != nil {
		return &ToolUnavailableError{Tool: tool, Op: OpFormat}
	}
	_, err := p.runner.Output(ctx, tool, append(args, partition)...)
	return err
}

func (p *PosixBackend) CloneBlocks(ctx context.Context, source, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	return p.cloneBlocks(ctx, source, target, blockSize, emit)
}

func (p *PosixBackend) CreateImage(ctx context.Context, source device.Descriptor, destPath, compression string, blockSize int64, emit ProgressFunc) (image.Sidecar, error) {
	return p.createImage(ctx, source, destPath, compression, blockSize, emit)
}

func (p *PosixBackend) RestoreImage(ctx context.Context, imagePath string, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	return p.restoreImage(ctx, imagePath, target, blockSize, emit)
}

func (p *PosixBackend) DigestImage(ctx context.Context, imagePath string, blockSize int64, emit ProgressFunc) (string, int64, error) {
	return p.digestImage(ctx, imagePath, blockSize, emit)
}

func (p *PosixBackend) CreateRescueMedia(ctx context.Context, outputPath string, emit ProgressFunc) (RescueResult, error) {
	return createRescueMedia(ctx, p.runner, "xorriso", xorrisoArgs, outputPath, emit)
}

func xorrisoArgs(tree, outputPath string) []string {
	return []string{
		"-as", "mkisofs",
		"-o", outputPath,
		"-iso-level", "3",
		"-full-iso9660-filenames",
		"-volid", rescueVolumeID,
		tree,
	}
}

// splitPartition turns a partition path into its parent disk and partition
// number ("/dev/sda3" -> "/dev/sda", 3; "/dev/nvme0n1p2" -> "/dev/nvme0n1", 2).
func splitPartition(partition string) (string, int, error) {
	disk := device.LockKey(partition)
	if disk == partition {
		return "", 0, fmt.Errorf("%s does not look like a partition", partition)
	}

	numPart := strings.TrimPrefix(partition, disk)
	numPart = strings.TrimPrefix(numPart, "p")
	number, err := strconv.Atoi(numPart)
	if err != nil {
		return "", 0, fmt.Errorf("cannot parse partition number of %s: %w", partition, err)
	}
	return disk, number, nil
}

// newestPartition returns the highest-numbered partition path on a disk,
// used to locate a partition parted just created. Falls back to the disk
// path when lsblk cannot answer.
func newestPartition(ctx context.Context, runner CommandRunner, disk string) string {
	out, err := runner.Output(ctx, "lsblk", "-bnP", "-o", "NAME,TYPE", disk)
	if err != nil {
		return disk
	}

	last := ""
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := parsePairs(line)
		if fields["TYPE"] == "part" {
			last = "/dev/" + fields["NAME"]
		}
	}
	if last == "" {
		return disk
	}
	return last
}

// parsePairs parses one line of `lsblk -P` output (KEY="value" pairs).
func parsePairs(line string) map[string]string {
	fields := make(map[string]string)
	for len(line) > 0 {
		line = strings.TrimLeft(line, " ")
		eq := strings.Index(line, "=\"")
		if eq < 0 {
			break
		}
		key := line[:eq]
		rest := line[eq+2:]
		end := strings.Index(rest, "\"")
		if end < 0 {
			break
		}
		fields[key] = rest[:end]
		line = rest[end+1:]
	}
	return fields
}
