//go:build windows

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
)

// WindowsBackend drives the Windows storage cmdlets through PowerShell
// (Get-Disk, New-Partition, Format-Volume). Block copies and imaging run
// in-process over \\.\PhysicalDriveN handles.
type WindowsBackend struct {
	runner CommandRunner
	blockOps
}

// New returns the platform backend for this build.
func New(runner CommandRunner) Backend {
	return &WindowsBackend{runner: runner, blockOps: blockOps{runner: runner}}
}

func (w *WindowsBackend) Name() string { return "windows" }

const powershell = "powershell.exe"

var windowsOpTools = map[Op][]string{
	OpCreatePartition: {powershell},
	OpDeletePartition: {powershell},
	OpFormat:          {powershell},
	OpClone:           {powershell},
	OpImageCreate:     {powershell},
	OpImageRestore:    {powershell},
	OpRescueMedia:     {}, // oscdimg preferred, archive fallback is built in
}

func (w *WindowsBackend) CheckTools(op Op) error {
	return requireTools(w.runner, op, windowsOpTools[op]...)
}

// physicalDriveRe extracts the disk number from a \\.\PhysicalDriveN path.
var physicalDriveRe = regexp.MustCompile(`(?i)PhysicalDrive(\d+)$`)

// diskNumber parses the disk number out of a device identifier.
func diskNumber(id string) (int, error) {
	m := physicalDriveRe.FindStringSubmatch(id)
	if m == nil {
		return 0, fmt.Errorf("%s is not a \\\\.\\PhysicalDriveN identifier", id)
	}
	return strconv.Atoi(m[1])
}

// partitionRe extracts the disk and partition numbers from a
// \\.\PhysicalDriveN:P identifier.
var partitionRe = regexp.MustCompile(`(?i)PhysicalDrive(\d+):(\d+)$`)

func partitionNumbers(id string) (disk, part int, err error) {
	m := partitionRe.FindStringSubmatch(id)
	if m == nil {
		return 0, 0, fmt.Errorf("%s is not a \\\\.\\PhysicalDriveN:P identifier", id)
	}
	if disk, err = strconv.Atoi(m[1]); err != nil {
		return 0, 0, err
	}
	part, err = strconv.Atoi(m[2])
	return disk, part, err
}

// psDisk mirrors the JSON shape of the snapshot query below.
type psDisk struct {
	Size          int64         `json:"Size"`
	LogicalSector int           `json:"LogicalSectorSize"`
	IsBoot        bool          `json:"IsBoot"`
	IsSystem      bool          `json:"IsSystem"`
	Partitions    []psPartition `json:"Partitions"`
}

type psPartition struct {
	DriveLetter string `json:"DriveLetter"`
	FileSystem  string `json:"FileSystem"`
}

func (w *WindowsBackend) Snapshot(ctx context.Context, id string) (device.Descriptor, error) {
	number, err := diskNumber(id)
	if err != nil {
		// Image files and other regular paths.
		return w.fileSnapshot(id)
	}

	script := fmt.Sprintf(`$d = Get-Disk -Number %d
$p = Get-Partition -DiskNumber %d -ErrorAction SilentlyContinue | ForEach-Object {
  $v = $_ | Get-Volume -ErrorAction SilentlyContinue
  @{ DriveLetter = "$($_.DriveLetter)".Trim(); FileSystem = "$($v.FileSystem)" }
}
@{ Size = $d.Size; LogicalSectorSize = $d.LogicalSectorSize; IsBoot = $d.IsBoot; IsSystem = $d.IsSystem; Partitions = @($p) } | ConvertTo-Json -Compress -Depth 4`, number, number)

	out, err := w.runner.Output(ctx, powershell, "-NoProfile", "-NonInteractive", "-Command", script)
	if err != nil {
		return device.Descriptor{}, err
	}

	var d psDisk
	if err := json.Unmarshal([]byte(out), &d); err != nil {
		return device.Descriptor{}, newToolError(powershell, 0, "unparseable Get-Disk output")
	}

	desc := device.Descriptor{
		ID:         id,
		SizeBytes:  d.Size,
		SectorSize: d.LogicalSector,
		SystemDisk: d.IsBoot || d.IsSystem,
	}
	if desc.SectorSize == 0 {
		desc.SectorSize = 512
	}
	for _, p := range d.Partitions {
		if p.DriveLetter != "" {
			desc.Mounted = true
		}
		if desc.Filesystem == "" {
			desc.Filesystem = p.FileSystem
		}
	}
	return desc, nil
}

// ListDevices enumerates physical disks via Get-Disk and snapshots each.
func (w *WindowsBackend) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	out, err := w.runner.Output(ctx, powershell, "-NoProfile", "-NonInteractive", "-Command",
		"@(Get-Disk | ForEach-Object { $_.Number }) | ConvertTo-Json -Compress")
	if err != nil {
		return nil, err
	}

	var numbers []int
	if err := json.Unmarshal([]byte(out), &numbers); err != nil {
		// A single disk serializes as a bare number.
		var one int
		if err := json.Unmarshal([]byte(out), &one); err != nil {
			return nil, newToolError(powershell, 0, "unparseable Get-Disk output")
		}
		numbers = []int{one}
	}

	var devices []device.Descriptor
	for _, n := range numbers {
		id := fmt.Sprintf(`\\.\PhysicalDrive%d`, n)
		desc, err := w.Snapshot(ctx, id)
		if err != nil {
			continue
		}
		devices = append(devices, desc)
	}
	return devices, nil
}

func (w *WindowsBackend) fileSnapshot(id string) (device.Descriptor, error) {
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

func (w *WindowsBackend) CreatePartition(ctx context.Context, params CreatePartitionParams, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "partition")

	number, err := diskNumber(params.Disk)
	if err != nil {
		return err
	}

	sizeArg := "-UseMaximumSize"
	if params.SizeBytes > 0 {
		sizeArg = fmt.Sprintf("-Size %d", params.SizeBytes)
	}
	fs := params.Filesystem
	if fs == "" {
		fs = "NTFS"
	}
	labelArg := ""
	if params.Label != "" {
		labelArg = fmt.Sprintf(" -NewFileSystemLabel '%s'", params.Label)
	}

	script := fmt.Sprintf(
		"New-Partition -DiskNumber %d %s -AssignDriveLetter | Format-Volume -FileSystem %s%s -Confirm:$false",
		number, sizeArg, fs, labelArg,
	)
	_, err = w.runner.Output(ctx, powershell, "-NoProfile", "-NonInteractive", "-Command", script)
	return err
}

func (w *WindowsBackend) DeletePartition(ctx context.Context, partition string, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "partition")

	number, part, err := partitionNumbers(partition)
	if err != nil {
		return err
	}

	script := fmt.Sprintf("Remove-Partition -DiskNumber %d -PartitionNumber %d -Confirm:$false", number, part)
	_, err = w.runner.Output(ctx, powershell, "-NoProfile", "-NonInteractive", "-Command", script)
	return err
}

func (w *WindowsBackend) FormatPartition(ctx context.Context, params FormatParams, emit ProgressFunc) error {
	emitProgress(emit, 0, 0, "format")

	labelArg := ""
	if params.Label != "" {
		labelArg = fmt.Sprintf(" -NewFileSystemLabel '%s'", params.Label)
	}
	script := fmt.Sprintf(
		"Get-Volume -DriveLetter %s | Format-Volume -FileSystem %s%s -Confirm:$false",
		params.Partition, params.Filesystem, labelArg,
	)
	_, err := w.runner.Output(ctx, powershell, "-NoProfile", "-NonInteractive", "-Command", script)
	return err
}

func (w *WindowsBackend) CloneBlocks(ctx context.Context, source, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	return w.cloneBlocks(ctx, source, target, blockSize, emit)
}

func (w *WindowsBackend) CreateImage(ctx context.Context, source device.Descriptor, destPath, compression string, blockSize int64, emit ProgressFunc) (image.Sidecar, error) {
	return w.createImage(ctx, source, destPath, compression, blockSize, emit)
}

func (w *WindowsBackend) RestoreImage(ctx context.Context, imagePath string, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	return w.restoreImage(ctx, imagePath, target, blockSize, emit)
}

func (w *WindowsBackend) DigestImage(ctx context.Context, imagePath string, blockSize int64, emit ProgressFunc) (string, int64, error) {
	return w.digestImage(ctx, imagePath, blockSize, emit)
}

func (w *WindowsBackend) CreateRescueMedia(ctx context.Context, outputPath string, emit ProgressFunc) (RescueResult, error) {
	return createRescueMedia(ctx, w.runner, "oscdimg", oscdimgArgs, outputPath, emit)
}

func oscdimgArgs(tree, outputPath string) []string {
	return []string{"-n", "-l" + rescueVolumeID, tree, outputPath}
}
