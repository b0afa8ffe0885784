package backend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// rescueVolumeID labels the generated rescue ISO.
const rescueVolumeID = "DISKFORGE_RESCUE"

// isoArgsFunc builds the ISO tool argument list for a staged tree and an
// output path. Each platform backend supplies its own tool's syntax.
type isoArgsFunc func(tree, outputPath string) []string

// createRescueMedia builds the rescue tree and wraps it into an ISO with
// isoTool. When the tool is absent the tree is packaged as a .tar.gz next to
// the requested path instead; the fallback is reported, not an error.
func createRescueMedia(ctx context.Context, runner CommandRunner, isoTool string, isoArgs isoArgsFunc, outputPath string, emit ProgressFunc) (RescueResult, error) {
	emitProgress(emit, 0, 0, "rescue-tree")

	tree, err := os.MkdirTemp("", "diskforge-rescue-")
	if err != nil {
		return RescueResult{}, fmt.Errorf("create rescue staging dir: %w", err)
	}
	defer os.RemoveAll(tree)

	if err := buildRescueTree(tree); err != nil {
		return RescueResult{}, err
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return RescueResult{}, fmt.Errorf("create output dir: %w", err)
	}

	if _, lookErr := runner.LookPath(isoTool); lookErr == nil {
		emitProgress(emit, 0, 0, "rescue-iso")
		_, err = runner.Output(ctx, isoTool, isoArgs(tree, outputPath)...)
		if err == nil {
			return RescueResult{Path: outputPath}, nil
		}
		if ctx.Err() != nil {
			return RescueResult{}, ctx.Err()
		}
		// Tool present but failed: fall through to the archive fallback.
	}

	emitProgress(emit, 0, 0, "rescue-archive")
	archivePath := strings.TrimSuffix(outputPath, filepath.Ext(outputPath)) + ".tar.gz"
	if err := archiveTree(tree, archivePath); err != nil {
		return RescueResult{}, err
	}
	return RescueResult{Path: archivePath, Fallback: true}, nil
}

// buildRescueTree lays out the boot configuration, rescue script, and
// instructions under root.
func buildRescueTree(root string) error {
	dirs := []string{
		filepath.Join(root, "boot", "grub"),
		filepath.Join(root, "diskforge"),
		filepath.Join(root, "scripts"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create rescue dir: %w", err)
		}
	}

	files := []struct {
		path    string
		content string
		mode    os.FileMode
	}{
		{filepath.Join(root, "boot", "grub", "grub.cfg"), rescueGrubConfig, 0o644},
		{filepath.Join(root, "scripts", "diskforge-rescue.sh"), rescueScript, 0o755},
		{filepath.Join(root, "README.txt"), rescueReadme, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, []byte(f.content), f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.path, err)
		}
	}
	return nil
}

// archiveTree packs root into a gzip'd tarball at archivePath.
func archiveTree(root, archivePath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join("diskforge-rescue", rel))
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("archive rescue tree: %w", err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return out.Sync()
}

const rescueGrubConfig = `set timeout=10
set default=0

menuentry "DiskForge Rescue" {
    linux /boot/vmlinuz rescue quiet
    initrd /boot/initrd.img
}
`

const rescueScript = `#!/bin/sh
# DiskForge rescue helper. Lists block devices and restores an image:
#   diskforge-rescue.sh <image> <target-device>
set -eu

if [ $# -lt 2 ]; then
    lsblk -o NAME,SIZE,TYPE,FSTYPE,MOUNTPOINT
    echo "usage: $0 <image> <target-device>" >&2
    exit 1
fi

image="$1"
target="$2"

case "$image" in
    *.zst) zstd -d -c "$image" > "$target" ;;
    *.lz4) lz4 -d -c "$image" > "$target" ;;
    *.gz)  gzip -d -c "$image" > "$target" ;;
    *)     dd if="$image" of="$target" bs=64M ;;
esac
sync
`

const rescueReadme = `DiskForge rescue media
======================

This media contains a minimal boot configuration and a restore script.

1. Boot from this media (or any live environment).
2. Identify the target device: lsblk
3. Restore an image: /scripts/diskforge-rescue.sh <image> <target-device>

Restoring overwrites the target device. Double-check the device name.
`
