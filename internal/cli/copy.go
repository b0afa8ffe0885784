package cli

import (
	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/job"
)

// CloneOptions holds flags for the clone command.
type CloneOptions struct {
	*RootOptions
	safetyFlags
	Verify    bool
	BlockSize int64
}

// NewCloneCommand creates the clone command.
func NewCloneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CloneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "clone <source> <target>",
		Short: "Clone one device onto another block for block",
		Long: `Copy the source device onto the target in fixed-size blocks. The
target must be at least as large as the source; bytes past the source length
are left untouched.

Destructive for the target: requires Danger Mode and the target's
confirmation string. With --verify both devices are re-read afterwards and
their digests compared.

Example:
  diskforge clone /dev/sdb /dev/sdc --verify \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDC`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, opts.RootOptions, &opts.safetyFlags, job.Request{
				Op:     backend.OpClone,
				Source: args[0],
				Target: args[1],
				Params: job.Params{BlockSizeBytes: opts.BlockSize},
				Verify: opts.Verify,
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "re-read both devices and compare digests")
	cmd.Flags().Int64Var(&opts.BlockSize, "block-size", 0, "copy block size in bytes (0 = default)")
	addSafetyFlags(cmd, &opts.safetyFlags)

	return cmd
}

// BackupOptions holds flags for the backup command.
type BackupOptions struct {
	*RootOptions
	safetyFlags
	Compression string
	Verify      bool
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackupOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backup <device> <image-path>",
		Short: "Image a device to a compressed file",
		Long: `Stream a device into an image file, hashing the uncompressed bytes
and writing a metadata sidecar next to the image. Compression prefers zstd,
then lz4, then gzip; --compression pins one or disables it with "none".

Requires Danger Mode and the source device's confirmation string.

Example:
  diskforge backup /dev/sdb ./sdb.img --compression zstd --verify \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDB`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, opts.RootOptions, &opts.safetyFlags, job.Request{
				Op:     backend.OpImageCreate,
				Source: args[0],
				Params: job.Params{
					DestinationPath: args[1],
					Compression:     opts.Compression,
				},
				Verify: opts.Verify,
			})
		},
	}

	cmd.Flags().StringVar(&opts.Compression, "compression", "", "compressor: zstd, lz4, gzip, none (default: config value, then best available)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "re-read the device and compare against the recorded digest")
	addSafetyFlags(cmd, &opts.safetyFlags)

	return cmd
}

// RestoreOptions holds flags for the restore command.
type RestoreOptions struct {
	*RootOptions
	safetyFlags
	Verify bool
}

// NewRestoreCommand creates the restore command.
func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RestoreOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "restore <image-path> <target>",
		Short: "Write an image back onto a device",
		Long: `Decompress an image file and write it onto the target device. The
compression is read from the metadata sidecar, falling back to the file
suffix. With --verify the device is re-read afterwards and compared against
the digest recorded at backup time; --verify requires the sidecar.

Destructive: requires Danger Mode and the target's confirmation string.

Example:
  diskforge restore ./sdb.img /dev/sdc --verify \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDC`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, opts.RootOptions, &opts.safetyFlags, job.Request{
				Op:     backend.OpImageRestore,
				Target: args[1],
				Params: job.Params{DestinationPath: args[0]},
				Verify: opts.Verify,
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "re-read the device and compare against the recorded digest")
	addSafetyFlags(cmd, &opts.safetyFlags)

	return cmd
}
