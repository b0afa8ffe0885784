package cli

import (
	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/job"
)

// CreatePartitionOptions holds flags for the create-partition command.
type CreatePartitionOptions struct {
	*RootOptions
	safetyFlags
	Filesystem string
	SizeBytes  int64
	Label      string
}

// NewCreatePartitionCommand creates the create-partition command.
func NewCreatePartitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreatePartitionOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create-partition <disk>",
		Short: "Create and format a partition",
		Long: `Create a partition on a whole disk and format it.

Destructive: requires Danger Mode and the disk's confirmation string.

Example:
  diskforge create-partition /dev/sdb --fs ext4 \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDB`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, opts.RootOptions, &opts.safetyFlags, job.Request{
				Op:     backend.OpCreatePartition,
				Target: args[0],
				Params: job.Params{
					Filesystem: opts.Filesystem,
					SizeBytes:  opts.SizeBytes,
					Label:      opts.Label,
				},
			})
		},
	}

	cmd.Flags().StringVar(&opts.Filesystem, "fs", "", "filesystem to create (required)")
	_ = cmd.MarkFlagRequired("fs")
	cmd.Flags().Int64Var(&opts.SizeBytes, "size", 0, "partition size in bytes (0 = all remaining space)")
	cmd.Flags().StringVar(&opts.Label, "label", "", "filesystem label")
	addSafetyFlags(cmd, &opts.safetyFlags)

	return cmd
}

// NewDeletePartitionCommand creates the delete-partition command.
func NewDeletePartitionCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &struct {
		safetyFlags
	}{}

	cmd := &cobra.Command{
		Use:   "delete-partition <partition>",
		Short: "Delete a partition",
		Long: `Remove a partition from its disk's partition table.

Destructive: requires Danger Mode and the partition's confirmation string.

Example:
  diskforge delete-partition /dev/sdb1 \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDB1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, rootOpts, &opts.safetyFlags, job.Request{
				Op:     backend.OpDeletePartition,
				Target: args[0],
			})
		},
	}

	addSafetyFlags(cmd, &opts.safetyFlags)
	return cmd
}

// FormatOptions holds flags for the format command.
type FormatOptions struct {
	*RootOptions
	safetyFlags
	Filesystem string
	Label      string
}

// NewFormatCommand creates the format command.
func NewFormatCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FormatOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "format <partition>",
		Short: "Format a partition",
		Long: `Create a new filesystem on an existing partition, destroying its
contents.

Example:
  diskforge format /dev/sdb1 --fs ext4 --label data \
    --acknowledge "I understand the risks" --confirm DESTROY-/DEV/SDB1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, opts.RootOptions, &opts.safetyFlags, job.Request{
				Op:     backend.OpFormat,
				Target: args[0],
				Params: job.Params{
					Filesystem: opts.Filesystem,
					Label:      opts.Label,
				},
			})
		},
	}

	cmd.Flags().StringVar(&opts.Filesystem, "fs", "", "filesystem to create (required)")
	_ = cmd.MarkFlagRequired("fs")
	cmd.Flags().StringVar(&opts.Label, "label", "", "filesystem label")
	addSafetyFlags(cmd, &opts.safetyFlags)

	return cmd
}
