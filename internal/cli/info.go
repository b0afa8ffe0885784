package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/safety"
)

// NewInfoCommand creates the info command.
func NewInfoCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <device>",
		Short: "Show a device snapshot",
		Long: `Show a fresh snapshot of one device: size, sector size, filesystem,
mount state, and whether it is protected as the system disk. Also prints the
confirmation string destructive commands against it require.

Example:
  diskforge info /dev/sdb`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInfo(rootOpts, cmd, args[0])
		},
	}
}

func runInfo(opts *RootOptions, cmd *cobra.Command, id string) error {
	eng, cleanup, err := newEngine(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	desc, err := eng.backend.Snapshot(cmd.Context(), id)
	if err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("cannot inspect %s", id), err)
	}

	out := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return out.Success(map[string]any{
			"device":       desc,
			"confirmation": safety.ConfirmationString(desc.ID),
		})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Device:       %s\n", desc.ID)
	fmt.Fprintf(&b, "Size:         %s\n", humanSize(desc.SizeBytes))
	fmt.Fprintf(&b, "Sector size:  %d bytes\n", desc.SectorSize)
	fs := desc.Filesystem
	if fs == "" {
		fs = "-"
	}
	fmt.Fprintf(&b, "Filesystem:   %s\n", fs)
	fmt.Fprintf(&b, "Mounted:      %s\n", yesNo(desc.Mounted))
	fmt.Fprintf(&b, "System disk:  %s\n", yesNo(desc.SystemDisk))
	if desc.SystemDisk {
		b.WriteString("Destructive operations against this device are refused unconditionally.\n")
	} else {
		fmt.Fprintf(&b, "Confirmation: %s", safety.ConfirmationString(desc.ID))
	}
	return out.Success(strings.TrimRight(b.String(), "\n"))
}
