package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/device"
)

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List block devices",
		Long: `List the whole disks visible to the platform backend.

Example:
  diskforge list
  diskforge list --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(rootOpts, cmd)
		},
	}
}

func runList(opts *RootOptions, cmd *cobra.Command) error {
	eng, cleanup, err := newEngine(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	devices, err := eng.backend.ListDevices(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to enumerate devices", err)
	}

	out := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return out.Success(devices)
	}
	return out.Success(deviceTable(devices))
}

func deviceTable(devices []device.Descriptor) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tSIZE\tFILESYSTEM\tMOUNTED\tSYSTEM")
	for _, d := range devices {
		fs := d.Filesystem
		if fs == "" {
			fs = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, humanSize(d.SizeBytes), fs, yesNo(d.Mounted), yesNo(d.SystemDisk))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
