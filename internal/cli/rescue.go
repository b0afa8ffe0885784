package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/job"
	"github.com/diskforge/diskforge/internal/safety"
)

// NewRescueCommand creates the rescue command.
func NewRescueCommand(rootOpts *RootOptions) *cobra.Command {
	sf := &safetyFlags{}

	cmd := &cobra.Command{
		Use:   "rescue <output-path>",
		Short: "Build bootable rescue media",
		Long: `Build a rescue ISO at the output path. When no ISO toolchain is
installed the rescue tree is packed into a .tar.gz archive instead.

Writes no device, so no confirmation string is needed, but Danger Mode must
still be armed.

Example:
  diskforge rescue ./rescue.iso --acknowledge "I understand the risks"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return executeJob(cmd, rootOpts, sf, job.Request{
				Op:     backend.OpRescueMedia,
				Params: job.Params{DestinationPath: args[0]},
			})
		},
	}

	cmd.Flags().StringVar(&sf.Acknowledge, "acknowledge", "",
		fmt.Sprintf("arm Danger Mode by typing %q", safety.Acknowledgment))
	return cmd
}
