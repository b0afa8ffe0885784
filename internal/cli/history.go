package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/audit"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	JobID     string
	SessionID string
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Query the audit trail",
		Long: `Read events from the audit database for one job or one session.

Example:
  diskforge history --job 3f6c...
  diskforge history --session 9a1b... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.JobID, "job", "", "show events for this job ID")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "show events for this session ID")
	cmd.MarkFlagsOneRequired("job", "session")
	cmd.MarkFlagsMutuallyExclusive("job", "session")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	eng, cleanup, err := newEngine(opts.RootOptions)
	if err != nil {
		return err
	}
	defer cleanup()

	if eng.store == nil {
		return NewExitError(ExitCommandError, "auditing is disabled; no history to query")
	}

	var events []audit.Event
	if opts.JobID != "" {
		events, err = eng.store.ReadJob(cmd.Context(), opts.JobID)
	} else {
		events, err = eng.store.ReadSession(cmd.Context(), opts.SessionID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read audit trail", err)
	}

	out := formatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())
	if opts.Format == "json" {
		return out.Success(events)
	}
	if len(events) == 0 {
		return out.Success("no events recorded")
	}
	return out.Success(eventTable(events))
}

func eventTable(events []audit.Event) string {
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tOP\tDEVICE\tOUTCOME")
	for _, ev := range events {
		op, device, outcome := ev.Op, ev.Device, ev.Outcome
		if op == "" {
			op = "-"
		}
		if device == "" {
			device = "-"
		}
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			ev.At.Local().Format(time.RFC3339), ev.Kind, op, device, outcome)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}
