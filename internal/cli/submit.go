package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/image"
	"github.com/diskforge/diskforge/internal/job"
	"github.com/diskforge/diskforge/internal/safety"
)

// safetyFlags are the flags every destructive command carries.
type safetyFlags struct {
	Acknowledge string
	Confirm     string
}

func addSafetyFlags(cmd *cobra.Command, f *safetyFlags) {
	cmd.Flags().StringVar(&f.Acknowledge, "acknowledge", "",
		fmt.Sprintf("arm Danger Mode by typing %q", safety.Acknowledgment))
	cmd.Flags().StringVar(&f.Confirm, "confirm", "",
		"typed confirmation string for the target (shown on refusal)")
}

// jobReport is the JSON payload for a finished or refused job.
type jobReport struct {
	JobID    string         `json:"job_id,omitempty"`
	Op       string         `json:"op"`
	State    string         `json:"state"`
	Target   string         `json:"target,omitempty"`
	Error    string         `json:"error,omitempty"`
	Category string         `json:"category,omitempty"`
	Sidecar  *image.Sidecar `json:"sidecar,omitempty"`
	Rescue   string         `json:"rescue_path,omitempty"`
	Verified *bool          `json:"verified,omitempty"`
}

// executeJob submits one request and follows it to its terminal state.
// Refusals and failures become ExitErrors with their category's exit code.
func executeJob(cmd *cobra.Command, opts *RootOptions, sf *safetyFlags, req job.Request) error {
	eng, cleanup, err := newEngine(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}

	if err := armGate(parent, eng, sf.Acknowledge); err != nil {
		return err
	}
	req.Confirmation = sf.Confirm
	if req.Op == backend.OpImageCreate && req.Params.Compression == "" {
		req.Params.Compression = eng.cfg.Compression
	}

	out := formatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := eng.runner.Submit(ctx, req)
	if err != nil {
		return reportRefusal(out, req, err)
	}

	// Ctrl-C cancels the job rather than killing the process mid-write.
	go func() {
		<-ctx.Done()
		j.Cancel()
	}()

	streamProgress(out, j)
	<-j.Done()

	return reportOutcome(out, j)
}

// reportRefusal renders a pre-admission refusal. No job ran.
func reportRefusal(out *OutputFormatter, req job.Request, err error) error {
	category := job.Classify(err)
	code := exitCodeFor(category)
	if category == job.CategoryNone || category == job.CategoryFailure {
		code = ExitCommandError
	}

	var se *job.SafetyError
	if errors.As(err, &se) {
		details := map[string]any{"reason": string(se.Decision.Reason)}
		if se.Decision.RequiredConfirmation != "" {
			details["required_confirmation"] = se.Decision.RequiredConfirmation
		}
		out.Error(string(category), se.Decision.Detail, details)
		if se.Decision.RequiredConfirmation != "" && out.Format != "json" {
			fmt.Fprintf(out.Writer, "To proceed, pass --confirm %q\n", se.Decision.RequiredConfirmation)
		}
		return WrapExitError(code, "refused by safety gate", err)
	}

	var pe *job.PreflightError
	if errors.As(err, &pe) {
		if out.Format == "json" {
			out.Error(string(category), err.Error(), pe.Report.Checks)
		} else {
			fmt.Fprint(out.Writer, pe.Report.Summary())
		}
		return WrapExitError(code, "refused by preflight checks", err)
	}

	out.Error(string(category), err.Error(), nil)
	return WrapExitError(code, "request rejected", err)
}

// streamProgress relays progress to the diagnostic writer, throttled to
// phase changes and 5% steps.
func streamProgress(out *OutputFormatter, j *job.Job) {
	events := j.Subscribe()
	lastPhase := ""
	lastPercent := -5.0
	for p := range events {
		if p.Phase != lastPhase || p.Percent >= lastPercent+5 || p.Percent >= 100 && lastPercent < 100 {
			out.VerboseLog("%-10s %5.1f%%  %s", p.Phase, p.Percent, humanSize(p.BytesProcessed))
			lastPhase = p.Phase
			lastPercent = p.Percent
		}
	}
}

// reportOutcome renders a terminal job state and maps it to an exit code.
func reportOutcome(out *OutputFormatter, j *job.Job) error {
	req := j.Request
	report := jobReport{
		JobID:  j.ID,
		Op:     string(req.Op),
		State:  string(j.State()),
		Target: req.Target,
	}
	result := j.Result()
	report.Sidecar = result.Sidecar
	if result.Rescue != nil {
		report.Rescue = result.Rescue.Path
	}
	if result.Verification != nil {
		report.Verified = &result.Verification.Match
	}

	if err := j.Err(); err != nil {
		category := job.Classify(err)
		report.Error = err.Error()
		report.Category = string(category)
		if out.Format == "json" {
			out.Error(string(category), err.Error(), report)
		} else {
			out.Error(string(category), err.Error(), nil)
		}
		return WrapExitError(exitCodeFor(category), fmt.Sprintf("job %s", j.State()), err)
	}

	if out.Format == "json" {
		return out.Success(report)
	}
	msg := fmt.Sprintf("%s completed (job %s)", req.Op, j.ID)
	if report.Rescue != "" {
		msg += "\nrescue media: " + report.Rescue
		if result.Rescue.Fallback {
			msg += " (archive fallback; no ISO toolchain found)"
		}
	}
	if report.Sidecar != nil {
		msg += fmt.Sprintf("\nimage: %s\ndigest: %s:%s\noriginal size: %s",
			req.Params.DestinationPath, report.Sidecar.Algorithm,
			report.Sidecar.DigestHex, humanSize(report.Sidecar.OriginalSizeBytes))
	}
	if report.Verified != nil {
		msg += "\nverification: passed"
	}
	return out.Success(msg)
}
