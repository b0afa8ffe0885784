package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"
)

// killGracePeriod is how long a cancelled external process gets to exit
// after the interrupt signal before it is killed outright.
const killGracePeriod = 5 * time.Second

// CommandRunner abstracts external tool invocation so tests can substitute a
// fake. The production runner shells out through os/exec.
type CommandRunner interface {
	// LookPath resolves a tool name on PATH.
	LookPath(tool string) (string, error)

	// Output runs the tool to completion and returns its trimmed stdout.
	// A nonzero exit surfaces as an ExternalToolError.
	Output(ctx context.Context, tool string, args ...string) (string, error)

	// Stream runs the tool with the given stdin and stdout wired through,
	// capturing stderr for diagnostics. Used for compressor pipelines.
	Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, tool string, args ...string) error
}

// ExecRunner is the production CommandRunner.
type ExecRunner struct{}

func (ExecRunner) LookPath(tool string) (string, error) {
	return exec.LookPath(tool)
}

func (ExecRunner) Output(ctx context.Context, tool string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	configureCancel(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", runError(ctx, tool, err, stderr.String())
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (ExecRunner) Stream(ctx context.Context, stdin io.Reader, stdout io.Writer, tool string, args ...string) error {
	cmd := exec.CommandContext(ctx, tool, args...)
	configureCancel(cmd)

	var stderr bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return runError(ctx, tool, err, stderr.String())
	}
	return nil
}

// configureCancel makes context cancellation interrupt the process and, if
// it does not exit within the grace period, kill it.
func configureCancel(cmd *exec.Cmd) {
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = killGracePeriod
}

// runError converts an exec failure into the backend error taxonomy.
// Cancellation is reported as the context error so the job layer can tell
// user cancellation apart from a tool failure.
func runError(ctx context.Context, tool string, err error, stderr string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return newToolError(tool, exitErr.ExitCode(), strings.TrimSpace(stderr))
	}
	return fmt.Errorf("run %s: %w", tool, err)
}

// requireTools resolves every named tool and returns a ToolUnavailableError
// for the first one missing.
func requireTools(runner CommandRunner, op Op, tools ...string) error {
	for _, tool := range tools {
		if _, err := runner.LookPath(tool); err != nil {
			return &ToolUnavailableError{Tool: tool, Op: op}
		}
	}
	return nil
}
