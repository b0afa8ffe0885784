package backend

import (
	"errors"
	"fmt"
)

// stderrExcerptLimit bounds how much external tool output is carried in an
// ExternalToolError. Full output goes to the debug log only.
const stderrExcerptLimit = 512

// ToolUnavailableError indicates a required external tool could not be
// located on PATH.
type ToolUnavailableError struct {
	Tool string
	Op   Op
}

func (e *ToolUnavailableError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("required tool %q not found (needed for %s)", e.Tool, e.Op)
	}
	return fmt.Sprintf("required tool %q not found", e.Tool)
}

// IsToolUnavailable reports whether err is a ToolUnavailableError.
// Uses errors.As to handle wrapped errors.
func IsToolUnavailable(err error) bool {
	var te *ToolUnavailableError
	return errors.As(err, &te)
}

// ExternalToolError indicates an external tool exited nonzero or produced
// output the backend could not parse.
type ExternalToolError struct {
	Tool          string
	ExitCode      int
	StderrExcerpt string
}

func (e *ExternalToolError) Error() string {
	if e.StderrExcerpt != "" {
		return fmt.Sprintf("%s exited with code %d: %s", e.Tool, e.ExitCode, e.StderrExcerpt)
	}
	return fmt.Sprintf("%s exited with code %d", e.Tool, e.ExitCode)
}

// IsExternalToolError reports whether err is an ExternalToolError.
func IsExternalToolError(err error) bool {
	var te *ExternalToolError
	return errors.As(err, &te)
}

// newToolError builds an ExternalToolError with the stderr excerpt truncated
// to stderrExcerptLimit bytes.
func newToolError(tool string, exitCode int, stderr string) *ExternalToolError {
	if len(stderr) > stderrExcerptLimit {
		stderr = stderr[:stderrExcerptLimit] + "..."
	}
	return &ExternalToolError{Tool: tool, ExitCode: exitCode, StderrExcerpt: stderr}
}
