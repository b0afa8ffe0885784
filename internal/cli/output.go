package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/diskforge/diskforge/internal/job"
)

// Exit codes for CLI commands. Each failure category has its own code so
// scripts can tell a refused request from a broken copy.
const (
	ExitSuccess              = 0 // Successful execution
	ExitFailure              = 1 // Operation failed mid-flight
	ExitCommandError         = 2 // Command error (bad flags, unknown device, unreadable config)
	ExitSafetyViolation      = 3 // Safety gate refused the request
	ExitPreflightFailure     = 4 // Preflight battery refused the request
	ExitExternalTool         = 5 // Required external tool missing or failed
	ExitVerificationMismatch = 6 // Read-back digest did not match the source
	ExitCancelled            = 7 // Job cancelled before completion
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int
	Message string
	Err     error // underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// exitCodeFor maps a job failure category to its exit code.
func exitCodeFor(category job.Category) int {
	switch category {
	case job.CategoryNone:
		return ExitSuccess
	case job.CategorySafety:
		return ExitSafetyViolation
	case job.CategoryPreflight:
		return ExitPreflightFailure
	case job.CategoryTool:
		return ExitExternalTool
	case job.CategoryVerification:
		return ExitVerificationMismatch
	case job.CategoryCancelled:
		return ExitCancelled
	default:
		return ExitFailure
	}
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // separate writer for diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`    // failure category
	Message string `json:"message"` // human-readable message
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format. Text mode
// prints data as-is, so pass a formatted string or Stringer.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set so JSON output on Writer stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	w := f.ErrWriter
	if w == nil {
		w = f.Writer
	}
	fmt.Fprintf(w, format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// sizePrinter groups digits in byte counts ("500,107,862,016").
var sizePrinter = message.NewPrinter(language.English)

// humanSize renders a byte count scaled with the exact count alongside.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return sizePrinter.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return sizePrinter.Sprintf("%.1f %ciB (%d bytes)",
		float64(n)/float64(div), "KMGTPE"[exp], n)
}
