package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/safety"
	"github.com/diskforge/diskforge/internal/verify"
)

// SafetyError reports a request the safety gate refused. The job was never
// created; nothing ran.
type SafetyError struct {
	Decision safety.Decision
}

func (e *SafetyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Decision.Reason, e.Decision.Detail)
}

// PreflightError reports a request that failed the preflight battery.
type PreflightError struct {
	Report safety.Report
}

func (e *PreflightError) Error() string {
	code := e.Report.FirstFailure()
	for _, c := range e.Report.Checks {
		if !c.Passed {
			return fmt.Sprintf("%s: %s", code, c.Detail)
		}
	}
	return string(code)
}

// VerificationError reports a read-back digest mismatch after a write
// completed. The written data does not match the source.
type VerificationError struct {
	Result verify.Result
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification mismatch: expected %s, device has %s",
		e.Result.Source.DigestHex, e.Result.Target.DigestHex)
}

// IdleTimeoutError reports a job killed by the progress watchdog.
type IdleTimeoutError struct {
	Idle time.Duration
}

func (e *IdleTimeoutError) Error() string {
	return fmt.Sprintf("no progress for %s; job aborted", e.Idle)
}

// IsSafetyError reports whether err is a safety gate refusal.
// Uses errors.As to handle wrapped errors.
func IsSafetyError(err error) bool {
	var se *SafetyError
	return errors.As(err, &se)
}

// IsPreflightError reports whether err is a preflight refusal.
func IsPreflightError(err error) bool {
	var pe *PreflightError
	return errors.As(err, &pe)
}

// IsVerificationError reports whether err is a digest mismatch.
func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

// Category buckets job failures for reporting. Each category maps to a
// distinct process exit code at the CLI layer.
type Category string

const (
	CategoryNone         Category = ""
	CategorySafety       Category = "safety"
	CategoryPreflight    Category = "preflight"
	CategoryTool         Category = "tool"
	CategoryVerification Category = "verification"
	CategoryCancelled    Category = "cancelled"
	CategoryFailure      Category = "failure"
)

// Classify maps an error to its failure category.
func Classify(err error) Category {
	switch {
	case err == nil:
		return CategoryNone
	case IsSafetyError(err):
		return CategorySafety
	case IsPreflightError(err):
		return CategoryPreflight
	case backend.IsToolUnavailable(err), backend.IsExternalToolError(err):
		return CategoryTool
	case IsVerificationError(err):
		return CategoryVerification
	case errors.Is(err, context.Canceled):
		return CategoryCancelled
	default:
		return CategoryFailure
	}
}
