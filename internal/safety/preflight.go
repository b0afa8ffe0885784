package safety

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/device"
)

// Severity grades a preflight finding. Advisory findings (warning) never
// block admission; only a failed check with severity error does.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// FailureCode identifies why a blocking check failed.
type FailureCode string

const (
	FailDeviceMounted          FailureCode = "DEVICE_MOUNTED"
	FailInsufficientTargetSize FailureCode = "INSUFFICIENT_TARGET_SIZE"
	FailToolUnavailable        FailureCode = "TOOL_UNAVAILABLE"
)

// Check is the result of a single preflight check.
type Check struct {
	Name     string
	Passed   bool
	Severity Severity
	Code     FailureCode // set only on blocking failures
	Detail   string
}

// Report is the ordered outcome of the preflight battery.
type Report struct {
	Checks    []Check
	Timestamp time.Time
}

// Passed reports whether every check passed. Advisory findings are recorded
// as passed-with-warning, so a true result can still carry warnings.
func (r Report) Passed() bool {
	for _, c := range r.Checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the failure code of the first failed check, or empty.
func (r Report) FirstFailure() FailureCode {
	for _, c := range r.Checks {
		if !c.Passed {
			return c.Code
		}
	}
	return ""
}

// Summary renders the report for terminals and logs.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Preflight Check Report\n")
	b.WriteString(strings.Repeat("=", 60) + "\n")

	passed := 0
	for _, c := range r.Checks {
		if c.Passed {
			passed++
		}
	}
	fmt.Fprintf(&b, "Results: %d/%d checks passed\n\n", passed, len(r.Checks))

	for _, c := range r.Checks {
		mark := "x"
		if c.Passed {
			mark = "ok"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", mark, c.Name, c.Detail)
	}
	return b.String()
}

// PowerStatus describes the machine's power source.
type PowerStatus struct {
	Known     bool
	OnBattery bool
	Percent   int
}

// PowerProbe reports the current power status. The default probe is
// platform-specific; tests substitute their own.
type PowerProbe func() PowerStatus

// Input describes the proposed operation for the preflight battery.
type Input struct {
	Op     backend.Op
	Source *device.Descriptor // nil when the operation has no source device
	Target *device.Descriptor // device being written; nil for rescue media

	// RestoreSize is the image's recorded original size, for ImageRestore
	// capacity checks.
	RestoreSize int64
}

// ToolChecker is the slice of the platform backend the preflight battery
// needs.
type ToolChecker interface {
	CheckTools(op backend.Op) error
}

// Checker runs the fixed preflight battery. Checks execute in a fixed
// order; a later check is skipped only when an earlier failure makes it
// meaningless.
type Checker struct {
	Backend ToolChecker
	Power   PowerProbe

	// BatteryWarnPercent triggers the battery advisory below this charge.
	// The advisory never blocks.
	BatteryWarnPercent int
}

// NewChecker returns a Checker with the platform power probe.
func NewChecker(b ToolChecker, batteryWarnPercent int) *Checker {
	return &Checker{Backend: b, Power: probePower, BatteryWarnPercent: batteryWarnPercent}
}

// Run executes the battery against fresh snapshots supplied by the caller.
func (c *Checker) Run(ctx context.Context, in Input) Report {
	report := Report{Timestamp: time.Now()}

	report.Checks = append(report.Checks, c.checkPower())
	report.Checks = append(report.Checks, c.checkMounts(in)...)

	if in.Op == backend.OpClone || in.Op == backend.OpImageRestore {
		report.Checks = append(report.Checks, c.checkCapacity(in))
	}
	if in.Op == backend.OpClone {
		report.Checks = append(report.Checks, c.checkSectorSizes(in))
	}

	report.Checks = append(report.Checks, c.checkTools(in.Op))
	return report
}

// checkPower is advisory only: running on battery is worth flagging but a
// disk operation on battery is not inherently wrong.
func (c *Checker) checkPower() Check {
	status := c.Power()
	switch {
	case !status.Known:
		return Check{Name: "Power Status", Passed: true, Severity: SeverityInfo,
			Detail: "power status unknown; assuming mains"}
	case !status.OnBattery:
		return Check{Name: "Power Status", Passed: true, Severity: SeverityInfo,
			Detail: "on AC power"}
	case status.Percent < c.BatteryWarnPercent:
		return Check{Name: "Power Status", Passed: true, Severity: SeverityWarning,
			Detail: fmt.Sprintf("on battery at %d%%; a power loss mid-operation can corrupt the target", status.Percent)}
	default:
		return Check{Name: "Power Status", Passed: true, Severity: SeverityWarning,
			Detail: fmt.Sprintf("on battery (%d%%)", status.Percent)}
	}
}

func (c *Checker) checkMounts(in Input) []Check {
	var checks []Check

	if in.Target != nil {
		checks = append(checks, mountCheck("Target Mount Status", in.Target))
	}
	if in.Source != nil && (in.Op == backend.OpClone || in.Op == backend.OpImageCreate) {
		checks = append(checks, mountCheck("Source Mount Status", in.Source))
	}
	return checks
}

func mountCheck(name string, d *device.Descriptor) Check {
	if d.Mounted {
		return Check{Name: name, Severity: SeverityError, Code: FailDeviceMounted,
			Detail: fmt.Sprintf("%s is mounted; unmount it first", d.ID)}
	}
	return Check{Name: name, Passed: true, Severity: SeverityInfo,
		Detail: fmt.Sprintf("%s is not mounted", d.ID)}
}

// checkCapacity enforces that a cross-device copy never shrinks.
func (c *Checker) checkCapacity(in Input) Check {
	if in.Target == nil || in.Target.SizeBytes == 0 {
		return Check{Name: "Target Capacity", Severity: SeverityError, Code: FailInsufficientTargetSize,
			Detail: "target size could not be determined"}
	}

	var need int64
	switch in.Op {
	case backend.OpClone:
		if in.Source == nil || in.Source.SizeBytes == 0 {
			return Check{Name: "Target Capacity", Severity: SeverityError, Code: FailInsufficientTargetSize,
				Detail: "source size could not be determined"}
		}
		need = in.Source.SizeBytes
	case backend.OpImageRestore:
		if in.RestoreSize == 0 {
			return Check{Name: "Target Capacity", Passed: true, Severity: SeverityWarning,
				Detail: "image size unknown without metadata; capacity not checked"}
		}
		need = in.RestoreSize
	}

	if in.Target.SizeBytes < need {
		return Check{Name: "Target Capacity", Severity: SeverityError, Code: FailInsufficientTargetSize,
			Detail: fmt.Sprintf("target (%d bytes) is smaller than source (%d bytes)", in.Target.SizeBytes, need)}
	}
	return Check{Name: "Target Capacity", Passed: true, Severity: SeverityInfo,
		Detail: fmt.Sprintf("target has %d bytes for %d required", in.Target.SizeBytes, need)}
}

// checkSectorSizes is advisory: a sector-size mismatch can make the copied
// partition table subtly wrong, but the byte copy itself is sound.
func (c *Checker) checkSectorSizes(in Input) Check {
	if in.Source == nil || in.Target == nil || in.Source.SectorSize == 0 || in.Target.SectorSize == 0 {
		return Check{Name: "Sector Size", Passed: true, Severity: SeverityInfo,
			Detail: "sector sizes not comparable"}
	}
	if in.Source.SectorSize != in.Target.SectorSize {
		return Check{Name: "Sector Size", Passed: true, Severity: SeverityWarning,
			Detail: fmt.Sprintf("source uses %d-byte sectors, target %d-byte; partition tables may need adjustment",
				in.Source.SectorSize, in.Target.SectorSize)}
	}
	return Check{Name: "Sector Size", Passed: true, Severity: SeverityInfo,
		Detail: fmt.Sprintf("both use %d-byte sectors", in.Source.SectorSize)}
}

func (c *Checker) checkTools(op backend.Op) Check {
	if err := c.Backend.CheckTools(op); err != nil {
		return Check{Name: "Tool Availability", Severity: SeverityError, Code: FailToolUnavailable,
			Detail: err.Error()}
	}
	return Check{Name: "Tool Availability", Passed: true, Severity: SeverityInfo,
		Detail: "required tools present"}
}
