// Package safety implements the gating layer in front of destructive disk
// operations: the session-scoped Danger Mode state machine with typed
// per-operation confirmation, and the preflight check battery.
//
// The gate is deliberately strict:
//   - Disabled is the initial state; nothing destructive is admitted.
//   - Arming is session-wide and auto-expires after a configurable timeout.
//   - Every device-destructive operation additionally needs a typed
//     confirmation string that embeds the target identifier, compared
//     byte-for-byte.
//   - A system disk target is refused unconditionally. No configuration can
//     override this.
//
// Evaluation is side-effect-free apart from the arm/disarm transitions
// themselves, so callers may re-evaluate freely.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/device"
)

// Acknowledgment is the phrase that arms Danger Mode. Compared
// case-insensitively after trimming whitespace.
const Acknowledgment = "I understand the risks"

// DefaultArmTimeout is how long the session stays armed without an explicit
// disable.
const DefaultArmTimeout = 5 * time.Minute

// ReasonCode categorizes a safety decision.
type ReasonCode string

const (
	ReasonAllowed              ReasonCode = "ALLOWED"
	ReasonDangerModeDisabled   ReasonCode = "DANGER_MODE_DISABLED"
	ReasonConfirmationMismatch ReasonCode = "CONFIRMATION_MISMATCH"
	ReasonSystemDiskProtected  ReasonCode = "SYSTEM_DISK_PROTECTED"
)

// Decision is the outcome of evaluating a proposed operation.
type Decision struct {
	Allowed bool
	Reason  ReasonCode
	Detail  string

	// RequiredConfirmation is the exact string the caller must echo for
	// this operation. Populated on ConfirmationMismatch so front ends can
	// show the expected form; empty when the block is not confirmation
	// related.
	RequiredConfirmation string
}

// Gate is the session-scoped Danger Mode state machine. The zero value is
// unusable; construct with NewGate.
type Gate struct {
	mu      sync.Mutex
	armed   bool
	armedAt time.Time

	timeout time.Duration
	now     func() time.Time // test hook
}

// NewGate returns a disarmed gate. A zero timeout keeps the session armed
// until explicitly disabled.
func NewGate(timeout time.Duration) *Gate {
	return &Gate{timeout: timeout, now: time.Now}
}

// EnableDangerMode arms the session when ack matches the acknowledgment
// phrase. Returns whether the session is now armed.
func (g *Gate) EnableDangerMode(ack string) bool {
	if !strings.EqualFold(strings.TrimSpace(ack), Acknowledgment) {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.armedAt = g.now()
	return true
}

// DisableDangerMode disarms the session.
func (g *Gate) DisableDangerMode() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	g.armedAt = time.Time{}
}

// Armed reports whether the session is armed, applying the auto-disarm
// timeout.
func (g *Gate) Armed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.armed && g.timeout > 0 && g.now().Sub(g.armedAt) > g.timeout {
		g.armed = false
		g.armedAt = time.Time{}
	}
	return g.armed
}

// confirmationStrip removes everything outside [a-zA-Z0-9/_-] from a target
// identifier before embedding it in a confirmation string.
var confirmationStrip = regexp.MustCompile(`[^a-zA-Z0-9/_-]`)

// ConfirmationString generates the exact confirmation a caller must type
// for an operation against targetID, e.g. "DESTROY-/DEV/SDB" for /dev/sdb.
func ConfirmationString(targetID string) string {
	return "DESTROY-" + strings.ToUpper(confirmationStrip.ReplaceAllString(targetID, ""))
}

// Evaluate decides whether an operation against targetID may proceed.
// target is the device snapshot for the identifier, nil when the operation
// writes no device (rescue media). confirmation is the caller's typed echo.
//
// The system-disk block is checked first and applies regardless of Danger
// Mode state.
func (g *Gate) Evaluate(op backend.Op, targetID string, target *device.Descriptor, confirmation string) Decision {
	if op.DeviceDestructive() && target != nil && target.SystemDisk {
		return Decision{
			Reason: ReasonSystemDiskProtected,
			Detail: fmt.Sprintf("%s is the system disk; destructive operations against it are never allowed", target.ID),
		}
	}

	if !g.Armed() {
		return Decision{
			Reason: ReasonDangerModeDisabled,
			Detail: fmt.Sprintf("operation %s requires Danger Mode; enable it and retry", op),
		}
	}

	// Operations that write no device (rescue media) are gated by arming
	// alone; there is no target to embed in a confirmation.
	if !op.DeviceDestructive() {
		return Decision{Allowed: true, Reason: ReasonAllowed}
	}

	required := ConfirmationString(targetID)
	if confirmation != required {
		return Decision{
			Reason:               ReasonConfirmationMismatch,
			Detail:               fmt.Sprintf("confirmation does not match; expected %q", required),
			RequiredConfirmation: required,
		}
	}

	return Decision{Allowed: true, Reason: ReasonAllowed, RequiredConfirmation: required}
}
