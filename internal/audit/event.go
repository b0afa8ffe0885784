package audit

import "time"

// Kind classifies an audit event.
type Kind string

const (
	KindSessionStarted  Kind = "session_started"
	KindDangerModeArmed Kind = "danger_mode_armed"
	KindJobSubmitted    Kind = "job_submitted"
	KindSafetyDenied    Kind = "safety_denied"
	KindPreflightFailed Kind = "preflight_failed"
	KindJobAdmitted     Kind = "job_admitted"
	KindJobStarted      Kind = "job_started"
	KindJobVerifying    Kind = "job_verifying"
	KindJobSucceeded    Kind = "job_succeeded"
	KindJobFailed       Kind = "job_failed"
	KindJobCancelled    Kind = "job_cancelled"
)

// Event is a single audit record. Events are append-only; once written they
// are never modified.
type Event struct {
	ID        string
	SessionID string
	Seq       int64
	At        time.Time
	Kind      Kind
	JobID     string
	Op        string
	Device    string
	Outcome   string
	Detail    map[string]any
}
