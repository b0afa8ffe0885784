package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Logger stamps and appends events for one process session. All methods are
// best effort: a persistence failure is logged as a warning and swallowed,
// because a broken audit database must never stop a disk operation.
//
// A nil Logger is valid and records nothing.
type Logger struct {
	store   *Store
	clock   *Clock
	session string
	log     *slog.Logger
	now     func() time.Time
}

// NewLogger starts a new session against the store and records the
// session_started event. A nil store yields a no-op logger.
func NewLogger(store *Store, log *slog.Logger) *Logger {
	if store == nil {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		store:   store,
		clock:   NewClock(),
		session: uuid.New().String(),
		log:     log,
		now:     time.Now,
	}
	l.Record(context.Background(), Event{Kind: KindSessionStarted})
	return l
}

// SessionID returns the UUID of this session, or empty for a no-op logger.
func (l *Logger) SessionID() string {
	if l == nil {
		return ""
	}
	return l.session
}

// Record stamps ev with an ID, the session, the next sequence number, and
// the current time, then appends it. Never returns an error.
func (l *Logger) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	ev.ID = uuid.New().String()
	ev.SessionID = l.session
	ev.Seq = l.clock.Next()
	ev.At = l.now().UTC()

	if err := l.store.WriteEvent(ctx, ev); err != nil {
		l.log.Warn("audit write failed; continuing without audit record",
			"kind", ev.Kind, "job_id", ev.JobID, "error", err)
	}
}

// Job records an event for a specific job.
func (l *Logger) Job(ctx context.Context, kind Kind, jobID, op, device, outcome string, detail map[string]any) {
	l.Record(ctx, Event{
		Kind:    kind,
		JobID:   jobID,
		Op:      op,
		Device:  device,
		Outcome: outcome,
		Detail:  detail,
	})
}
