// Package audit persists an append-only record of every job the engine
// handles, including attempts that were refused. Audit writes are best
// effort: a failed write degrades to a log warning and never fails the job.
package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Store is the SQLite-backed event log.
// WAL mode allows reads to proceed while a job is writing events.
type Store struct {
	db *sql.DB
}

// Open creates or opens the audit database at path. Pragmas and schema are
// applied on every open; the function is idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to audit database: %w", err)
	}

	// SQLite supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent jobs.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// WriteEvent appends one event. Duplicate IDs are silently ignored.
func (s *Store) WriteEvent(ctx context.Context, ev Event) error {
	detailJSON, err := marshalDetail(ev.Detail)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events
		(id, session_id, seq, at, kind, job_id, op, device, outcome, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		ev.ID,
		ev.SessionID,
		ev.Seq,
		ev.At.UTC().Format(time.RFC3339Nano),
		string(ev.Kind),
		ev.JobID,
		ev.Op,
		ev.Device,
		ev.Outcome,
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// ReadSession returns all events for a session ordered by seq.
// Returns an empty slice (not nil) when the session has no events.
func (s *Store) ReadSession(ctx context.Context, sessionID string) ([]Event, error) {
	return s.readEvents(ctx, `
		SELECT id, session_id, seq, at, kind, job_id, op, device, outcome, detail
		FROM events
		WHERE session_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, sessionID)
}

// ReadJob returns all events for a job across sessions, ordered by
// timestamp then seq.
func (s *Store) ReadJob(ctx context.Context, jobID string) ([]Event, error) {
	return s.readEvents(ctx, `
		SELECT id, session_id, seq, at, kind, job_id, op, device, outcome, detail
		FROM events
		WHERE job_id = ?
		ORDER BY at ASC, seq ASC, id COLLATE BINARY ASC
	`, jobID)
}

func (s *Store) readEvents(ctx context.Context, query string, arg any) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if events == nil {
		events = []Event{}
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (Event, error) {
	var (
		ev         Event
		at, kind   string
		detailJSON string
	)
	if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Seq, &at, &kind,
		&ev.JobID, &ev.Op, &ev.Device, &ev.Outcome, &detailJSON); err != nil {
		return Event{}, fmt.Errorf("scan event: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return Event{}, fmt.Errorf("parse event timestamp %q: %w", at, err)
	}
	ev.At = ts
	ev.Kind = Kind(kind)

	if err := json.Unmarshal([]byte(detailJSON), &ev.Detail); err != nil {
		return Event{}, fmt.Errorf("parse event detail: %w", err)
	}
	return ev, nil
}

// MaxSeq returns the highest sequence number recorded for a session, 0 when
// the session is empty. Used to resume the clock when appending.
func (s *Store) MaxSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq.Int64, nil
}

func marshalDetail(detail map[string]any) (string, error) {
	if len(detail) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return "", fmt.Errorf("marshal detail: %w", err)
	}
	return string(data), nil
}
