package audit

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_RecordsSessionStart(t *testing.T) {
	s := openTestStore(t)
	l := NewLogger(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NotNil(t, l)

	_, err := uuid.Parse(l.SessionID())
	require.NoError(t, err)

	events, err := s.ReadSession(context.Background(), l.SessionID())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, KindSessionStarted, events[0].Kind)
	assert.Equal(t, int64(1), events[0].Seq)
}

func TestLogger_StampsMonotonicSeq(t *testing.T) {
	s := openTestStore(t)
	l := NewLogger(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	l.Job(ctx, KindJobSubmitted, "job-1", "format", "/dev/sdb1", "", nil)
	l.Job(ctx, KindJobSucceeded, "job-1", "format", "/dev/sdb1", "succeeded", nil)

	events, err := s.ReadSession(ctx, l.SessionID())
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
		assert.Equal(t, l.SessionID(), ev.SessionID)
		_, err := uuid.Parse(ev.ID)
		assert.NoError(t, err)
	}
}

func TestLogger_WriteFailureDegradesToWarning(t *testing.T) {
	s := openTestStore(t)

	var buf bytes.Buffer
	l := NewLogger(s, slog.New(slog.NewTextHandler(&buf, nil)))

	// Closing the store makes every subsequent write fail.
	require.NoError(t, s.Close())

	l.Job(context.Background(), KindJobFailed, "job-1", "clone", "/dev/sdb", "failed", nil)
	assert.Contains(t, buf.String(), "audit write failed")
}

func TestLogger_NilIsNoOp(t *testing.T) {
	var l *Logger
	assert.Empty(t, l.SessionID())
	l.Record(context.Background(), Event{Kind: KindJobStarted})
	l.Job(context.Background(), KindJobStarted, "j", "op", "dev", "", nil)
}

func TestNewLogger_NilStore(t *testing.T) {
	assert.Nil(t, NewLogger(nil, nil))
}
