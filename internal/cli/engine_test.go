package cli

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/internal/audit"
	"github.com/diskforge/diskforge/internal/safety"
)

func newArmTestEngine(t *testing.T) (*engine, *audit.Store) {
	t.Helper()
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &engine{
		gate:    safety.NewGate(time.Minute),
		auditor: audit.NewLogger(store, log),
		log:     log,
	}, store
}

func TestArmGate_RecordsArming(t *testing.T) {
	eng, store := newArmTestEngine(t)

	require.NoError(t, armGate(context.Background(), eng, safety.Acknowledgment))
	assert.True(t, eng.gate.Armed())

	events, err := store.ReadSession(context.Background(), eng.auditor.SessionID())
	require.NoError(t, err)
	var found bool
	for _, ev := range events {
		if ev.Kind == audit.KindDangerModeArmed {
			found = true
		}
	}
	assert.True(t, found, "arming must leave an audit record")
}

func TestArmGate_WrongPhraseLeavesNoRecord(t *testing.T) {
	eng, store := newArmTestEngine(t)

	err := armGate(context.Background(), eng, "i promise to be careful")
	require.Error(t, err)
	assert.Equal(t, ExitSafetyViolation, GetExitCode(err))
	assert.False(t, eng.gate.Armed())

	events, readErr := store.ReadSession(context.Background(), eng.auditor.SessionID())
	require.NoError(t, readErr)
	for _, ev := range events {
		assert.NotEqual(t, audit.KindDangerModeArmed, ev.Kind)
	}
}
