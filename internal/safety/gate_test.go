package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/device"
)

func TestGate_DisabledBlocksEverything(t *testing.T) {
	g := NewGate(0)
	target := device.Descriptor{ID: "/dev/sdb", SizeBytes: 1 << 30}

	d := g.Evaluate(backend.OpClone, "/dev/sdb", &target, ConfirmationString("/dev/sdb"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDangerModeDisabled, d.Reason)
}

func TestGate_EnableDangerMode(t *testing.T) {
	g := NewGate(0)

	assert.False(t, g.EnableDangerMode("yes please"))
	assert.False(t, g.Armed())

	// Phrase comparison is case-insensitive and trims whitespace.
	assert.True(t, g.EnableDangerMode("  i UNDERSTAND the risks "))
	assert.True(t, g.Armed())

	g.DisableDangerMode()
	assert.False(t, g.Armed())
}

func TestGate_AutoDisarmTimeout(t *testing.T) {
	g := NewGate(time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	require.True(t, g.EnableDangerMode(Acknowledgment))
	assert.True(t, g.Armed())

	now = now.Add(59 * time.Second)
	assert.True(t, g.Armed())

	now = now.Add(2 * time.Second)
	assert.False(t, g.Armed(), "session disarms after the timeout")
}

func TestGate_ConfirmationExactMatch(t *testing.T) {
	g := NewGate(0)
	require.True(t, g.EnableDangerMode(Acknowledgment))
	target := device.Descriptor{ID: "/dev/sdb1"}

	required := ConfirmationString("/dev/sdb1")

	tests := []struct {
		name         string
		confirmation string
		allowed      bool
	}{
		{"exact", required, true},
		{"empty", "", false},
		{"generic phrase", "I understand the risks", false},
		{"lowercased", "destroy-/dev/sdb1", false},
		{"trailing space", required + " ", false},
		{"leading space", " " + required, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Evaluate(backend.OpDeletePartition, "/dev/sdb1", &target, tt.confirmation)
			assert.Equal(t, tt.allowed, d.Allowed)
			if !tt.allowed {
				assert.Equal(t, ReasonConfirmationMismatch, d.Reason)
				assert.Equal(t, required, d.RequiredConfirmation)
			}
		})
	}
}

func TestGate_SystemDiskAlwaysBlocked(t *testing.T) {
	g := NewGate(0)
	require.True(t, g.EnableDangerMode(Acknowledgment))

	sys := device.Descriptor{ID: "/dev/sda", SystemDisk: true}
	d := g.Evaluate(backend.OpFormat, "/dev/sda", &sys, ConfirmationString("/dev/sda"))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonSystemDiskProtected, d.Reason)

	// Still blocked while disarmed, and reported as the system-disk block,
	// not as a Danger Mode failure.
	g.DisableDangerMode()
	d = g.Evaluate(backend.OpFormat, "/dev/sda", &sys, "")
	assert.Equal(t, ReasonSystemDiskProtected, d.Reason)
}

func TestGate_RescueMediaNeedsNoConfirmation(t *testing.T) {
	g := NewGate(0)

	// Arming is still required.
	d := g.Evaluate(backend.OpRescueMedia, "/tmp/rescue.iso", nil, "")
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonDangerModeDisabled, d.Reason)

	require.True(t, g.EnableDangerMode(Acknowledgment))
	d = g.Evaluate(backend.OpRescueMedia, "/tmp/rescue.iso", nil, "")
	assert.True(t, d.Allowed)
}

func TestConfirmationString(t *testing.T) {
	assert.Equal(t, "DESTROY-/DEV/SDB", ConfirmationString("/dev/sdb"))
	assert.Equal(t, "DESTROY-/DEV/NVME0N1P2", ConfirmationString("/dev/nvme0n1p2"))
	// Shell metacharacters are stripped, not embedded.
	assert.Equal(t, "DESTROY-/DEV/SDBRM-RF", ConfirmationString("/dev/sdb; rm -rf"))
}

func TestGate_EvaluateIsIdempotent(t *testing.T) {
	g := NewGate(0)
	require.True(t, g.EnableDangerMode(Acknowledgment))
	target := device.Descriptor{ID: "/dev/sdc"}

	for i := 0; i < 3; i++ {
		d := g.Evaluate(backend.OpClone, "/dev/sdc", &target, "wrong")
		assert.Equal(t, ReasonConfirmationMismatch, d.Reason)
	}
	assert.True(t, g.Armed(), "failed confirmations do not disarm the session")
}
