//go:build windows

package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskNumber(t *testing.T) {
	n, err := diskNumber(`\\.\PhysicalDrive0`)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = diskNumber(`\\.\physicaldrive12`)
	require.NoError(t, err)
	assert.Equal(t, 12, n)

	_, err = diskNumber(`C:`)
	assert.Error(t, err)
}

func TestPartitionNumbers(t *testing.T) {
	tests := []struct {
		id         string
		disk, part int
	}{
		{`\\.\PhysicalDrive0:1`, 0, 1},
		{`\\.\PhysicalDrive10:12`, 10, 12},
		{`\\.\physicaldrive3:2`, 3, 2},
	}
	for _, tt := range tests {
		disk, part, err := partitionNumbers(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.disk, disk, tt.id)
		assert.Equal(t, tt.part, part, tt.id)
	}
}

func TestPartitionNumbers_Malformed(t *testing.T) {
	for _, id := range []string{"", "C:", `\\.\PhysicalDrive0`, "0:1", `\\.\PhysicalDrive0:`} {
		_, _, err := partitionNumbers(id)
		assert.Error(t, err, "identifier %q must be rejected", id)
	}
}
