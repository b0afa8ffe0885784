package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickCompressor_AutoPrefersZstd(t *testing.T) {
	runner := &fakeRunner{tools: map[string]bool{"zstd": true, "gzip": true}}

	c, err := pickCompressor(runner, "")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "zstd", c.name)
}

func TestPickCompressor_AutoFallsThroughAvailability(t *testing.T) {
	runner := &fakeRunner{tools: map[string]bool{"gzip": true}}

	c, err := pickCompressor(runner, "")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "gzip", c.name)
}

func TestPickCompressor_AutoNoneAvailable(t *testing.T) {
	c, err := pickCompressor(&fakeRunner{}, "")
	require.NoError(t, err)
	assert.Nil(t, c, "no compressor installed means uncompressed, not an error")
}

func TestPickCompressor_NamedMissing(t *testing.T) {
	_, err := pickCompressor(&fakeRunner{}, "lz4")
	assert.True(t, IsToolUnavailable(err))
}

func TestPickCompressor_Unknown(t *testing.T) {
	_, err := pickCompressor(&fakeRunner{}, "bzip2")
	assert.Error(t, err)
	assert.False(t, IsToolUnavailable(err))
}

func TestCompressionFromSuffix(t *testing.T) {
	assert.Equal(t, "zstd", compressionFromSuffix("disk.img.zst"))
	assert.Equal(t, "lz4", compressionFromSuffix("disk.img.lz4"))
	assert.Equal(t, "gzip", compressionFromSuffix("disk.img.gz"))
	assert.Equal(t, "", compressionFromSuffix("disk.img"))
}
