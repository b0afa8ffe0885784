package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
)

// blockOps holds the block-copy and imaging logic shared by the POSIX and
// Windows backends. Devices are opened as files; partitioning and formatting
// remain platform-specific.
type blockOps struct {
	runner CommandRunner
}

// cloneBlocks copies min(source, target) bytes in blockSize chunks.
// Cross-device shrink never happens here: preflight rejects undersized
// targets before a clone is admitted, so the min() is a defensive bound for
// equal-or-larger targets only.
func (b blockOps) cloneBlocks(ctx context.Context, source, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	src, err := os.Open(source.ID)
	if err != nil {
		return fmt.Errorf("open source %s: %w", source.ID, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target.ID, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open target %s: %w", target.ID, err)
	}
	defer dst.Close()

	total := source.SizeBytes
	if target.SizeBytes > 0 && target.SizeBytes < total {
		total = target.SizeBytes
	}

	_, err = copyChunks(ctx, dst, io.LimitReader(src, total), total, blockSize, "clone", emit)
	if err != nil {
		return err
	}
	return dst.Sync()
}

// createImage streams the source device through an optional external
// compressor into destPath, digesting the uncompressed stream as it goes.
// The sidecar is written even when the pipeline fails, so partial images
// remain inspectable.
func (b blockOps) createImage(ctx context.Context, source device.Descriptor, destPath, compression string, blockSize int64, emit ProgressFunc) (image.Sidecar, error) {
	comp, err := pickCompressor(b.runner, compression)
	if err != nil {
		return image.Sidecar{}, err
	}

	src, err := os.Open(source.ID)
	if err != nil {
		return image.Sidecar{}, fmt.Errorf("open source %s: %w", source.ID, err)
	}
	defer src.Close()

	dst, err := os.Create(destPath)
	if err != nil {
		return image.Sidecar{}, fmt.Errorf("create image %s: %w", destPath, err)
	}
	defer dst.Close()

	digest := sha256.New()
	reader := &meteredReader{
		r:     io.TeeReader(io.LimitReader(src, source.SizeBytes), digest),
		total: source.SizeBytes,
		step:  blockSize,
		phase: "image",
		emit:  emit,
	}

	var pipeErr error
	if comp != nil {
		pipeErr = b.runner.Stream(ctx, reader, dst, comp.tool, comp.compressArgs...)
	} else {
		_, pipeErr = copyChunks(ctx, dst, reader, source.SizeBytes, blockSize, "image", emit)
	}

	sidecar := image.Sidecar{
		FormatVersion:     image.FormatVersion,
		SourceDevice:      source.ID,
		Algorithm:         "sha256",
		DigestHex:         hex.EncodeToString(digest.Sum(nil)),
		OriginalSizeBytes: source.SizeBytes,
		BlockSizeBytes:    blockSize,
		CreatedAt:         time.Now().UTC(),
	}
	if comp != nil {
		sidecar.Compression = comp.name
	}

	// Sidecar metadata is written regardless of pipeline outcome.
	if werr := sidecar.Write(destPath); werr != nil && pipeErr == nil {
		pipeErr = werr
	}
	if pipeErr != nil {
		return sidecar, pipeErr
	}
	return sidecar, dst.Sync()
}

// restoreImage decompresses imagePath onto the target device.
func (b blockOps) restoreImage(ctx context.Context, imagePath string, target device.Descriptor, blockSize int64, emit ProgressFunc) error {
	sidecar, sidecarErr := image.ReadSidecar(imagePath)

	var compression string
	if sidecarErr == nil {
		compression = sidecar.Compression
	} else {
		compression = compressionFromSuffix(imagePath)
	}

	comp, err := decompressorFor(b.runner, compression)
	if err != nil {
		return err
	}

	src, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("open image %s: %w", imagePath, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(target.ID, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open target %s: %w", target.ID, err)
	}
	defer dst.Close()

	// Progress is metered on the decompressed byte stream against the
	// original size recorded in the sidecar (unknown size shows bytes only).
	var total int64
	if sidecarErr == nil {
		total = sidecar.OriginalSizeBytes
	}
	writer := &meteredWriter{w: dst, total: total, step: blockSize, phase: "restore", emit: emit}

	if comp != nil {
		if err := b.runner.Stream(ctx, src, writer, comp.tool, comp.decompressArgs...); err != nil {
			return err
		}
	} else {
		if _, err := copyChunks(ctx, writer, src, total, blockSize, "restore", emit); err != nil {
			return err
		}
	}
	return dst.Sync()
}

// digestImage re-reads a written image and digests its uncompressed
// contents. The bytes come from the image file on disk, not from the
// stream that produced it.
func (b blockOps) digestImage(ctx context.Context, imagePath string, blockSize int64, emit ProgressFunc) (string, int64, error) {
	sidecar, sidecarErr := image.ReadSidecar(imagePath)

	var compression string
	if sidecarErr == nil {
		compression = sidecar.Compression
	} else {
		compression = compressionFromSuffix(imagePath)
	}

	comp, err := decompressorFor(b.runner, compression)
	if err != nil {
		return "", 0, err
	}

	src, err := os.Open(imagePath)
	if err != nil {
		return "", 0, fmt.Errorf("open image %s: %w", imagePath, err)
	}
	defer src.Close()

	var total int64
	if sidecarErr == nil {
		total = sidecar.OriginalSizeBytes
	}
	digest := sha256.New()
	writer := &meteredWriter{w: digest, total: total, step: blockSize, phase: "verify", emit: emit}

	if comp != nil {
		if err := b.runner.Stream(ctx, src, writer, comp.tool, comp.decompressArgs...); err != nil {
			return "", 0, err
		}
	} else {
		if _, err := copyChunks(ctx, writer, src, total, blockSize, "verify", emit); err != nil {
			return "", 0, err
		}
	}
	return hex.EncodeToString(digest.Sum(nil)), writer.done, nil
}

// copyChunks copies src to dst in fixed-size chunks, emitting one progress
// event per chunk. total of zero means unknown (percent stays at zero).
func copyChunks(ctx context.Context, dst io.Writer, src io.Reader, total, blockSize int64, phase string, emit ProgressFunc) (int64, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	var done int64
	buf := make([]byte, blockSize)
	for {
		if err := ctx.Err(); err != nil {
			return done, err
		}

		n, rerr := io.ReadFull(src, buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return done, fmt.Errorf("write at offset %d: %w", done, werr)
			}
			done += int64(n)
			emitProgress(emit, done, total, phase)
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			return done, nil
		}
		if rerr != nil {
			return done, fmt.Errorf("read at offset %d: %w", done, rerr)
		}
	}
}

func emitProgress(emit ProgressFunc, done, total int64, phase string) {
	if emit == nil {
		return
	}
	p := Progress{BytesProcessed: done, Phase: phase}
	if total > 0 {
		p.Percent = float64(done) / float64(total) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	emit(p)
}

// meteredReader emits a progress event every step bytes read. Used when an
// external compressor consumes the stream and the chunk loop is not ours.
type meteredReader struct {
	r     io.Reader
	total int64
	step  int64
	phase string
	emit  ProgressFunc

	done     int64
	lastEmit int64
}

func (m *meteredReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.done += int64(n)
		if m.done-m.lastEmit >= m.step || err == io.EOF {
			m.lastEmit = m.done
			emitProgress(m.emit, m.done, m.total, m.phase)
		}
	}
	return n, err
}

// meteredWriter is the write-side twin of meteredReader.
type meteredWriter struct {
	w     io.Writer
	total int64
	step  int64
	phase string
	emit  ProgressFunc

	done     int64
	lastEmit int64
}

func (m *meteredWriter) Write(p []byte) (int, error) {
	n, err := m.w.Write(p)
	if n > 0 {
		m.done += int64(n)
		if m.done-m.lastEmit >= m.step {
			m.lastEmit = m.done
			emitProgress(m.emit, m.done, m.total, m.phase)
		}
	}
	return n, err
}
