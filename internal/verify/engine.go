// Package verify re-reads written data and compares digests. Verification is
// always a separate pass over the device, never a check of buffered data.
package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/image"
)

// Algorithm is the only digest algorithm the engine produces.
const Algorithm = "sha256"

// ChecksumRecord captures one digest pass over a byte stream.
type ChecksumRecord struct {
	Algorithm string `json:"algorithm"`
	DigestHex string `json:"digest_hex"`
	ByteCount int64  `json:"byte_count"`
}

// Result is the outcome of a verification comparison.
type Result struct {
	Match  bool
	Source ChecksumRecord
	Target ChecksumRecord
}

// Engine digests devices and files in fixed-size blocks.
type Engine struct {
	// BlockSize is the read granularity. Zero means the backend default.
	BlockSize int64
}

func New() *Engine {
	return &Engine{BlockSize: backend.DefaultBlockSize}
}

func (e *Engine) blockSize() int64 {
	if e.BlockSize > 0 {
		return e.BlockSize
	}
	return backend.DefaultBlockSize
}

// DigestReader consumes r to EOF and returns its digest. Progress is
// reported against total; pass 0 when the length is unknown.
func (e *Engine) DigestReader(ctx context.Context, r io.Reader, total int64, emit backend.ProgressFunc) (ChecksumRecord, error) {
	h := sha256.New()
	buf := make([]byte, e.blockSize())

	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return ChecksumRecord{}, err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			done += int64(n)
			if emit != nil && total > 0 {
				percent := float64(done) / float64(total) * 100
				if percent > 100 {
					percent = 100
				}
				emit(backend.Progress{Percent: percent, BytesProcessed: done, Phase: "verify"})
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ChecksumRecord{}, err
		}
	}
	return ChecksumRecord{
		Algorithm: Algorithm,
		DigestHex: hex.EncodeToString(h.Sum(nil)),
		ByteCount: done,
	}, nil
}

// DigestPath digests the first length bytes of the file or device at path.
// A length of 0 reads to EOF.
func (e *Engine) DigestPath(ctx context.Context, path string, length int64, emit backend.ProgressFunc) (ChecksumRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChecksumRecord{}, fmt.Errorf("open %s for verification: %w", path, err)
	}
	defer f.Close()

	var r io.Reader = f
	if length > 0 {
		r = io.LimitReader(f, length)
	}
	return e.DigestReader(ctx, r, length, emit)
}

// CompareDevices digests length bytes of source and target in two separate
// passes and compares the results. Device sizes rarely match exactly, so the
// caller supplies the length that was actually copied.
func (e *Engine) CompareDevices(ctx context.Context, sourcePath, targetPath string, length int64, emit backend.ProgressFunc) (Result, error) {
	src, err := e.DigestPath(ctx, sourcePath, length, emit)
	if err != nil {
		return Result{}, err
	}
	tgt, err := e.DigestPath(ctx, targetPath, length, emit)
	if err != nil {
		return Result{}, err
	}
	return Result{Match: src.DigestHex == tgt.DigestHex, Source: src, Target: tgt}, nil
}

// VerifyRestored digests the first OriginalSizeBytes of the device at path
// and compares against the digest recorded in the sidecar. The sidecar digest
// covers the uncompressed stream, so no decompression is involved.
func (e *Engine) VerifyRestored(ctx context.Context, path string, sc image.Sidecar, emit backend.ProgressFunc) (Result, error) {
	recorded := ChecksumRecord{
		Algorithm: sc.Algorithm,
		DigestHex: sc.DigestHex,
		ByteCount: sc.OriginalSizeBytes,
	}
	if sc.Algorithm != Algorithm {
		return Result{}, fmt.Errorf("unsupported digest algorithm %q in sidecar", sc.Algorithm)
	}

	actual, err := e.DigestPath(ctx, path, sc.OriginalSizeBytes, emit)
	if err != nil {
		return Result{}, err
	}
	return Result{Match: actual.DigestHex == recorded.DigestHex, Source: recorded, Target: actual}, nil
}
