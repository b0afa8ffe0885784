package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diskforge/diskforge/internal/audit"
	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
	"github.com/diskforge/diskforge/internal/safety"
	"github.com/diskforge/diskforge/internal/verify"
)

// fakeBackend drives jobs against plain files. A device identifier is a
// file path; the devices map supplies the descriptors Snapshot returns.
type fakeBackend struct {
	mu      sync.Mutex
	devices map[string]device.Descriptor
	toolErr error

	// started receives the op name when an operation begins, if non-nil.
	started chan string
	// gate, when non-nil, blocks operations until closed.
	gate chan struct{}
	// stall makes operations block until cancelled, emitting no progress.
	stall bool
	// corruptClone flips one byte in the clone target after copying.
	corruptClone bool
	// corruptImage flips one byte in the written image file while the
	// sidecar still records the digest of the source stream.
	corruptImage bool

	calls []string
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Snapshot(ctx context.Context, id string) (device.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[id]
	if !ok {
		return device.Descriptor{}, fmt.Errorf("no such device: %s", id)
	}
	return d, nil
}

func (f *fakeBackend) ListDevices(ctx context.Context) ([]device.Descriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []device.Descriptor
	for _, d := range f.devices {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeBackend) CheckTools(op backend.Op) error { return f.toolErr }

func (f *fakeBackend) record(op string) {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	f.mu.Unlock()
}

// begin handles the start signal and any configured blocking.
func (f *fakeBackend) begin(ctx context.Context, op string) error {
	f.record(op)
	if f.started != nil {
		f.started <- op
	}
	if f.stall {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeBackend) CreatePartition(ctx context.Context, p backend.CreatePartitionParams, emit backend.ProgressFunc) error {
	if err := f.begin(ctx, "create-partition"); err != nil {
		return err
	}
	emit(backend.Progress{Percent: 100, Phase: "partition"})
	return nil
}

func (f *fakeBackend) DeletePartition(ctx context.Context, partition string, emit backend.ProgressFunc) error {
	if err := f.begin(ctx, "delete-partition"); err != nil {
		return err
	}
	emit(backend.Progress{Percent: 100, Phase: "partition"})
	return nil
}

func (f *fakeBackend) FormatPartition(ctx context.Context, p backend.FormatParams, emit backend.ProgressFunc) error {
	if err := f.begin(ctx, "format"); err != nil {
		return err
	}
	emit(backend.Progress{Percent: 50, Phase: "format"})
	emit(backend.Progress{Percent: 100, Phase: "format"})
	return nil
}

func (f *fakeBackend) CloneBlocks(ctx context.Context, source, target device.Descriptor, blockSize int64, emit backend.ProgressFunc) error {
	if err := f.begin(ctx, "clone"); err != nil {
		return err
	}
	data, err := os.ReadFile(source.ID)
	if err != nil {
		return err
	}
	if f.corruptClone {
		data[len(data)/2] ^= 0xFF
	}
	if err := os.WriteFile(target.ID, data, 0o644); err != nil {
		return err
	}
	emit(backend.Progress{Percent: 100, BytesProcessed: int64(len(data)), Phase: "copy"})
	return nil
}

func (f *fakeBackend) CreateImage(ctx context.Context, source device.Descriptor, destPath, compression string, blockSize int64, emit backend.ProgressFunc) (image.Sidecar, error) {
	if err := f.begin(ctx, "image-create"); err != nil {
		return image.Sidecar{}, err
	}
	data, err := os.ReadFile(source.ID)
	if err != nil {
		return image.Sidecar{}, err
	}
	written := data
	if f.corruptImage {
		written = append([]byte(nil), data...)
		written[len(written)/2] ^= 0xFF
	}
	if err := os.WriteFile(destPath, written, 0o644); err != nil {
		return image.Sidecar{}, err
	}
	sum := sha256.Sum256(data)
	sc := image.Sidecar{
		FormatVersion:     image.FormatVersion,
		SourceDevice:      source.ID,
		Algorithm:         "sha256",
		DigestHex:         hex.EncodeToString(sum[:]),
		OriginalSizeBytes: int64(len(data)),
		BlockSizeBytes:    blockSize,
		CreatedAt:         time.Now().UTC(),
	}
	if err := sc.Write(destPath); err != nil {
		return image.Sidecar{}, err
	}
	emit(backend.Progress{Percent: 100, BytesProcessed: int64(len(data)), Phase: "image"})
	return sc, nil
}

func (f *fakeBackend) RestoreImage(ctx context.Context, imagePath string, target device.Descriptor, blockSize int64, emit backend.ProgressFunc) error {
	if err := f.begin(ctx, "image-restore"); err != nil {
		return err
	}
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(target.ID, data, 0o644); err != nil {
		return err
	}
	emit(backend.Progress{Percent: 100, BytesProcessed: int64(len(data)), Phase: "restore"})
	return nil
}

func (f *fakeBackend) DigestImage(ctx context.Context, imagePath string, blockSize int64, emit backend.ProgressFunc) (string, int64, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return "", 0, err
	}
	sum := sha256.Sum256(data)
	emit(backend.Progress{Percent: 100, BytesProcessed: int64(len(data)), Phase: "verify"})
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (f *fakeBackend) CreateRescueMedia(ctx context.Context, outputPath string, emit backend.ProgressFunc) (backend.RescueResult, error) {
	if err := f.begin(ctx, "rescue-media"); err != nil {
		return backend.RescueResult{}, err
	}
	if err := os.WriteFile(outputPath, []byte("rescue"), 0o644); err != nil {
		return backend.RescueResult{}, err
	}
	emit(backend.Progress{Percent: 100, Phase: "rescue"})
	return backend.RescueResult{Path: outputPath}, nil
}

func newTestRunner(t *testing.T, fb *fakeBackend, armed bool) (*Runner, *safety.Gate) {
	t.Helper()
	gate := safety.NewGate(time.Minute)
	if armed {
		require.True(t, gate.EnableDangerMode(safety.Acknowledgment))
	}
	checker := &safety.Checker{
		Backend:            fb,
		Power:              func() safety.PowerStatus { return safety.PowerStatus{Known: true} },
		BatteryWarnPercent: 50,
	}
	r := NewRunner(Options{
		Backend:  fb,
		Gate:     gate,
		Checker:  checker,
		Verifier: &verify.Engine{BlockSize: 1024},
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return r, gate
}

func waitJob(t *testing.T, j *Job) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job %s did not finish (state %s)", j.ID, j.State())
	}
}

// fakeDisk creates a file-backed device and registers its descriptor.
func fakeDisk(t *testing.T, fb *fakeBackend, name string, data []byte) string {
	t.Helper()
	path := t.TempDir() + "/" + name
	require.NoError(t, os.WriteFile(path, data, 0o644))
	if fb.devices == nil {
		fb.devices = make(map[string]device.Descriptor)
	}
	fb.devices[path] = device.Descriptor{ID: path, SizeBytes: int64(len(data)), SectorSize: 512}
	return path
}

func formatRequest(target string) Request {
	return Request{
		Op:           backend.OpFormat,
		Target:       target,
		Params:       Params{Filesystem: "ext4"},
		Confirmation: safety.ConfirmationString(target),
	}
}

func TestSubmit_RefusedWhenDangerModeOff(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sdb", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, false)

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.Error(t, err)
	assert.Nil(t, j, "refused requests never become jobs")
	assert.True(t, IsSafetyError(err))

	var se *SafetyError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, safety.ReasonDangerModeDisabled, se.Decision.Reason)
	assert.Empty(t, fb.calls, "nothing may run after a refusal")
}

func TestSubmit_WrongConfirmation(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sdb", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, true)

	req := formatRequest(tgt)
	req.Confirmation = "yes please"
	_, err := r.Submit(context.Background(), req)

	var se *SafetyError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, safety.ReasonConfirmationMismatch, se.Decision.Reason)
	assert.Equal(t, safety.ConfirmationString(tgt), se.Decision.RequiredConfirmation)
}

func TestSubmit_SystemDiskProtected(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sda", make([]byte, 1024))
	d := fb.devices[tgt]
	d.SystemDisk = true
	fb.devices[tgt] = d
	r, _ := newTestRunner(t, fb, true)

	_, err := r.Submit(context.Background(), formatRequest(tgt))

	var se *SafetyError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, safety.ReasonSystemDiskProtected, se.Decision.Reason)
}

func TestSubmit_PreflightMountedTarget(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	d := fb.devices[tgt]
	d.Mounted = true
	fb.devices[tgt] = d
	r, _ := newTestRunner(t, fb, true)

	_, err := r.Submit(context.Background(), formatRequest(tgt))
	require.True(t, IsPreflightError(err))

	var pe *PreflightError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, safety.FailDeviceMounted, pe.Report.FirstFailure())
	assert.Equal(t, CategoryPreflight, Classify(err))
}

func TestSubmit_ValidationErrors(t *testing.T) {
	fb := &fakeBackend{}
	r, _ := newTestRunner(t, fb, true)

	tests := []struct {
		name string
		req  Request
	}{
		{"unknown op", Request{Op: "defrag"}},
		{"format without filesystem", Request{Op: backend.OpFormat, Target: "/dev/sdb1"}},
		{"clone without source", Request{Op: backend.OpClone, Target: "/dev/sdb"}},
		{"clone onto itself", Request{Op: backend.OpClone, Source: "/dev/sdb", Target: "/dev/sdb"}},
		{"restore without image", Request{Op: backend.OpImageRestore, Target: "/dev/sdb"}},
		{"rescue without output", Request{Op: backend.OpRescueMedia}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.False(t, IsSafetyError(err))
			assert.False(t, IsPreflightError(err))
		})
	}
}

func TestJob_FormatSucceeds(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.NoError(t, err)

	events := j.Subscribe()
	waitJob(t, j)

	assert.Equal(t, StateSucceeded, j.State())
	assert.NoError(t, j.Err())

	var phases []string
	for p := range events {
		phases = append(phases, p.Phase)
	}
	assert.NotEmpty(t, phases, "subscriber must see progress")

	got, ok := r.Get(j.ID)
	require.True(t, ok)
	assert.Same(t, j, got)
}

func TestJob_SubscribeAfterFinishIsClosed(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.NoError(t, err)
	waitJob(t, j)

	_, open := <-j.Subscribe()
	assert.False(t, open, "the progress stream is finite and never restarts")
}

func TestJobs_SamePhysicalDiskSerialized(t *testing.T) {
	fb := &fakeBackend{
		started: make(chan string, 2),
		gate:    make(chan struct{}),
	}
	p1 := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	p2 := fakeDisk(t, fb, "sdb2", make([]byte, 1024))
	// Same lock key for both partitions
	fb.devices["/dev/vdz1"] = device.Descriptor{ID: p1, SizeBytes: 1024, SectorSize: 512}
	fb.devices["/dev/vdz2"] = device.Descriptor{ID: p2, SizeBytes: 1024, SectorSize: 512}
	r, _ := newTestRunner(t, fb, true)

	j1, err := r.Submit(context.Background(), formatRequest("/dev/vdz1"))
	require.NoError(t, err)
	<-fb.started

	j2, err := r.Submit(context.Background(), formatRequest("/dev/vdz2"))
	require.NoError(t, err)

	// j2 shares /dev/vdz with j1 and must wait in Admitted.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateRunning, j1.State())
	assert.Equal(t, StateAdmitted, j2.State())

	close(fb.gate)
	<-fb.started
	waitJob(t, j1)
	waitJob(t, j2)
	assert.Equal(t, StateSucceeded, j1.State())
	assert.Equal(t, StateSucceeded, j2.State())
}

func TestJobs_SameDiskStartInAdmissionOrder(t *testing.T) {
	fb := &fakeBackend{
		started: make(chan string, 3),
		gate:    make(chan struct{}),
	}
	p1 := fakeDisk(t, fb, "vdz1", make([]byte, 1024))
	p2 := fakeDisk(t, fb, "vdz2", make([]byte, 1024))
	p3 := fakeDisk(t, fb, "vdz3", make([]byte, 1024))
	fb.devices["/dev/vdz1"] = device.Descriptor{ID: p1, SizeBytes: 1024, SectorSize: 512}
	fb.devices["/dev/vdz2"] = device.Descriptor{ID: p2, SizeBytes: 1024, SectorSize: 512}
	fb.devices["/dev/vdz3"] = device.Descriptor{ID: p3, SizeBytes: 1024, SectorSize: 512}
	r, _ := newTestRunner(t, fb, true)

	j1, err := r.Submit(context.Background(), formatRequest("/dev/vdz1"))
	require.NoError(t, err)
	<-fb.started // j1 holds the disk

	// Submitted back to back; their goroutines may be scheduled in any
	// order, but the queue position is taken inside Submit.
	j2, err := r.Submit(context.Background(), Request{
		Op:           backend.OpDeletePartition,
		Target:       "/dev/vdz2",
		Confirmation: safety.ConfirmationString("/dev/vdz2"),
	})
	require.NoError(t, err)
	j3, err := r.Submit(context.Background(), Request{
		Op:           backend.OpCreatePartition,
		Target:       "/dev/vdz3",
		Params:       Params{Filesystem: "ext4"},
		Confirmation: safety.ConfirmationString("/dev/vdz3"),
	})
	require.NoError(t, err)

	close(fb.gate)
	waitJob(t, j1)
	waitJob(t, j2)
	waitJob(t, j3)

	got := []string{<-fb.started, <-fb.started}
	assert.Equal(t, []string{"delete-partition", "create-partition"}, got)
}

func TestJobs_DifferentDisksRunConcurrently(t *testing.T) {
	fb := &fakeBackend{
		started: make(chan string, 2),
		gate:    make(chan struct{}),
	}
	t1 := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	t2 := fakeDisk(t, fb, "sdc1", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, true)

	j1, err := r.Submit(context.Background(), formatRequest(t1))
	require.NoError(t, err)
	j2, err := r.Submit(context.Background(), formatRequest(t2))
	require.NoError(t, err)

	// Both must start without either finishing.
	for i := 0; i < 2; i++ {
		select {
		case <-fb.started:
		case <-time.After(time.Second):
			t.Fatal("jobs on independent disks did not run concurrently")
		}
	}

	close(fb.gate)
	waitJob(t, j1)
	waitJob(t, j2)
}

func TestJob_Cancel(t *testing.T) {
	fb := &fakeBackend{stall: true, started: make(chan string, 1)}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.NoError(t, err)
	<-fb.started

	j.Cancel()
	waitJob(t, j)

	assert.Equal(t, StateCancelled, j.State())
	assert.ErrorIs(t, j.Err(), context.Canceled)
	assert.Equal(t, CategoryCancelled, Classify(j.Err()))

	j.Cancel() // cancelling a finished job is a no-op
}

func TestJob_IdleWatchdogFailsStalledJob(t *testing.T) {
	fb := &fakeBackend{stall: true}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))

	gate := safety.NewGate(time.Minute)
	require.True(t, gate.EnableDangerMode(safety.Acknowledgment))
	r := NewRunner(Options{
		Backend: fb,
		Gate:    gate,
		Checker: &safety.Checker{
			Backend:            fb,
			Power:              func() safety.PowerStatus { return safety.PowerStatus{Known: true} },
			BatteryWarnPercent: 50,
		},
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		IdleTimeout: 50 * time.Millisecond,
	})

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.NoError(t, err)
	waitJob(t, j)

	assert.Equal(t, StateFailed, j.State())
	var idle *IdleTimeoutError
	assert.ErrorAs(t, j.Err(), &idle)
}

func TestJob_AuditTrailSurvivesCancellation(t *testing.T) {
	store, err := audit.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer store.Close()
	logger := audit.NewLogger(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	fb := &fakeBackend{stall: true, started: make(chan string, 1)}
	tgt := fakeDisk(t, fb, "sdb1", make([]byte, 1024))

	gate := safety.NewGate(time.Minute)
	require.True(t, gate.EnableDangerMode(safety.Acknowledgment))
	r := NewRunner(Options{
		Backend: fb,
		Gate:    gate,
		Checker: &safety.Checker{
			Backend:            fb,
			Power:              func() safety.PowerStatus { return safety.PowerStatus{Known: true} },
			BatteryWarnPercent: 50,
		},
		Audit: logger,
		Log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	j, err := r.Submit(context.Background(), formatRequest(tgt))
	require.NoError(t, err)
	<-fb.started
	j.Cancel()
	waitJob(t, j)
	require.Equal(t, StateCancelled, j.State())

	events, err := store.ReadSession(context.Background(), logger.SessionID())
	require.NoError(t, err)
	var kinds []audit.Kind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, audit.KindJobSubmitted)
	assert.Contains(t, kinds, audit.KindJobAdmitted)
	assert.Contains(t, kinds, audit.KindJobStarted)
	// The terminal record lands even though the job context is already
	// cancelled by the time it is written.
	assert.Contains(t, kinds, audit.KindJobCancelled)

	jobEvents, err := store.ReadJob(context.Background(), j.ID)
	require.NoError(t, err)
	var admitted *audit.Event
	for i := range jobEvents {
		if jobEvents[i].Kind == audit.KindJobAdmitted {
			admitted = &jobEvents[i]
		}
	}
	require.NotNil(t, admitted)
	assert.Contains(t, admitted.Detail, "preflight")
}

func TestClone_VerifyDetectsSingleByteDivergence(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i)
	}
	fb := &fakeBackend{corruptClone: true}
	src := fakeDisk(t, fb, "src", data)
	tgt := fakeDisk(t, fb, "tgt", make([]byte, 4096))
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), Request{
		Op:           backend.OpClone,
		Source:       src,
		Target:       tgt,
		Confirmation: safety.ConfirmationString(tgt),
		Verify:       true,
	})
	require.NoError(t, err)
	waitJob(t, j)

	assert.Equal(t, StateFailed, j.State())
	assert.True(t, IsVerificationError(j.Err()))
	assert.Equal(t, CategoryVerification, Classify(j.Err()))

	// The partially written target is retained for inspection.
	got, err := os.ReadFile(tgt)
	require.NoError(t, err)
	assert.NotEqual(t, data, got)
}

func TestClone_VerifySucceeds(t *testing.T) {
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i * 7)
	}
	fb := &fakeBackend{}
	src := fakeDisk(t, fb, "src", data)
	tgt := fakeDisk(t, fb, "tgt", make([]byte, 4096))
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), Request{
		Op:           backend.OpClone,
		Source:       src,
		Target:       tgt,
		Confirmation: safety.ConfirmationString(tgt),
		Verify:       true,
	})
	require.NoError(t, err)
	waitJob(t, j)

	require.NoError(t, j.Err())
	assert.Equal(t, StateSucceeded, j.State())
	require.NotNil(t, j.Result().Verification)
	assert.True(t, j.Result().Verification.Match)
}

func TestImageCreateThenVerifiedRestore(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(255 - i%251)
	}
	fb := &fakeBackend{}
	src := fakeDisk(t, fb, "src", data)
	imgPath := t.TempDir() + "/backup.img"
	r, _ := newTestRunner(t, fb, true)

	create, err := r.Submit(context.Background(), Request{
		Op:           backend.OpImageCreate,
		Source:       src,
		Params:       Params{DestinationPath: imgPath},
		Confirmation: safety.ConfirmationString(src),
		Verify:       true,
	})
	require.NoError(t, err)
	waitJob(t, create)
	require.NoError(t, create.Err())
	require.NotNil(t, create.Result().Sidecar)
	assert.Equal(t, int64(len(data)), create.Result().Sidecar.OriginalSizeBytes)

	tgt := fakeDisk(t, fb, "tgt", make([]byte, 2048))
	restore, err := r.Submit(context.Background(), Request{
		Op:           backend.OpImageRestore,
		Target:       tgt,
		Params:       Params{DestinationPath: imgPath},
		Confirmation: safety.ConfirmationString(tgt),
		Verify:       true,
	})
	require.NoError(t, err)
	waitJob(t, restore)

	require.NoError(t, restore.Err())
	got, err := os.ReadFile(tgt)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestImageCreate_VerifyCatchesCorruptWrittenImage(t *testing.T) {
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i % 109)
	}
	// The sidecar carries the correct source digest; only the bytes that
	// landed in the image file are wrong. Verification must re-read the
	// file to notice.
	fb := &fakeBackend{corruptImage: true}
	src := fakeDisk(t, fb, "src", data)
	imgPath := t.TempDir() + "/backup.img"
	r, _ := newTestRunner(t, fb, true)

	j, err := r.Submit(context.Background(), Request{
		Op:           backend.OpImageCreate,
		Source:       src,
		Params:       Params{DestinationPath: imgPath},
		Confirmation: safety.ConfirmationString(src),
		Verify:       true,
	})
	require.NoError(t, err)
	waitJob(t, j)

	assert.Equal(t, StateFailed, j.State())
	require.True(t, IsVerificationError(j.Err()))

	var ve *VerificationError
	require.ErrorAs(t, j.Err(), &ve)
	assert.NotEqual(t, ve.Result.Source.DigestHex, ve.Result.Target.DigestHex)
	assert.Equal(t, int64(len(data)), ve.Result.Target.ByteCount)
}

func TestRestore_VerifyRequiresSidecar(t *testing.T) {
	fb := &fakeBackend{}
	tgt := fakeDisk(t, fb, "tgt", make([]byte, 1024))
	imgPath := t.TempDir() + "/orphan.img"
	require.NoError(t, os.WriteFile(imgPath, []byte("image"), 0o644))
	r, _ := newTestRunner(t, fb, true)

	_, err := r.Submit(context.Background(), Request{
		Op:           backend.OpImageRestore,
		Target:       tgt,
		Params:       Params{DestinationPath: imgPath},
		Confirmation: safety.ConfirmationString(tgt),
		Verify:       true,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metadata")
}

func TestRescueMedia_AllowedWithoutDevice(t *testing.T) {
	fb := &fakeBackend{}
	out := t.TempDir() + "/rescue.iso"
	r, _ := newTestRunner(t, fb, true)

	// No target device, no confirmation string; arming alone gates rescue.
	j, err := r.Submit(context.Background(), Request{
		Op:     backend.OpRescueMedia,
		Params: Params{DestinationPath: out},
	})
	require.NoError(t, err)
	waitJob(t, j)

	require.NoError(t, j.Err())
	require.NotNil(t, j.Result().Rescue)
	assert.Equal(t, out, j.Result().Rescue.Path)
	_, err = os.Stat(out)
	assert.NoError(t, err)
}
