package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diskforge/diskforge/internal/audit"
	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/device"
	"github.com/diskforge/diskforge/internal/image"
	"github.com/diskforge/diskforge/internal/safety"
	"github.com/diskforge/diskforge/internal/verify"
)

// Options configures a Runner. Backend, Gate, and Checker are required;
// the rest default sensibly.
type Options struct {
	Backend  backend.Backend
	Gate     *safety.Gate
	Checker  *safety.Checker
	Verifier *verify.Engine
	Audit    *audit.Logger
	Log      *slog.Logger

	// BlockSize is the default copy chunk size; requests may override it.
	BlockSize int64

	// IdleTimeout aborts a running job that reports no progress for this
	// long. Zero disables the watchdog.
	IdleTimeout time.Duration
}

// Runner admits requests and executes them as jobs. Admission (safety gate
// plus preflight) happens synchronously in Submit; refused requests never
// become jobs. Admitted jobs run on their own goroutine, serialized per
// physical device.
type Runner struct {
	backend  backend.Backend
	gate     *safety.Gate
	checker  *safety.Checker
	verifier *verify.Engine
	audit    *audit.Logger
	log      *slog.Logger
	locks    *deviceLocks

	blockSize   int64
	idleTimeout time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewRunner(opts Options) *Runner {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = verify.New()
	}
	blockSize := opts.BlockSize
	if blockSize <= 0 {
		blockSize = backend.DefaultBlockSize
	}
	return &Runner{
		backend:     opts.Backend,
		gate:        opts.Gate,
		checker:     opts.Checker,
		verifier:    verifier,
		audit:       opts.Audit,
		log:         log,
		locks:       newDeviceLocks(),
		blockSize:   blockSize,
		idleTimeout: opts.IdleTimeout,
		jobs:        make(map[string]*Job),
	}
}

// Get returns a job by ID.
func (r *Runner) Get(id string) (*Job, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	return j, ok
}

// Submit admits one request. The safety gate and the preflight battery run
// synchronously; on refusal no job exists and the typed error says why. On
// success the returned job is already queued and will start as soon as its
// devices are free.
func (r *Runner) Submit(ctx context.Context, req Request) (*Job, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	submittedDev := req.Target
	if submittedDev == "" {
		submittedDev = req.Source
	}
	r.audit.Job(ctx, audit.KindJobSubmitted, "", string(req.Op), submittedDev, "", nil)

	var (
		src, tgt device.Descriptor
		sidecar  *image.Sidecar
		err      error
	)
	if req.Target != "" {
		tgt, err = r.backend.Snapshot(ctx, req.Target)
		if err != nil {
			return nil, fmt.Errorf("inspect target %s: %w", req.Target, err)
		}
	}
	if readsSourceDevice(req.Op) {
		src, err = r.backend.Snapshot(ctx, req.Source)
		if err != nil {
			return nil, fmt.Errorf("inspect source %s: %w", req.Source, err)
		}
	}
	if req.Op == backend.OpImageRestore {
		sidecar, err = loadSidecar(req)
		if err != nil {
			return nil, err
		}
	}

	gateID, gateDev := gateTarget(req, &src, &tgt)
	decision := r.gate.Evaluate(req.Op, gateID, gateDev, req.Confirmation)
	if !decision.Allowed {
		r.audit.Job(ctx, audit.KindSafetyDenied, "", string(req.Op), gateID,
			string(decision.Reason), map[string]any{"detail": decision.Detail})
		return nil, &SafetyError{Decision: decision}
	}

	report := r.checker.Run(ctx, preflightInput(req, &src, &tgt, sidecar))
	if !report.Passed() {
		r.audit.Job(ctx, audit.KindPreflightFailed, "", string(req.Op), gateID,
			string(report.FirstFailure()), nil)
		return nil, &PreflightError{Report: report}
	}
	for _, c := range report.Checks {
		if c.Severity == safety.SeverityWarning {
			r.log.Warn("preflight advisory", "check", c.Name, "detail", c.Detail)
		}
	}

	jobCtx, cancel := context.WithCancelCause(context.Background())
	j := &Job{
		ID:        uuid.New().String(),
		Request:   req,
		CreatedAt: time.Now(),
		state:     StateAdmitted,
		cancel:    func() { cancel(context.Canceled) },
		done:      make(chan struct{}),
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()

	r.audit.Job(ctx, audit.KindJobAdmitted, j.ID, string(req.Op), gateID, "",
		map[string]any{"preflight": report.Summary()})
	r.log.Info("job admitted", "job_id", j.ID, "op", req.Op, "target", req.Target)

	// The queue position on the device locks is taken here, while Submit
	// still holds the caller, so jobs admitted one after another start in
	// admission order even when their goroutines are scheduled out of it.
	ids := []string{req.Target}
	if readsSourceDevice(req.Op) {
		ids = append(ids, req.Source)
	}
	res := r.locks.Reserve(ids...)

	go r.run(jobCtx, cancel, j, src, tgt, sidecar, res)
	return j, nil
}

// run executes one admitted job to a terminal state.
func (r *Runner) run(ctx context.Context, cancel context.CancelCauseFunc, j *Job, src, tgt device.Descriptor, sidecar *image.Sidecar, res *reservation) {
	req := j.Request

	release, err := res.Wait(ctx)
	if err != nil {
		r.finish(ctx, j, err, Result{})
		return
	}
	defer release()

	j.setState(StateRunning)
	r.audit.Job(ctx, audit.KindJobStarted, j.ID, string(req.Op), req.Target, "", nil)

	touch, stopWatchdog := r.startWatchdog(cancel)
	defer stopWatchdog()
	emit := func(p backend.Progress) {
		touch()
		j.publish(p)
	}

	var result Result
	blockSize := req.Params.BlockSizeBytes
	if blockSize <= 0 {
		blockSize = r.blockSize
	}

	switch req.Op {
	case backend.OpCreatePartition:
		err = r.backend.CreatePartition(ctx, backend.CreatePartitionParams{
			Disk:       req.Target,
			SizeBytes:  req.Params.SizeBytes,
			Filesystem: req.Params.Filesystem,
			Label:      req.Params.Label,
		}, emit)
	case backend.OpDeletePartition:
		err = r.backend.DeletePartition(ctx, req.Target, emit)
	case backend.OpFormat:
		err = r.backend.FormatPartition(ctx, backend.FormatParams{
			Partition:  req.Target,
			Filesystem: req.Params.Filesystem,
			Label:      req.Params.Label,
		}, emit)
	case backend.OpClone:
		err = r.backend.CloneBlocks(ctx, src, tgt, blockSize, emit)
	case backend.OpImageCreate:
		var sc image.Sidecar
		sc, err = r.backend.CreateImage(ctx, src, req.Params.DestinationPath, req.Params.Compression, blockSize, emit)
		if err == nil {
			result.Sidecar = &sc
			sidecar = &sc
		}
	case backend.OpImageRestore:
		err = r.backend.RestoreImage(ctx, req.Params.DestinationPath, tgt, blockSize, emit)
	case backend.OpRescueMedia:
		var res backend.RescueResult
		res, err = r.backend.CreateRescueMedia(ctx, req.Params.DestinationPath, emit)
		if err == nil {
			result.Rescue = &res
		}
	}

	if err == nil && req.Verify {
		err = r.verify(ctx, j, src, tgt, sidecar, blockSize, emit, &result)
	}

	r.finish(ctx, j, err, result)
}

// verify runs the separate read-back pass. Only copy operations have
// anything to verify. Image creation re-reads both sides: the source device
// and the written image file, decompressed.
func (r *Runner) verify(ctx context.Context, j *Job, src, tgt device.Descriptor, sidecar *image.Sidecar, blockSize int64, emit backend.ProgressFunc, result *Result) error {
	var (
		res verify.Result
		err error
	)
	switch j.Request.Op {
	case backend.OpClone:
		length := min(src.SizeBytes, tgt.SizeBytes)
		j.setState(StateVerifying)
		r.audit.Job(ctx, audit.KindJobVerifying, j.ID, string(j.Request.Op), tgt.ID, "", nil)
		res, err = r.verifier.CompareDevices(ctx, src.ID, tgt.ID, length, emit)
	case backend.OpImageCreate:
		j.setState(StateVerifying)
		r.audit.Job(ctx, audit.KindJobVerifying, j.ID, string(j.Request.Op), src.ID, "", nil)
		var srcRec verify.ChecksumRecord
		srcRec, err = r.verifier.DigestPath(ctx, src.ID, sidecar.OriginalSizeBytes, emit)
		if err != nil {
			break
		}
		var imgHex string
		var imgBytes int64
		imgHex, imgBytes, err = r.backend.DigestImage(ctx, j.Request.Params.DestinationPath, blockSize, emit)
		if err != nil {
			break
		}
		res = verify.Result{
			Match:  srcRec.DigestHex == imgHex,
			Source: srcRec,
			Target: verify.ChecksumRecord{Algorithm: verify.Algorithm, DigestHex: imgHex, ByteCount: imgBytes},
		}
	case backend.OpImageRestore:
		j.setState(StateVerifying)
		r.audit.Job(ctx, audit.KindJobVerifying, j.ID, string(j.Request.Op), tgt.ID, "", nil)
		res, err = r.verifier.VerifyRestored(ctx, tgt.ID, *sidecar, emit)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	result.Verification = &res
	if !res.Match {
		return &VerificationError{Result: res}
	}
	return nil
}

// startWatchdog arms the idle-progress timer. touch resets it; firing
// cancels the job with an IdleTimeoutError cause.
func (r *Runner) startWatchdog(cancel context.CancelCauseFunc) (touch, stop func()) {
	if r.idleTimeout <= 0 {
		return func() {}, func() {}
	}
	idle := r.idleTimeout
	t := time.AfterFunc(idle, func() {
		cancel(&IdleTimeoutError{Idle: idle})
	})
	return func() { t.Reset(idle) }, func() { t.Stop() }
}

// finish settles the job's terminal state. A cancelled context is unwound
// to its cause so watchdog aborts fail rather than count as cancelled.
// Partial output is retained either way.
func (r *Runner) finish(ctx context.Context, j *Job, err error, result Result) {
	state := StateSucceeded
	if err != nil {
		if errors.Is(err, context.Canceled) {
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				err = cause
			}
		}
		state = StateFailed
		if errors.Is(err, context.Canceled) {
			state = StateCancelled
		}
	}

	j.finish(state, err, result)

	// The job context is already cancelled on the cancel and watchdog
	// paths; terminal records are written on a detached context so they
	// still reach the store.
	auditCtx := context.WithoutCancel(ctx)

	req := j.Request
	switch state {
	case StateSucceeded:
		r.audit.Job(auditCtx, audit.KindJobSucceeded, j.ID, string(req.Op), req.Target, string(state), nil)
		r.log.Info("job succeeded", "job_id", j.ID, "op", req.Op)
	case StateCancelled:
		r.audit.Job(auditCtx, audit.KindJobCancelled, j.ID, string(req.Op), req.Target, string(state), nil)
		r.log.Info("job cancelled", "job_id", j.ID, "op", req.Op)
	default:
		detail := map[string]any{"error": err.Error(), "category": string(Classify(err))}
		r.audit.Job(auditCtx, audit.KindJobFailed, j.ID, string(req.Op), req.Target, string(state), detail)
		r.log.Error("job failed", "job_id", j.ID, "op", req.Op, "error", err)
	}
}

func validate(req Request) error {
	switch req.Op {
	case backend.OpCreatePartition, backend.OpFormat:
		if req.Target == "" {
			return fmt.Errorf("%s requires a target device", req.Op)
		}
		if req.Params.Filesystem == "" {
			return fmt.Errorf("%s requires a filesystem", req.Op)
		}
	case backend.OpDeletePartition:
		if req.Target == "" {
			return fmt.Errorf("%s requires a target partition", req.Op)
		}
	case backend.OpClone:
		if req.Source == "" || req.Target == "" {
			return fmt.Errorf("clone requires a source and a target device")
		}
		if req.Source == req.Target {
			return fmt.Errorf("clone source and target are the same device")
		}
	case backend.OpImageCreate:
		if req.Source == "" {
			return fmt.Errorf("image-create requires a source device")
		}
		if req.Params.DestinationPath == "" {
			return fmt.Errorf("image-create requires a destination path")
		}
	case backend.OpImageRestore:
		if req.Target == "" {
			return fmt.Errorf("image-restore requires a target device")
		}
		if req.Params.DestinationPath == "" {
			return fmt.Errorf("image-restore requires an image path")
		}
	case backend.OpRescueMedia:
		if req.Params.DestinationPath == "" {
			return fmt.Errorf("rescue-media requires an output path")
		}
	default:
		return fmt.Errorf("unknown operation %q", req.Op)
	}
	return nil
}

// readsSourceDevice reports whether the operation reads a source device
// that must be snapshotted and locked.
func readsSourceDevice(op backend.Op) bool {
	return op == backend.OpClone || op == backend.OpImageCreate
}

// gateTarget picks the identifier the confirmation string is built from:
// the device at risk, or the output path for rescue media.
func gateTarget(req Request, src, tgt *device.Descriptor) (string, *device.Descriptor) {
	switch req.Op {
	case backend.OpRescueMedia:
		return req.Params.DestinationPath, nil
	case backend.OpImageCreate:
		return req.Source, src
	default:
		return req.Target, tgt
	}
}

func preflightInput(req Request, src, tgt *device.Descriptor, sidecar *image.Sidecar) safety.Input {
	in := safety.Input{Op: req.Op}
	if req.Target != "" {
		in.Target = tgt
	}
	if readsSourceDevice(req.Op) {
		in.Source = src
	}
	if sidecar != nil {
		in.RestoreSize = sidecar.OriginalSizeBytes
	}
	return in
}

// loadSidecar reads the image metadata next to the restore source. Verified
// restores require it; without verification a missing sidecar only costs
// the capacity check its size bound.
func loadSidecar(req Request) (*image.Sidecar, error) {
	sc, err := image.ReadSidecar(req.Params.DestinationPath)
	if err == nil {
		return &sc, nil
	}
	if req.Verify {
		return nil, fmt.Errorf("verified restore requires image metadata: %w", err)
	}
	return nil, nil
}
