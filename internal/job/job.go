// Package job admits, serializes, and executes disk operations. Every
// destructive request passes the safety gate and the preflight battery
// before a job exists at all; admitted jobs then queue FIFO per physical
// device so no two jobs ever touch the same disk concurrently.
package job

import (
	"sync"
	"time"

	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/image"
	"github.com/diskforge/diskforge/internal/verify"
)

// State is a job's position in its lifecycle. Transitions are one-way:
// Admitted → Running → (Verifying) → one terminal state.
type State string

const (
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateVerifying State = "verifying"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Params carries the operation-specific knobs of a request.
type Params struct {
	Filesystem      string // create-partition, format
	SizeBytes       int64  // create-partition; 0 means all remaining space
	Label           string // create-partition, format
	Compression     string // image-create; empty picks the best available
	BlockSizeBytes  int64  // block copies; 0 means the engine default
	DestinationPath string // image-create, image-restore, rescue-media
}

// Request describes one operation to admit and run.
type Request struct {
	Op     backend.Op
	Source string // clone source device; image-restore reads DestinationPath
	Target string // device being written; empty for rescue-media
	Params Params

	// Confirmation is the typed confirmation string for destructive
	// operations.
	Confirmation string

	// Verify requests a separate read-back digest pass after the write.
	Verify bool
}

// Result carries what a finished job produced.
type Result struct {
	Sidecar      *image.Sidecar
	Rescue       *backend.RescueResult
	Verification *verify.Result
}

// Job is the handle for one admitted operation. All accessors are safe for
// concurrent use.
type Job struct {
	ID        string
	Request   Request
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	err      error
	result   Result
	progress backend.Progress
	subs     []chan backend.Progress

	cancel func()
	done   chan struct{}
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Err returns the terminal error, nil until the job fails or is cancelled.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Result returns what the job produced. Valid once the job succeeded.
func (j *Job) Result() Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// Progress returns the most recent progress event.
func (j *Job) Progress() backend.Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// Done returns a channel closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel requests cooperative cancellation. In-flight external processes
// are interrupted and given a grace period; partial output is retained.
// Cancelling a finished job is a no-op.
func (j *Job) Cancel() {
	j.cancel()
}

// Subscribe returns a channel of progress events. The stream is finite: it
// is closed when the job finishes and never restarts. Subscribing to a
// finished job yields an already-closed channel. Slow consumers miss events
// rather than stalling the job.
func (j *Job) Subscribe() <-chan backend.Progress {
	ch := make(chan backend.Progress, 64)
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		close(ch)
		return ch
	}
	j.subs = append(j.subs, ch)
	return ch
}

// publish fans an event out to subscribers without blocking.
func (j *Job) publish(p backend.Progress) {
	j.mu.Lock()
	j.progress = p
	subs := j.subs
	j.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	j.state = s
	j.mu.Unlock()
}

// finish moves the job to a terminal state exactly once and closes the
// progress stream.
func (j *Job) finish(s State, err error, result Result) {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return
	}
	j.state = s
	j.err = err
	j.result = result
	subs := j.subs
	j.subs = nil
	j.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	close(j.done)
}
