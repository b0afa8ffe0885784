package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/diskforge/diskforge/internal/audit"
	"github.com/diskforge/diskforge/internal/backend"
	"github.com/diskforge/diskforge/internal/config"
	"github.com/diskforge/diskforge/internal/job"
	"github.com/diskforge/diskforge/internal/safety"
	"github.com/diskforge/diskforge/internal/verify"
)

// engine bundles the wired-up components a command needs.
type engine struct {
	cfg     config.Config
	backend backend.Backend
	gate    *safety.Gate
	runner  *job.Runner
	store   *audit.Store
	auditor *audit.Logger
	log     *slog.Logger
}

// newBackend builds the platform backend. Tests substitute their own.
var newBackend = func() backend.Backend {
	return backend.New(backend.ExecRunner{})
}

// setupLogging configures the process logger on stderr and returns it.
func setupLogging(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	log := slog.New(handler)
	slog.SetDefault(log)
	return log
}

// newEngine loads config and wires the full stack. The returned cleanup
// closes the audit store and must be called before exit.
func newEngine(opts *RootOptions) (*engine, func(), error) {
	log := setupLogging(opts.Verbose)

	cfg, err := config.Load(configPath(opts))
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	b := newBackend()
	gate := safety.NewGate(cfg.DangerModeTimeout.Std())
	checker := safety.NewChecker(b, cfg.BatteryWarnPercent)

	// Audit persistence is best effort: a broken database degrades to a
	// warning, never blocks the command.
	var store *audit.Store
	if cfg.AuditDBPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.AuditDBPath), 0o755); err != nil {
			log.Warn("cannot create audit directory; auditing disabled", "error", err)
		} else if store, err = audit.Open(cfg.AuditDBPath); err != nil {
			log.Warn("cannot open audit database; auditing disabled", "error", err)
			store = nil
		}
	}
	auditor := audit.NewLogger(store, log)

	runner := job.NewRunner(job.Options{
		Backend:     b,
		Gate:        gate,
		Checker:     checker,
		Verifier:    &verify.Engine{BlockSize: cfg.BlockSizeBytes},
		Audit:       auditor,
		Log:         log,
		BlockSize:   cfg.BlockSizeBytes,
		IdleTimeout: cfg.IdleTimeout.Std(),
	})

	cleanup := func() {
		if store != nil {
			if err := store.Close(); err != nil {
				log.Error("error closing audit database", "error", err)
			}
		}
	}

	return &engine{
		cfg:     cfg,
		backend: b,
		gate:    gate,
		runner:  runner,
		store:   store,
		auditor: auditor,
		log:     log,
	}, cleanup, nil
}

// configPath resolves the config file location: the --config flag, or the
// per-user default.
func configPath(opts *RootOptions) string {
	if opts.Config != "" {
		return opts.Config
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "diskforge.yaml"
	}
	return filepath.Join(dir, "diskforge", "config.yaml")
}

// formatter builds the output formatter for a command's writers.
func formatter(opts *RootOptions, out, errOut io.Writer) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    out,
		ErrWriter: errOut,
		Verbose:   opts.Verbose,
	}
}

// armGate applies the acknowledgment phrase from the safety flags. A
// successful arm lands in the audit trail under the session.
func armGate(ctx context.Context, eng *engine, ack string) error {
	if ack == "" {
		return nil
	}
	if !eng.gate.EnableDangerMode(ack) {
		return NewExitError(ExitSafetyViolation,
			fmt.Sprintf("acknowledgment does not match %q; Danger Mode not armed", safety.Acknowledgment))
	}
	eng.auditor.Record(ctx, audit.Event{Kind: audit.KindDangerModeArmed})
	return nil
}
