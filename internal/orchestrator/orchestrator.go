// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package orchestrator sequences one BackupRun through the state machine
// in spec.md §4.H: Queued → StoppingDB → Compressing → StartingDB →
// Verifying → Transferring → Completed, diverging to Failed or Cancelled
// at any step with a per-step rollback. It is built with explicit
// references to its collaborators (service, archive, probe, transfer,
// catalog) rather than a DI container, per the REDESIGN FLAGS guidance:
// no global registry, constructor wiring only.
package orchestrator

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/korrelius/coldbackup/internal/alert"
	"github.com/korrelius/coldbackup/internal/archive"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/checksum"
	"github.com/korrelius/coldbackup/internal/offsite"
	"github.com/korrelius/coldbackup/internal/probe"
	"github.com/korrelius/coldbackup/internal/protocol"
	"github.com/korrelius/coldbackup/internal/service"
	"github.com/korrelius/coldbackup/internal/transfer"
)

// minFreeDiskBytes is the pre-flight disk-space threshold; falling below it
// is a warning, not a failure (spec.md §4.H step 1).
const minFreeDiskBytes = 1 << 30

// defaultAlertsPerHour caps the default LogDispatcher-backed alert wrapper
// at a sane rate absent an operator-configured override.
const defaultAlertsPerHour = 30

// rollbackTimeout bounds service-restart calls made during failure/
// cancellation handling. These run on a context detached from the
// caller's cancel signal: a cancelled backup must still get its database
// back, so cleanup is not allowed to inherit the cancellation that
// triggered it.
const rollbackTimeout = 30 * time.Second

// ServiceController is the subset of *service.Controller the orchestrator
// drives; narrowed to an interface so tests can substitute a fake without
// shelling out to systemctl.
type ServiceController interface {
	Describe(ctx context.Context) (*service.Describe, error)
	Stop(ctx context.Context) error
	Start(ctx context.Context) error
}

// ArchiveWriter is the subset of *archive.Writer the orchestrator drives.
type ArchiveWriter interface {
	WriteDirectory(ctx context.Context, srcDir, destPath string) error
}

// Sender is the subset of *transfer.Sender the orchestrator drives.
type Sender interface {
	Send(ctx context.Context, address string, req transfer.Request) error
}

// ProbeFunc verifies database connectivity; satisfied by probe.Verify.
type ProbeFunc func(ctx context.Context, spec probe.ConnSpec) (bool, error)

// ProgressSample is one state-transition progress event (spec.md §4.H
// "Progress"), delivered on a bounded channel the caller drains — no
// listener is allowed to block the orchestrator.
type ProgressSample struct {
	RunID            string
	Status           catalog.RunStatus
	OverallProgress  float64
	CurrentOperation string
}

// Orchestrator sequences Service Controller, Archive Writer, Database
// Probe and Transfer Sender calls for one BackupConfig at a time,
// recording state into the Catalog.
type Orchestrator struct {
	Catalog    *catalog.Store
	ScratchDir string
	Logger     *slog.Logger

	NewService       func(unit string) ServiceController
	NewArchiveWriter func() ArchiveWriter
	Probe            ProbeFunc
	NewSender        func() Sender

	// Offsite mirrors a completed archive to an S3-compatible bucket when
	// cfg.OffsiteBucket is set (SPEC_FULL.md §10). Nil disables mirroring.
	Offsite offsite.Uploader

	// Alert fans terminal run failures out to an external notification
	// collaborator (spec.md §5, §7). Nil disables alerting.
	Alert alert.Dispatcher

	// DialTimeout bounds the validate step's TCP reachability probe
	// against the target receiver.
	DialTimeout time.Duration
}

// New returns an Orchestrator wired to real collaborators: a systemctl
// Controller per BackupConfig.ServiceName, a deflate Archive Writer, the
// MySQL/MariaDB probe, and a Transfer Sender using tlsConfig.
func New(store *catalog.Store, tlsConfig *tls.Config, scratchDir string, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Catalog:    store,
		ScratchDir: scratchDir,
		Logger:     logger,
		NewService: func(unit string) ServiceController { return service.NewController(unit) },
		NewArchiveWriter: func() ArchiveWriter {
			return archive.NewWriter()
		},
		Probe:       probe.Verify,
		NewSender:   func() Sender { return transfer.NewSender(tlsConfig, logger) },
		Alert:       alert.NewRateLimited(alert.LogDispatcher{Logger: logger}, defaultAlertsPerHour),
		DialTimeout: 5 * time.Second,
	}
}

// Execute runs the full state machine for one BackupConfig, returning the
// resulting BackupRun (terminal regardless of success) and an error for
// any non-Completed outcome.
func (o *Orchestrator) Execute(ctx context.Context, cfg *catalog.BackupConfig, progress chan<- ProgressSample) (*catalog.BackupRun, error) {
	run := &catalog.BackupRun{ID: uuid.NewString(), ConfigID: cfg.ID, Status: catalog.RunQueued}
	if err := o.Catalog.CreateBackupRun(ctx, run); err != nil {
		return nil, fmt.Errorf("orchestrator: creating run for config %q: %w", cfg.Name, err)
	}
	o.emit(progress, run, 0, "queued")

	if err := o.validate(ctx, cfg); err != nil {
		return run, o.fail(ctx, run, catalog.RunFailed, err)
	}

	svc := o.NewService(cfg.ServiceName)

	desc, err := svc.Describe(ctx)
	if err != nil {
		return run, o.fail(ctx, run, catalog.RunFailed, fmt.Errorf("%w: %v", ErrPreflight, err))
	}
	if !desc.Exists || !desc.CanStop {
		return run, o.fail(ctx, run, catalog.RunFailed, fmt.Errorf("%w: %s", ErrPreflight, desc.Advisory))
	}

	if err := o.setStatus(ctx, run, progress, catalog.RunStoppingDB, 0.1, "stopping database service"); err != nil {
		return run, err
	}
	if err := svc.Stop(ctx); err != nil {
		// No rollback: the service never left Active, or the failure means
		// it's in an unknown state neither Stop nor Start can safely touch.
		return run, o.fail(ctx, run, catalog.RunFailed, err)
	}

	if err := ctx.Err(); err != nil {
		o.restartBestEffort(svc)
		return run, o.fail(ctx, run, catalog.RunCancelled, err)
	}

	if err := o.setStatus(ctx, run, progress, catalog.RunCompressing, 0.2, "compressing data directory"); err != nil {
		o.restartBestEffort(svc)
		return run, err
	}

	scratchPath := filepath.Join(o.ScratchDir, run.ID+".cba")
	compressErr := o.compress(ctx, cfg.DataDir, scratchPath, progress, run)

	// Compression always attempts a restart before surfacing its error,
	// whether the failure was an I/O error or cooperative cancellation
	// (spec.md §4.H step 4; §5 cancellation-between-3-and-5 rule).
	startErr := o.restartDetached(svc)
	if compressErr != nil {
		if errors.Is(compressErr, context.Canceled) || errors.Is(compressErr, context.DeadlineExceeded) {
			return run, o.fail(ctx, run, catalog.RunCancelled, compressErr)
		}
		return run, o.fail(ctx, run, catalog.RunFailed, fmt.Errorf("%w: %v", ErrCompression, compressErr))
	}
	if startErr != nil {
		os.Remove(scratchPath)
		return run, o.fail(ctx, run, catalog.RunFailed, startErr)
	}

	if err := o.setStatus(ctx, run, progress, catalog.RunStartingDB, 0.5, "restarting database service"); err != nil {
		os.Remove(scratchPath)
		return run, err
	}

	if err := o.setStatus(ctx, run, progress, catalog.RunVerifying, 0.6, "verifying database connectivity"); err != nil {
		os.Remove(scratchPath)
		return run, err
	}
	ok, err := o.Probe(ctx, probe.ConnSpec{
		Host: cfg.ProbeHost, Port: cfg.ProbePort,
		User: cfg.ProbeUser, Password: cfg.ProbePassword, Database: cfg.ProbeDatabase,
	})
	if err != nil || !ok {
		os.Remove(scratchPath)
		verifyErr := ErrVerify
		if err != nil {
			verifyErr = fmt.Errorf("%w: %v", ErrVerify, err)
		}
		return run, o.fail(ctx, run, catalog.RunFailed, verifyErr)
	}

	if err := ctx.Err(); err != nil {
		os.Remove(scratchPath)
		return run, o.fail(ctx, run, catalog.RunCancelled, err)
	}

	digests, err := checksum.SumFile(scratchPath)
	if err != nil {
		os.Remove(scratchPath)
		return run, o.fail(ctx, run, catalog.RunFailed, fmt.Errorf("orchestrator: checksumming archive: %w", err))
	}
	info, err := os.Stat(scratchPath)
	if err != nil {
		os.Remove(scratchPath)
		return run, o.fail(ctx, run, catalog.RunFailed, fmt.Errorf("orchestrator: stat archive: %w", err))
	}

	if err := o.setStatus(ctx, run, progress, catalog.RunTransferring, 0.7, "transferring archive"); err != nil {
		os.Remove(scratchPath)
		return run, err
	}

	if err := o.createChunkRows(ctx, run.ID, uint64(info.Size())); err != nil {
		os.Remove(scratchPath)
		return run, o.fail(ctx, run, catalog.RunFailed, err)
	}

	filename := expandFilename(cfg, time.Now().UTC())
	numChunks := chunkCount(uint64(info.Size()))

	sender := o.NewSender()
	transferErr := sender.Send(ctx, fmt.Sprintf("%s:%d", cfg.TargetHost, cfg.TargetPort), transfer.Request{
		Path:         scratchPath,
		Filename:     filename,
		SourceConfig: cfg.TargetSubdir,
		ClientID:     cfg.TargetClientID,
		ClientSecret: cfg.TargetSecret,
		MD5:          digests.MD5,
		SHA256:       digests.SHA256,
		CreatedAt:    time.Now(),
		OnChunkAck: func(index uint32, success bool) {
			status := catalog.ChunkAcked
			if !success {
				status = catalog.ChunkFailed
			}
			if err := o.Catalog.UpdateTransferChunkStatus(ctx, run.ID, index, status, ""); err != nil {
				o.Logger.Warn("updating transfer chunk status", "run_id", run.ID, "chunk_index", index, "error", err)
			}
			frac := float64(index+1) / float64(numChunks)
			o.emit(progress, run, mapRange(0.7, 0.9, frac), "transferring")
		},
	})

	if transferErr == nil && o.Offsite != nil && cfg.OffsiteBucket != "" {
		if err := o.Offsite.Upload(ctx, cfg.OffsiteBucket, filename, scratchPath); err != nil {
			o.Logger.Error("off-site mirror upload failed", "run_id", run.ID, "bucket", cfg.OffsiteBucket, "error", err)
		}
	}

	os.Remove(scratchPath)

	if transferErr != nil {
		return run, o.fail(ctx, run, catalog.RunFailed, transferErr)
	}

	if err := o.Catalog.FinalizeBackupRun(ctx, run.ID, filename, info.Size(), digests.SHA256); err != nil {
		return run, fmt.Errorf("orchestrator: finalizing run %q: %w", run.ID, err)
	}
	run.Status = catalog.RunCompleted
	run.FilePath = filename
	run.FileSize = info.Size()
	run.Checksum = digests.SHA256
	o.emit(progress, run, 1.0, "completed")
	return run, nil
}

// validate implements spec.md §4.H step 1: required fields, data-directory
// existence and target reachability are hard failures; low free disk space
// is a warning only.
func (o *Orchestrator) validate(ctx context.Context, cfg *catalog.BackupConfig) error {
	if cfg.ServiceName == "" || cfg.DataDir == "" || cfg.TargetHost == "" || cfg.TargetPort == 0 {
		return fmt.Errorf("%w: service_name, data_dir, target_host and target_port are required", ErrValidation)
	}
	if fi, err := os.Stat(cfg.DataDir); err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: data directory %q does not exist", ErrValidation, cfg.DataDir)
	}

	dialTimeout := o.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	address := fmt.Sprintf("%s:%d", cfg.TargetHost, cfg.TargetPort)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", address)
	if err != nil {
		return fmt.Errorf("%w: target receiver %s unreachable: %v", ErrValidation, address, err)
	}
	conn.Close()

	if usage, err := disk.Usage(cfg.DataDir); err == nil && usage.Free < minFreeDiskBytes {
		o.Logger.Warn("low free disk space ahead of backup", "config", cfg.Name, "free_bytes", usage.Free)
	}

	return nil
}

// compress runs the Archive Writer, forwarding its progress into the
// orchestrator's progress sink mapped onto the 20%→50% range.
func (o *Orchestrator) compress(ctx context.Context, srcDir, destPath string, progress chan<- ProgressSample, run *catalog.BackupRun) error {
	writer := o.NewArchiveWriter()

	realWriter, ok := writer.(*archive.Writer)
	if !ok || progress == nil {
		return writer.WriteDirectory(ctx, srcDir, destPath)
	}

	archiveProgress := make(chan archive.Progress, 1)
	realWriter.ProgressSink = archiveProgress
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range archiveProgress {
			frac := 0.0
			if p.TotalBytes > 0 {
				frac = float64(p.ProcessedBytes) / float64(p.TotalBytes)
			}
			o.emit(progress, run, mapRange(0.2, 0.5, frac), "compressing: "+p.CurrentEntry)
		}
	}()

	err := writer.WriteDirectory(ctx, srcDir, destPath)
	close(archiveProgress)
	<-done
	return err
}

// createChunkRows bulk-inserts Pending TransferChunk rows before the
// sender begins (spec.md §4.H step 7).
func (o *Orchestrator) createChunkRows(ctx context.Context, runID string, size uint64) error {
	chunkSize := protocol.DefaultChunkSize(size)
	n := chunkCount(size)
	sizes := make([]uint32, n)
	remaining := size
	for i := 0; i < n; i++ {
		s := uint64(chunkSize)
		if s > remaining {
			s = remaining
		}
		sizes[i] = uint32(s)
		remaining -= s
	}
	return o.Catalog.BulkCreateTransferChunks(ctx, runID, sizes)
}

func chunkCount(size uint64) int {
	chunkSize := uint64(protocol.DefaultChunkSize(size))
	if size == 0 {
		return 1
	}
	n := (size + chunkSize - 1) / chunkSize
	return int(n)
}

func mapRange(lo, hi, frac float64) float64 {
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return lo + (hi-lo)*frac
}

// restartBestEffort is used after a successful stop when the run is
// abandoned before compression starts (cancellation, or a failure to record
// the Compressing status), where no scratch file exists yet and a restart
// failure has nothing further to roll back; it is logged rather than
// propagated since the caller is already returning its own error.
func (o *Orchestrator) restartBestEffort(svc ServiceController) {
	if err := o.restartDetached(svc); err != nil {
		o.Logger.Error("restarting database service after cancellation", "error", err)
	}
}

// restartDetached starts svc on a context bounded by rollbackTimeout but
// detached from the caller's cancellation, so a cancelled run still gets
// its database back.
func (o *Orchestrator) restartDetached(svc ServiceController) error {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	return svc.Start(ctx)
}

func (o *Orchestrator) setStatus(ctx context.Context, run *catalog.BackupRun, progress chan<- ProgressSample, status catalog.RunStatus, overall float64, op string) error {
	if err := o.Catalog.UpdateBackupRunStatus(ctx, run.ID, status, ""); err != nil {
		return fmt.Errorf("orchestrator: updating run %q status to %s: %w", run.ID, status, err)
	}
	run.Status = status
	o.emit(progress, run, overall, op)
	return nil
}

func (o *Orchestrator) emit(progress chan<- ProgressSample, run *catalog.BackupRun, overall float64, op string) {
	if progress == nil {
		return
	}
	sample := ProgressSample{RunID: run.ID, Status: run.Status, OverallProgress: overall, CurrentOperation: op}
	select {
	case progress <- sample:
	default:
	}
}

func (o *Orchestrator) fail(ctx context.Context, run *catalog.BackupRun, status catalog.RunStatus, cause error) error {
	if err := o.Catalog.FailBackupRun(ctx, run.ID, status, cause.Error()); err != nil {
		o.Logger.Error("recording failed run", "run_id", run.ID, "error", err)
	}
	run.Status = status
	run.ErrorMessage = cause.Error()

	// Only genuine failures fan out to alerting — a cooperative cancellation
	// isn't a fault worth paging anyone over (spec.md §5, §7).
	if status == catalog.RunFailed && o.Alert != nil {
		if err := o.Alert.Dispatch(ctx, alert.Event{
			Channel:  "backup-failures",
			Severity: alert.SeverityCritical,
			ConfigID: run.ConfigID,
			RunID:    run.ID,
			Message:  "backup run failed",
			Err:      cause,
		}); err != nil {
			o.Logger.Warn("alert dispatch failed", "run_id", run.ID, "error", err)
		}
	}
	return cause
}
