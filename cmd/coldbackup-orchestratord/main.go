// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Command coldbackup-orchestratord is the Scheduler/Orchestrator daemon
// (spec.md §4.H, §4.I): it ticks due schedules and drives each one through
// the full backup state machine. This is the core data flow spec.md §1
// describes — "Scheduler (I) fires → Orchestrator (H) → ...".
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/config"
	"github.com/korrelius/coldbackup/internal/logging"
	"github.com/korrelius/coldbackup/internal/orchestrator"
	"github.com/korrelius/coldbackup/internal/pki"
	"github.com/korrelius/coldbackup/internal/scheduler"
	"github.com/korrelius/coldbackup/internal/transfer"
)

// staleRunCutoff bounds how long a non-terminal run may sit untouched
// before startup recovery treats it as crashed (spec.md §3).
const staleRunCutoff = 6 * time.Hour

func main() {
	configPath := flag.String("config", "/etc/coldbackup/orchestrator.yaml", "path to orchestrator config file")
	once := flag.String("trigger-once", "", "run the given schedule id immediately and exit, skipping the tick loop")
	flag.Parse()

	cfg, err := config.LoadOrchestratorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		logger.Error("opening catalog", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	tlsConfig, err := pki.NewSenderTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		logger.Error("building orchestrator TLS config", "error", err)
		os.Exit(1)
	}

	orch := orchestrator.New(store, tlsConfig, cfg.ScratchDir, logger)
	orch.NewSender = func() orchestrator.Sender {
		sender := transfer.NewSender(tlsConfig, logger)
		sender.Backoff = transfer.Backoff{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Jitter:       cfg.Retry.Jitter,
		}
		return sender
	}

	ctx := context.Background()
	reclaimStaleRuns(ctx, store, logger)

	sched := scheduler.New(store, orch, logger)
	sched.TickInterval = cfg.TickInterval

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if *once != "" {
		run, err := sched.TriggerNow(runCtx, *once)
		if err != nil {
			logger.Error("trigger-once failed", "schedule_id", *once, "error", err)
			os.Exit(1)
		}
		logger.Info("trigger-once completed", "schedule_id", *once, "run_id", run.ID, "status", run.Status)
		return
	}

	logger.Info("starting orchestrator daemon", "tick_interval", cfg.TickInterval)
	sched.Run(runCtx)
	sched.Stop()
}

// reclaimStaleRuns fails any run left in a non-terminal status by a prior
// crash, so the retention engine and operators never see a run stuck
// mid-flight forever (spec.md §3).
func reclaimStaleRuns(ctx context.Context, store *catalog.Store, logger *slog.Logger) {
	stale, err := store.ListStaleNonTerminalRuns(ctx, time.Now().UTC().Add(-staleRunCutoff))
	if err != nil {
		logger.Error("listing stale non-terminal runs", "error", err)
		return
	}
	for _, run := range stale {
		if err := store.FailBackupRun(ctx, run.ID, catalog.RunFailed, "reclaimed on daemon startup: run left non-terminal by a prior process exit"); err != nil {
			logger.Error("reclaiming stale run", "run_id", run.ID, "error", err)
			continue
		}
		logger.Info("reclaimed stale non-terminal run", "run_id", run.ID, "config_id", run.ConfigID, "previous_status", run.Status)
	}
}
