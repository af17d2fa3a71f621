// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

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

	"github.com/korrelius/coldbackup/internal/auth"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/chunkmanager"
	"github.com/korrelius/coldbackup/internal/config"
	"github.com/korrelius/coldbackup/internal/logging"
	"github.com/korrelius/coldbackup/internal/pki"
	"github.com/korrelius/coldbackup/internal/retention"
	"github.com/korrelius/coldbackup/internal/transfer"
)

const retentionSweepInterval = 1 * time.Hour

func main() {
	configPath := flag.String("config", "/etc/coldbackup/receiver.yaml", "path to receiver config file")
	flag.Parse()

	cfg, err := config.LoadReceiverConfig(*configPath)
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

	tlsConfig, err := pki.NewReceiverTLSConfig(cfg.TLS.CACert, cfg.TLS.ServerCert, cfg.TLS.ServerKey)
	if err != nil {
		logger.Error("building receiver TLS config", "error", err)
		os.Exit(1)
	}

	storages := make(map[string]chunkmanager.StorageConfig, len(cfg.Storages))
	for name, s := range cfg.Storages {
		storages[name] = chunkmanager.StorageConfig{
			BaseDir:        s.BaseDir,
			LayoutStrategy: chunkmanager.LayoutStrategy(s.LayoutStrategy),
			PathTemplate:   s.PathTemplate,
		}
	}
	manager := chunkmanager.New(cfg.ScratchDir, storages, cfg.SessionTTL)
	authenticator := auth.New(store, logger)

	receiver := transfer.NewReceiver(cfg.Listen.Address, tlsConfig, manager, authenticator, cfg.DefaultStorage, logger)
	receiver.MaxConns = cfg.MaxConns

	retentionEngine := retention.New(store, cfg.Storages[cfg.DefaultStorage].BaseDir, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	go runRetentionSweeps(ctx, retentionEngine, logger)

	logger.Info("starting receiver", "address", cfg.Listen.Address, "default_storage", cfg.DefaultStorage)
	if err := receiver.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("receiver error", "error", err)
		os.Exit(1)
	}
}

// runRetentionSweeps applies every enabled RetentionPolicy on a fixed
// interval until ctx is cancelled. The receiver owns the physical storage
// directories, so the retention engine runs here rather than alongside the
// orchestrator.
func runRetentionSweeps(ctx context.Context, engine *retention.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := engine.ExecuteAll(ctx)
			if err != nil {
				logger.Error("retention sweep failed", "error", err)
				continue
			}
			var filesDeleted int
			var bytesReclaimed int64
			for _, outcome := range result.Outcomes {
				filesDeleted += outcome.Impact.Files
				bytesReclaimed += outcome.Impact.Bytes
			}
			logger.Info("retention sweep complete",
				"policies_evaluated", len(result.Outcomes),
				"files_deleted", filesDeleted,
				"bytes_reclaimed", bytesReclaimed,
				"errors", result.TotalErrors())
		}
	}
}
