// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Command coldbackupctl is the administrative CLI for managing backup
// configs, schedules, retention policies, and transfer-boundary client
// credentials against the catalog database (spec.md §3, §4.K, §4.L).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/korrelius/coldbackup/internal/auth"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/config"
	"github.com/korrelius/coldbackup/internal/orchestrator"
	"github.com/korrelius/coldbackup/internal/pki"
	"github.com/korrelius/coldbackup/internal/retention"
	"github.com/korrelius/coldbackup/internal/scheduler"
	"github.com/korrelius/coldbackup/internal/transfer"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	configPath := os.Getenv("COLDBACKUPCTL_CONFIG")
	if configPath == "" {
		configPath = "/etc/coldbackup/ctl.yaml"
	}

	cfg, err := config.LoadCtlConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	store, err := catalog.Open(cfg.Catalog.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening catalog: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()
	cmd := os.Args[1]
	args := os.Args[2:]

	var runErr error
	switch cmd {
	case "login":
		runErr = runLogin(cfg, args)
	case "add-client":
		runErr = runAddClient(ctx, store, args)
	case "list-clients":
		runErr = runListClients(ctx, store)
	case "reset-secret":
		runErr = runResetSecret(ctx, store, args)
	case "disable-client":
		runErr = runDisableClient(ctx, store, args)
	case "add-config":
		runErr = runAddConfig(ctx, store, args)
	case "add-schedule":
		runErr = runAddSchedule(ctx, store, args)
	case "trigger-now":
		runErr = runTriggerNow(ctx, cfg, store, args)
	case "apply-retention":
		runErr = runApplyRetention(ctx, store, args)
	default:
		usage()
		os.Exit(1)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: coldbackupctl <command> [flags]

commands:
  login            mint an operator session token
  add-client       register a transfer-boundary client credential
  list-clients     list registered client credentials
  reset-secret     rotate a client credential's secret
  disable-client   deactivate a client credential
  add-config       register a backup config
  add-schedule     attach a recurrence to a backup config
  trigger-now      dispatch a schedule's backup config immediately
  apply-retention  run every enabled retention policy immediately`)
}

// runLogin issues a short-lived JWT identifying the operator (SPEC_FULL.md
// §10). It never touches the catalog — it just proves the caller holds the
// configured signing secret.
func runLogin(cfg *config.CtlConfig, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	operator := fs.String("operator", "", "operator name to embed in the session token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *operator == "" {
		return fmt.Errorf("-operator is required")
	}

	sessions := auth.NewOperatorSessions(cfg.JWTSecret, cfg.SessionTTL)
	token, err := sessions.Issue(*operator)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runAddClient(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("add-client", flag.ExitOnError)
	clientID := fs.String("client-id", "", "client identifier")
	secret := fs.String("secret", "", "client secret (plaintext, hashed before storage)")
	permissions := fs.String("permissions", catalog.PermissionTransfer, "comma-separated permission list")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" || *secret == "" {
		return fmt.Errorf("-client-id and -secret are required")
	}

	hash, err := auth.HashSecret(*secret)
	if err != nil {
		return err
	}

	cred := &catalog.ClientCredential{
		ClientID:    *clientID,
		SecretHash:  hash,
		Permissions: strings.Split(*permissions, ","),
		IsActive:    true,
	}
	if err := store.PutClientCredential(ctx, cred); err != nil {
		return err
	}
	fmt.Printf("client %q registered\n", *clientID)
	return nil
}

func runListClients(ctx context.Context, store *catalog.Store) error {
	creds, err := store.ListClientCredentials(ctx)
	if err != nil {
		return err
	}
	for _, c := range creds {
		fmt.Printf("%s\tactive=%t\tpermissions=%s\n", c.ClientID, c.IsActive, strings.Join(c.Permissions, ","))
	}
	return nil
}

func runResetSecret(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("reset-secret", flag.ExitOnError)
	clientID := fs.String("client-id", "", "client identifier")
	secret := fs.String("secret", "", "new plaintext secret")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" || *secret == "" {
		return fmt.Errorf("-client-id and -secret are required")
	}

	cred, err := store.GetClientCredential(ctx, *clientID)
	if err != nil {
		return fmt.Errorf("looking up client %q: %w", *clientID, err)
	}
	hash, err := auth.HashSecret(*secret)
	if err != nil {
		return err
	}
	cred.SecretHash = hash
	if err := store.PutClientCredential(ctx, cred); err != nil {
		return err
	}
	fmt.Printf("secret rotated for client %q\n", *clientID)
	return nil
}

func runDisableClient(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("disable-client", flag.ExitOnError)
	clientID := fs.String("client-id", "", "client identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *clientID == "" {
		return fmt.Errorf("-client-id is required")
	}
	if err := store.DisableClientCredential(ctx, *clientID); err != nil {
		return err
	}
	fmt.Printf("client %q disabled\n", *clientID)
	return nil
}

func runAddConfig(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("add-config", flag.ExitOnError)
	name := fs.String("name", "", "backup config name")
	serviceName := fs.String("service", "", "database service name (mysql, postgres, ...)")
	dataDir := fs.String("data-dir", "", "path the archive step compresses")
	targetHost := fs.String("target-host", "", "receiver host")
	targetPort := fs.Int("target-port", 9443, "receiver port")
	targetClientID := fs.String("target-client-id", "", "client credential used against the receiver")
	targetSecret := fs.String("target-secret", "", "client secret used against the receiver")
	namingTemplate := fs.String("naming-template", "", "archive file naming template")
	offsiteBucket := fs.String("offsite-bucket", "", "optional off-site mirror bucket (§10)")
	probeHost := fs.String("probe-host", "", "database coordinates for the post-restart probe")
	probePort := fs.Int("probe-port", 0, "")
	probeUser := fs.String("probe-user", "", "")
	probePassword := fs.String("probe-password", "", "")
	probeDatabase := fs.String("probe-database", "", "")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" || *serviceName == "" || *dataDir == "" || *targetHost == "" {
		return fmt.Errorf("-name, -service, -data-dir and -target-host are required")
	}

	cfg := &catalog.BackupConfig{
		ID:             uuid.NewString(),
		Name:           *name,
		ServiceName:    *serviceName,
		DataDir:        *dataDir,
		TargetHost:     *targetHost,
		TargetPort:     *targetPort,
		TargetClientID: *targetClientID,
		TargetSecret:   *targetSecret,
		NamingTemplate: *namingTemplate,
		OffsiteBucket:  *offsiteBucket,
		ProbeHost:      *probeHost,
		ProbePort:      *probePort,
		ProbeUser:      *probeUser,
		ProbePassword:  *probePassword,
		ProbeDatabase:  *probeDatabase,
		IsActive:       true,
	}
	if err := store.PutBackupConfig(ctx, cfg); err != nil {
		return err
	}
	fmt.Printf("backup config %q registered with id %s\n", *name, cfg.ID)
	return nil
}

func runAddSchedule(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("add-schedule", flag.ExitOnError)
	configName := fs.String("config", "", "backup config name")
	kind := fs.String("kind", "daily", "recurrence kind: hourly, daily, weekly, cron")
	value := fs.String("value", "1", "interval count, or cron expression when kind=cron")
	anchor := fs.String("anchor", "", "HH:MM anchor time for daily/weekly recurrences")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configName == "" {
		return fmt.Errorf("-config is required")
	}

	backupCfg, err := store.GetBackupConfigByName(ctx, *configName)
	if err != nil {
		return fmt.Errorf("looking up config %q: %w", *configName, err)
	}

	sched := &catalog.Schedule{
		ID:              uuid.NewString(),
		ConfigID:        backupCfg.ID,
		Enabled:         true,
		RecurrenceKind:  catalog.RecurrenceKind(*kind),
		RecurrenceValue: *value,
		AnchorTime:      *anchor,
	}
	if err := store.PutSchedule(ctx, sched); err != nil {
		return err
	}
	fmt.Printf("schedule %s registered for config %q\n", sched.ID, *configName)
	return nil
}

// runTriggerNow dispatches scheduleID's backup config through a real
// Orchestrator immediately, via the same Scheduler.TriggerNow the tick loop
// uses — it does not merely nudge NextFireAt and hope a separate daemon
// picks it up, since coldbackupctl may be the only thing running.
func runTriggerNow(ctx context.Context, cfg *config.CtlConfig, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("trigger-now", flag.ExitOnError)
	scheduleID := fs.String("schedule-id", "", "schedule identifier to fire immediately")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *scheduleID == "" {
		return fmt.Errorf("-schedule-id is required")
	}

	tlsConfig, err := pki.NewSenderTLSConfig(cfg.TLS.CACert, cfg.TLS.ClientCert, cfg.TLS.ClientKey)
	if err != nil {
		return fmt.Errorf("building orchestrator TLS config: %w", err)
	}
	orch := orchestrator.New(store, tlsConfig, cfg.ScratchDir, nil)
	orch.NewSender = func() orchestrator.Sender {
		sender := transfer.NewSender(tlsConfig, nil)
		sender.Backoff = transfer.Backoff{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Jitter:       cfg.Retry.Jitter,
		}
		return sender
	}
	sched := scheduler.New(store, orch, nil)

	run, err := sched.TriggerNow(ctx, *scheduleID)
	if err != nil {
		return fmt.Errorf("triggering schedule %q: %w", *scheduleID, err)
	}
	fmt.Printf("run %s finished with status %s\n", run.ID, run.Status)
	return nil
}

func runApplyRetention(ctx context.Context, store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("apply-retention", flag.ExitOnError)
	storageDir := fs.String("storage-dir", "", "base directory the retention policies resolve relative file paths against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storageDir == "" {
		return fmt.Errorf("-storage-dir is required")
	}

	engine := retention.New(store, *storageDir, nil)
	result, err := engine.ExecuteAll(ctx)
	if err != nil {
		return err
	}
	for _, outcome := range result.Outcomes {
		fmt.Printf("policy %q: %d files, %d bytes reclaimed, %d errors\n",
			outcome.PolicyName, outcome.Impact.Files, outcome.Impact.Bytes, len(outcome.Errors))
	}
	if n := result.TotalErrors(); n > 0 {
		return fmt.Errorf("%d policy errors", n)
	}
	return nil
}
