// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/korrelius/coldbackup/internal/alert"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/probe"
	"github.com/korrelius/coldbackup/internal/service"
	"github.com/korrelius/coldbackup/internal/transfer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeService struct {
	describe    *service.Describe
	describeErr error
	stopErr     error
	startErr    error
	stopCalls   int
	startCalls  int
}

func (f *fakeService) Describe(ctx context.Context) (*service.Describe, error) {
	return f.describe, f.describeErr
}
func (f *fakeService) Stop(ctx context.Context) error {
	f.stopCalls++
	return f.stopErr
}
func (f *fakeService) Start(ctx context.Context) error {
	f.startCalls++
	return f.startErr
}

type fakeArchiveWriter struct {
	err error
}

func (f *fakeArchiveWriter) WriteDirectory(ctx context.Context, srcDir, destPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, []byte("archive-bytes"), 0644)
}

type fakeSender struct {
	err   error
	calls []transfer.Request
}

func (f *fakeSender) Send(ctx context.Context, address string, req transfer.Request) error {
	f.calls = append(f.calls, req)
	if req.OnChunkAck != nil {
		req.OnChunkAck(0, true)
	}
	return f.err
}

type recordingDispatcher struct {
	events []alert.Event
}

func (r *recordingDispatcher) Dispatch(_ context.Context, ev alert.Event) error {
	r.events = append(r.events, ev)
	return nil
}

func newTestStore(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func reachableListener(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func baseConfig(t *testing.T, store *catalog.Store) *catalog.BackupConfig {
	t.Helper()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dataDir, "a.ibd"), []byte("table-bytes"), 0644); err != nil {
		t.Fatalf("seeding data dir: %v", err)
	}
	host, port := reachableListener(t)

	cfg := &catalog.BackupConfig{
		Name:           "app-db",
		ServiceName:    "mariadb",
		DataDir:        dataDir,
		TargetHost:     host,
		TargetPort:     port,
		TargetClientID: "orch-1",
		TargetSecret:   "s3cret",
		IsActive:       true,
	}
	if err := store.PutBackupConfig(context.Background(), cfg); err != nil {
		t.Fatalf("PutBackupConfig: %v", err)
	}
	return cfg
}

func testOrchestrator(store *catalog.Store, scratchDir string, svc *fakeService, archiveErr error, probeOK bool, probeErr error, sender *fakeSender) *Orchestrator {
	return &Orchestrator{
		Catalog:    store,
		ScratchDir: scratchDir,
		Logger:     discardLogger(),
		NewService: func(unit string) ServiceController { return svc },
		NewArchiveWriter: func() ArchiveWriter {
			return &fakeArchiveWriter{err: archiveErr}
		},
		Probe: func(ctx context.Context, spec probe.ConnSpec) (bool, error) {
			return probeOK, probeErr
		},
		NewSender: func() Sender { return sender },
	}
}

func TestExecute_HappyPath(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	sender := &fakeSender{}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, sender)

	progress := make(chan ProgressSample, 32)
	run, err := o.Execute(context.Background(), cfg, progress)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if run.Status != catalog.RunCompleted {
		t.Fatalf("expected Completed, got %s", run.Status)
	}
	if run.FileSize == 0 {
		t.Error("expected non-zero file size recorded")
	}
	if svc.stopCalls != 1 || svc.startCalls != 1 {
		t.Errorf("expected one stop and one start, got stop=%d start=%d", svc.stopCalls, svc.startCalls)
	}
	if len(sender.calls) != 1 {
		t.Fatalf("expected one transfer attempt, got %d", len(sender.calls))
	}

	chunks, err := store.ListTransferChunks(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("ListTransferChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Status != catalog.ChunkAcked {
		t.Fatalf("expected one acked chunk row, got %+v", chunks)
	}

	if _, err := os.Stat(filepath.Join(o.ScratchDir, run.ID+".cba")); !os.IsNotExist(err) {
		t.Error("expected scratch file to be cleaned up")
	}
}

func TestExecute_PreflightAbortsOnMissingService(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: false, Advisory: "service not found"}}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status)
	}
	if svc.stopCalls != 0 {
		t.Errorf("expected no stop attempt, got %d", svc.stopCalls)
	}
}

func TestExecute_PreflightAbortsOnCanStopFalse(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: false, Advisory: "requires privilege escalation"}}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if err == nil || run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed with error, got status=%s err=%v", run.Status, err)
	}
}

func TestExecute_ValidationFailsOnMissingDataDir(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	cfg.DataDir = filepath.Join(cfg.DataDir, "does-not-exist")
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status)
	}
	if svc.stopCalls != 0 {
		t.Errorf("validation failure must not touch the service, stop calls = %d", svc.stopCalls)
	}
}

func TestExecute_CompressionFailureAlwaysRestarts(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	o := testOrchestrator(store, t.TempDir(), svc, errors.New("disk full"), true, nil, &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrCompression) {
		t.Fatalf("expected ErrCompression, got %v", err)
	}
	if run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status)
	}
	if svc.startCalls != 1 {
		t.Errorf("expected restart attempt after compression failure, start calls = %d", svc.startCalls)
	}
}

func TestExecute_CancelledDuringCompressionRestartsAndReportsCancelled(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	// The archive writer reports a cancellation-shaped error, simulating
	// the caller's context being cancelled mid-compression; the outer ctx
	// passed to Execute stays live so stop/validate succeed beforehand.
	o := testOrchestrator(store, t.TempDir(), svc, context.Canceled, true, nil, &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if run.Status != catalog.RunCancelled {
		t.Fatalf("expected Cancelled, got %s", run.Status)
	}
	if svc.startCalls != 1 {
		t.Errorf("expected restart attempt after cancellation, start calls = %d", svc.startCalls)
	}
}

func TestExecute_VerifyFailureDeletesScratchAndDoesNotRestopDB(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	o := testOrchestrator(store, t.TempDir(), svc, nil, false, errors.New("connection refused"), &fakeSender{})

	run, err := o.Execute(context.Background(), cfg, nil)
	if !errors.Is(err, ErrVerify) {
		t.Fatalf("expected ErrVerify, got %v", err)
	}
	if run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status)
	}
	if svc.stopCalls != 1 {
		t.Errorf("verify failure must not re-stop the database, stop calls = %d", svc.stopCalls)
	}
	if _, statErr := os.Stat(filepath.Join(o.ScratchDir, run.ID+".cba")); !os.IsNotExist(statErr) {
		t.Error("expected scratch file to be removed on verify failure")
	}
}

func TestExecute_TransferFailureDeletesScratch(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	sender := &fakeSender{err: errors.New("connection reset")}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, sender)

	run, err := o.Execute(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected transfer error")
	}
	if run.Status != catalog.RunFailed {
		t.Fatalf("expected Failed, got %s", run.Status)
	}
	if _, statErr := os.Stat(filepath.Join(o.ScratchDir, run.ID+".cba")); !os.IsNotExist(statErr) {
		t.Error("expected scratch file to be removed on transfer failure")
	}
}

func TestExecute_FailedRunDispatchesAlert(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: false, Advisory: "service not found"}}
	o := testOrchestrator(store, t.TempDir(), svc, nil, true, nil, &fakeSender{})
	rec := &recordingDispatcher{}
	o.Alert = rec

	run, err := o.Execute(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected exactly one alert dispatched, got %d", len(rec.events))
	}
	if rec.events[0].RunID != run.ID {
		t.Errorf("expected alert for run %q, got %q", run.ID, rec.events[0].RunID)
	}
}

func TestExecute_CancelledRunDoesNotDispatchAlert(t *testing.T) {
	store := newTestStore(t)
	cfg := baseConfig(t, store)
	svc := &fakeService{describe: &service.Describe{Exists: true, CanStop: true}}
	o := testOrchestrator(store, t.TempDir(), svc, context.Canceled, true, nil, &fakeSender{})
	rec := &recordingDispatcher{}
	o.Alert = rec

	run, err := o.Execute(context.Background(), cfg, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if run.Status != catalog.RunCancelled {
		t.Fatalf("expected Cancelled, got %s", run.Status)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no alert dispatched for a cancelled run, got %d", len(rec.events))
	}
}
