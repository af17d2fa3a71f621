// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package scheduler implements the Scheduler (spec.md §4.I): a single 60s
// tick loop that fires due BackupConfigs, never permitting two in-flight
// runs for the same config.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/orchestrator"
)

// defaultTickInterval is the scheduler's tick period (spec.md §4.I).
const defaultTickInterval = 60 * time.Second

// defaultStopGrace bounds how long Stop waits for in-flight runs before
// cancelling them (spec.md §5 "Scheduler stop waits ... up to a bounded
// grace, then cancels them").
const defaultStopGrace = 5 * time.Minute

// Dispatcher is the subset of *orchestrator.Orchestrator the scheduler
// drives; narrowed to an interface so tests can substitute a fake without
// running the real state machine.
type Dispatcher interface {
	Execute(ctx context.Context, cfg *catalog.BackupConfig, progress chan<- orchestrator.ProgressSample) (*catalog.BackupRun, error)
}

// Scheduler drives one background tick loop over catalog.Schedule rows,
// dispatching due configs to a Dispatcher under a per-config mutex.
type Scheduler struct {
	Catalog      *catalog.Store
	Dispatcher   Dispatcher
	Logger       *slog.Logger
	TickInterval time.Duration
	StopGrace    time.Duration

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc // configID -> cancel for its run
	wg       sync.WaitGroup
}

// New returns a Scheduler wired to store and dispatcher with spec-default
// timing.
func New(store *catalog.Store, dispatcher Dispatcher, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Catalog:      store,
		Dispatcher:   dispatcher,
		Logger:       logger,
		TickInterval: defaultTickInterval,
		StopGrace:    defaultStopGrace,
		inFlight:     make(map[string]context.CancelFunc),
	}
}

// Run blocks, ticking every TickInterval, until ctx is cancelled. Callers
// typically invoke this in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	interval := s.TickInterval
	if interval <= 0 {
		interval = defaultTickInterval
	}
	s.Logger.Info("scheduler started", "tick_interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Logger.Info("scheduler tick loop stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Stop waits for in-flight runs to finish, up to StopGrace; any run still
// running after the grace period is cancelled.
func (s *Scheduler) Stop() {
	grace := s.StopGrace
	if grace <= 0 {
		grace = defaultStopGrace
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.Logger.Info("scheduler stopped gracefully")
	case <-time.After(grace):
		s.Logger.Warn("scheduler stop grace period exceeded, cancelling in-flight runs")
		s.cancelAll()
		<-done
	}
}

// tick loads the due-set and dispatches each entry (spec.md §4.I steps
// 1-2).
func (s *Scheduler) tick(ctx context.Context) {
	due, err := s.Catalog.ListDueSchedules(ctx, time.Now().UTC())
	if err != nil {
		s.Logger.Error("listing due schedules", "error", err)
		return
	}
	for _, sc := range due {
		s.dispatch(sc)
	}
}

// dispatch starts sc's run in its own goroutine, skipping it if a run is
// already in flight for its BackupConfig.
func (s *Scheduler) dispatch(sc *catalog.Schedule) {
	// Detached from the tick's own context: a fired run must outlive the
	// tick call that launched it.
	runCtx, cancel, ok := s.acquire(context.Background(), sc.ConfigID)
	if !ok {
		s.Logger.Debug("skipping schedule, run already in flight", "config_id", sc.ConfigID, "schedule_id", sc.ID)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(sc.ConfigID)
		defer cancel()
		s.runOnce(runCtx, sc)
	}()
}

// runOnce executes one fire of sc and advances its fire times regardless
// of outcome (spec.md §4.I step 3).
func (s *Scheduler) runOnce(ctx context.Context, sc *catalog.Schedule) {
	logger := s.Logger.With("config_id", sc.ConfigID, "schedule_id", sc.ID)

	cfg, err := s.Catalog.GetBackupConfig(ctx, sc.ConfigID)
	if err != nil {
		logger.Error("loading backup config for scheduled run", "error", err)
		s.advance(ctx, sc, logger)
		return
	}

	logger.Info("scheduled backup firing")
	start := time.Now()
	_, err = s.Dispatcher.Execute(ctx, cfg, nil)
	duration := time.Since(start)
	if err != nil {
		logger.Error("scheduled backup failed", "error", err, "duration", duration)
	} else {
		logger.Info("scheduled backup completed", "duration", duration)
	}

	s.advance(ctx, sc, logger)
}

// advance sets last_fire_at = now and recomputes next_fire_at, whether or
// not the run succeeded, so a persistently broken config never monopolizes
// the loop.
func (s *Scheduler) advance(ctx context.Context, sc *catalog.Schedule, logger *slog.Logger) {
	now := time.Now().UTC()
	next, err := nextFireAt(sc, now)
	if err != nil {
		logger.Error("recomputing next fire time", "error", err)
		return
	}
	sc.LastFireAt = &now
	sc.NextFireAt = &next
	if err := s.Catalog.PutSchedule(ctx, sc); err != nil {
		logger.Error("persisting schedule fire times", "error", err)
	}
}

// AddOrUpdateSchedule validates sc's recurrence and, if enabled, computes
// its initial next_fire_at before writing (spec.md §4.I).
func (s *Scheduler) AddOrUpdateSchedule(ctx context.Context, sc *catalog.Schedule) error {
	if !sc.Enabled {
		sc.NextFireAt = nil
		return s.Catalog.PutSchedule(ctx, sc)
	}
	if err := validateRecurrence(sc); err != nil {
		return err
	}
	base := sc.CreatedAt
	if sc.LastFireAt != nil {
		base = *sc.LastFireAt
	}
	if base.IsZero() {
		base = time.Now().UTC()
	}
	next, err := nextFireAt(sc, base)
	if err != nil {
		return err
	}
	sc.NextFireAt = &next
	return s.Catalog.PutSchedule(ctx, sc)
}

// TriggerNow dispatches scheduleID's config immediately, bypassing the
// tick but still honoring the per-config non-overlap mutex.
func (s *Scheduler) TriggerNow(ctx context.Context, scheduleID string) (*catalog.BackupRun, error) {
	sc, err := s.Catalog.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: trigger now: %w", err)
	}

	runCtx, cancel, ok := s.acquire(ctx, sc.ConfigID)
	if !ok {
		return nil, ErrRunInFlight
	}
	defer cancel()
	defer s.release(sc.ConfigID)

	cfg, err := s.Catalog.GetBackupConfig(runCtx, sc.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("scheduler: trigger now: loading config: %w", err)
	}

	run, runErr := s.Dispatcher.Execute(runCtx, cfg, nil)
	s.advance(runCtx, sc, s.Logger.With("config_id", sc.ConfigID, "schedule_id", sc.ID))
	return run, runErr
}

// NextAcrossAll returns the earliest next_fire_at over all enabled
// schedules, or nil if none are enabled.
func (s *Scheduler) NextAcrossAll(ctx context.Context) (*time.Time, error) {
	scs, err := s.Catalog.ListEnabledSchedules(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: next across all: %w", err)
	}
	var min *time.Time
	for _, sc := range scs {
		if sc.NextFireAt == nil {
			continue
		}
		if min == nil || sc.NextFireAt.Before(*min) {
			min = sc.NextFireAt
		}
	}
	return min, nil
}

// acquire claims the non-overlap slot for configID, returning a context the
// caller's run should use (cancelled by Stop's grace-period cutover) and
// whether the claim succeeded.
func (s *Scheduler) acquire(parent context.Context, configID string) (context.Context, context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[configID]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	s.inFlight[configID] = cancel
	return ctx, cancel, true
}

func (s *Scheduler) release(configID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, configID)
}

func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cancel := range s.inFlight {
		cancel()
	}
}
