// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package retention implements the Retention Engine (spec.md §4.J): an
// age/count/storage intersection over completed BackupRuns that deletes
// both the physical backup file and its catalog row.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/korrelius/coldbackup/internal/catalog"
)

// Engine applies RetentionPolicy rows against the catalog's completed
// runs. StorageDir is the base directory BackupRun.FilePath is resolved
// against before deletion (the receiver's default storage's BaseDir — the
// Retention Engine runs alongside the storage it prunes).
type Engine struct {
	Catalog    *catalog.Store
	StorageDir string
	Logger     *slog.Logger
}

// New returns an Engine rooted at storageDir.
func New(store *catalog.Store, storageDir string, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{Catalog: store, StorageDir: storageDir, Logger: logger}
}

// Impact summarizes what a policy pass would do (EstimateImpact) or did
// (one policy's contribution to ExecuteAll).
type Impact struct {
	Files    int
	Bytes    int64
	Warnings []string
}

// PolicyOutcome is one policy's result within ExecuteAll.
type PolicyOutcome struct {
	PolicyID   string
	PolicyName string
	Impact     Impact
	Errors     []error
}

// ExecutionResult aggregates every enabled policy's outcome; one policy's
// errors never prevent the others from running (spec.md §4.J).
type ExecutionResult struct {
	Outcomes []PolicyOutcome
}

// TotalErrors returns the number of errors recorded across every policy in
// the result.
func (r *ExecutionResult) TotalErrors() int {
	n := 0
	for _, o := range r.Outcomes {
		n += len(o.Errors)
	}
	return n
}

// EstimateImpact runs the retention pass for one policy without mutating
// any state, returning what it would delete.
func (e *Engine) EstimateImpact(ctx context.Context, policy *catalog.RetentionPolicy) (*Impact, error) {
	runs, err := e.Catalog.ListCompletedRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: estimating impact: %w", err)
	}

	impact := &Impact{}
	now := time.Now().UTC()
	keptCount, keptBytes := 0, int64(0)

	for _, run := range runs {
		if retain(policy, run, now, keptCount, keptBytes) {
			keptCount++
			keptBytes += run.FileSize
			continue
		}
		impact.Files++
		impact.Bytes += run.FileSize
		if _, err := os.Stat(e.resolvePath(run.FilePath)); err != nil {
			impact.Warnings = append(impact.Warnings,
				fmt.Sprintf("run %s: backup file %q already missing on disk", run.ID, run.FilePath))
		}
	}
	return impact, nil
}

// ExecuteAll applies every enabled policy in order, deleting non-retained
// runs' files and catalog rows. A failure in one policy is recorded in its
// PolicyOutcome and does not stop the remaining policies from running.
func (e *Engine) ExecuteAll(ctx context.Context) (*ExecutionResult, error) {
	policies, err := e.Catalog.ListEnabledRetentionPolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("retention: listing enabled policies: %w", err)
	}

	result := &ExecutionResult{}
	for _, policy := range policies {
		result.Outcomes = append(result.Outcomes, e.executePolicy(ctx, policy))
	}
	return result, nil
}

// executePolicy runs one policy's pass, observing a single consistent
// snapshot of completed runs read at the start (spec.md §5 "Retention
// Engine observes a consistent snapshot per policy pass").
func (e *Engine) executePolicy(ctx context.Context, policy *catalog.RetentionPolicy) PolicyOutcome {
	outcome := PolicyOutcome{PolicyID: policy.ID, PolicyName: policy.Name}

	runs, err := e.Catalog.ListCompletedRuns(ctx)
	if err != nil {
		outcome.Errors = append(outcome.Errors, fmt.Errorf("listing completed runs: %w", err))
		return outcome
	}

	now := time.Now().UTC()
	keptCount, keptBytes := 0, int64(0)

	for _, run := range runs {
		if retain(policy, run, now, keptCount, keptBytes) {
			keptCount++
			keptBytes += run.FileSize
			continue
		}

		path := e.resolvePath(run.FilePath)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			outcome.Errors = append(outcome.Errors, fmt.Errorf("run %s: removing %q: %w", run.ID, path, err))
			continue
		}
		if err := e.Catalog.DeleteBackupRun(ctx, run.ID); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Errorf("run %s: deleting catalog row: %w", run.ID, err))
			continue
		}

		outcome.Impact.Files++
		outcome.Impact.Bytes += run.FileSize
		e.Logger.Info("retention deleted backup run", "policy", policy.Name, "run_id", run.ID, "file", run.FilePath)
	}
	return outcome
}

// retain reports whether run passes every constraint policy sets — the
// narrowing intersection of spec.md §4.J step 3.
func retain(policy *catalog.RetentionPolicy, run *catalog.BackupRun, now time.Time, keptCount int, keptBytes int64) bool {
	if policy.MaxAgeDays != nil {
		maxAge := time.Duration(*policy.MaxAgeDays) * 24 * time.Hour
		if now.Sub(run.StartedAt) > maxAge {
			return false
		}
	}
	if policy.MaxCount != nil && keptCount >= *policy.MaxCount {
		return false
	}
	if policy.MaxStorageBytes != nil && keptBytes+run.FileSize > *policy.MaxStorageBytes {
		return false
	}
	return true
}

func (e *Engine) resolvePath(filePath string) string {
	if e.StorageDir == "" || filepath.IsAbs(filePath) {
		return filePath
	}
	return filepath.Join(e.StorageDir, filePath)
}
