// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const timeFormat = time.RFC3339Nano

// ErrNotFound is returned when a Get by id finds no row.
var ErrNotFound = errors.New("catalog: not found")

// Store is a SQLite-backed implementation of the catalog. All writes are
// single-row atomic per spec.md §5; it holds no in-memory cache.
type Store struct {
	db *sql.DB
}

// Open creates the catalog database (and parent directory) at path if
// necessary, and applies any pending migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set foreign_keys: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(timeFormat)
	return &v
}

func parseTimePtr(v *string) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, *v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// --- BackupConfig ---

func (s *Store) PutBackupConfig(ctx context.Context, c *BackupConfig) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_configs (
			id, name, service_name, data_dir, target_host, target_port,
			target_client_id, target_secret, target_subdir, naming_template,
			offsite_bucket, is_active, created_at, updated_at,
			probe_host, probe_port, probe_user, probe_password, probe_database
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			service_name = excluded.service_name,
			data_dir = excluded.data_dir,
			target_host = excluded.target_host,
			target_port = excluded.target_port,
			target_client_id = excluded.target_client_id,
			target_secret = excluded.target_secret,
			target_subdir = excluded.target_subdir,
			naming_template = excluded.naming_template,
			offsite_bucket = excluded.offsite_bucket,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			probe_host = excluded.probe_host,
			probe_port = excluded.probe_port,
			probe_user = excluded.probe_user,
			probe_password = excluded.probe_password,
			probe_database = excluded.probe_database
	`, c.ID, c.Name, c.ServiceName, c.DataDir, c.TargetHost, c.TargetPort,
		c.TargetClientID, c.TargetSecret, c.TargetSubdir, c.NamingTemplate,
		nullableString(c.OffsiteBucket), boolToInt(c.IsActive),
		c.CreatedAt.Format(timeFormat), c.UpdatedAt.Format(timeFormat),
		c.ProbeHost, c.ProbePort, c.ProbeUser, c.ProbePassword, c.ProbeDatabase)
	if err != nil {
		return fmt.Errorf("put backup config %q: %w", c.Name, err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

const backupConfigColumns = `id, name, service_name, data_dir, target_host, target_port,
	target_client_id, target_secret, target_subdir, naming_template,
	offsite_bucket, is_active, created_at, updated_at,
	probe_host, probe_port, probe_user, probe_password, probe_database`

func scanBackupConfig(row interface{ Scan(...any) error }) (*BackupConfig, error) {
	var c BackupConfig
	var offsite sql.NullString
	var isActive int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.Name, &c.ServiceName, &c.DataDir, &c.TargetHost, &c.TargetPort,
		&c.TargetClientID, &c.TargetSecret, &c.TargetSubdir, &c.NamingTemplate,
		&offsite, &isActive, &createdAt, &updatedAt,
		&c.ProbeHost, &c.ProbePort, &c.ProbeUser, &c.ProbePassword, &c.ProbeDatabase)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	c.OffsiteBucket = offsite.String
	c.IsActive = isActive != 0
	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

func (s *Store) GetBackupConfig(ctx context.Context, id string) (*BackupConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupConfigColumns+" FROM backup_configs WHERE id = ?", id)
	c, err := scanBackupConfig(row)
	if err != nil {
		return nil, fmt.Errorf("get backup config %q: %w", id, err)
	}
	return c, nil
}

func (s *Store) GetBackupConfigByName(ctx context.Context, name string) (*BackupConfig, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupConfigColumns+" FROM backup_configs WHERE name = ?", name)
	c, err := scanBackupConfig(row)
	if err != nil {
		return nil, fmt.Errorf("get backup config %q: %w", name, err)
	}
	return c, nil
}

func (s *Store) ListBackupConfigs(ctx context.Context, activeOnly bool) ([]*BackupConfig, error) {
	q := "SELECT " + backupConfigColumns + " FROM backup_configs"
	if activeOnly {
		q += " WHERE is_active = 1"
	}
	q += " ORDER BY name"
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list backup configs: %w", err)
	}
	defer rows.Close()

	var out []*BackupConfig
	for rows.Next() {
		c, err := scanBackupConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeactivateBackupConfig performs the soft-delete spec.md §3 requires.
func (s *Store) DeactivateBackupConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE backup_configs SET is_active = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("deactivate backup config %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Schedule ---

func (s *Store) PutSchedule(ctx context.Context, sc *Schedule) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			id, config_id, enabled, recurrence_kind, recurrence_value,
			anchor_time, last_fire_at, next_fire_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			recurrence_kind = excluded.recurrence_kind,
			recurrence_value = excluded.recurrence_value,
			anchor_time = excluded.anchor_time,
			last_fire_at = excluded.last_fire_at,
			next_fire_at = excluded.next_fire_at
	`, sc.ID, sc.ConfigID, boolToInt(sc.Enabled), string(sc.RecurrenceKind), sc.RecurrenceValue,
		nullableString(sc.AnchorTime), formatTimePtr(sc.LastFireAt), formatTimePtr(sc.NextFireAt),
		sc.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put schedule %q: %w", sc.ID, err)
	}
	return nil
}

const scheduleColumns = `id, config_id, enabled, recurrence_kind, recurrence_value,
	anchor_time, last_fire_at, next_fire_at, created_at`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	var sc Schedule
	var enabled int
	var kind string
	var anchor, lastFire, nextFire sql.NullString
	var createdAt string
	err := row.Scan(&sc.ID, &sc.ConfigID, &enabled, &kind, &sc.RecurrenceValue,
		&anchor, &lastFire, &nextFire, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.RecurrenceKind = RecurrenceKind(kind)
	sc.AnchorTime = anchor.String
	if lastFire.Valid {
		if sc.LastFireAt, err = parseTimePtr(&lastFire.String); err != nil {
			return nil, fmt.Errorf("parse last_fire_at: %w", err)
		}
	}
	if nextFire.Valid {
		if sc.NextFireAt, err = parseTimePtr(&nextFire.String); err != nil {
			return nil, fmt.Errorf("parse next_fire_at: %w", err)
		}
	}
	if sc.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &sc, nil
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+scheduleColumns+" FROM schedules WHERE id = ?", id)
	sc, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("get schedule %q: %w", id, err)
	}
	return sc, nil
}

// ListDueSchedules returns enabled schedules whose next_fire_at <= now, in
// ascending order — the scheduler tick's due-set (spec.md §4.I).
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE enabled = 1 AND next_fire_at <= ? ORDER BY next_fire_at ASC",
		now.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+scheduleColumns+" FROM schedules WHERE enabled = 1 ORDER BY next_fire_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// --- BackupRun ---

func (s *Store) CreateBackupRun(ctx context.Context, r *BackupRun) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_runs (id, config_id, started_at, ended_at, status, file_path, file_size, checksum, error_message, resume_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ConfigID, r.StartedAt.Format(timeFormat), formatTimePtr(r.EndedAt), string(r.Status),
		nullableString(r.FilePath), nullableInt64(r.FileSize), nullableString(r.Checksum),
		nullableString(r.ErrorMessage), nullableString(r.ResumeToken))
	if err != nil {
		return fmt.Errorf("create backup run %q: %w", r.ID, err)
	}
	return nil
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// UpdateBackupRunStatus performs the single-row atomic transition every
// orchestrator step applies (spec.md §5). Callers must only ever move
// status forward per the state sequence, or to Failed/Cancelled.
func (s *Store) UpdateBackupRunStatus(ctx context.Context, id string, status RunStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE backup_runs SET status = ?, error_message = ? WHERE id = ?",
		string(status), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("update backup run %q status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizeBackupRun records the terminal Completed state with its result
// fields in a single row update (spec.md §4.H step 9).
func (s *Store) FinalizeBackupRun(ctx context.Context, id, filePath string, fileSize int64, checksum string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE backup_runs
		SET status = ?, ended_at = ?, file_path = ?, file_size = ?, checksum = ?
		WHERE id = ?
	`, string(RunCompleted), now.Format(timeFormat), filePath, fileSize, checksum, id)
	if err != nil {
		return fmt.Errorf("finalize backup run %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailBackupRun records a terminal Failed or Cancelled state.
func (s *Store) FailBackupRun(ctx context.Context, id string, status RunStatus, errMsg string) error {
	if status != RunFailed && status != RunCancelled {
		return fmt.Errorf("catalog: FailBackupRun called with non-terminal status %q", status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"UPDATE backup_runs SET status = ?, ended_at = ?, error_message = ? WHERE id = ?",
		string(status), now.Format(timeFormat), nullableString(errMsg), id)
	if err != nil {
		return fmt.Errorf("fail backup run %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetBackupRunResumeToken(ctx context.Context, id, token string) error {
	_, err := s.db.ExecContext(ctx, "UPDATE backup_runs SET resume_token = ? WHERE id = ?", token, id)
	if err != nil {
		return fmt.Errorf("set resume token for run %q: %w", id, err)
	}
	return nil
}

const backupRunColumns = `id, config_id, started_at, ended_at, status, file_path, file_size, checksum, error_message, resume_token`

func scanBackupRun(row interface{ Scan(...any) error }) (*BackupRun, error) {
	var r BackupRun
	var endedAt, filePath, checksum, errMsg, resumeToken sql.NullString
	var fileSize sql.NullInt64
	var startedAt, status string
	err := row.Scan(&r.ID, &r.ConfigID, &startedAt, &endedAt, &status, &filePath, &fileSize, &checksum, &errMsg, &resumeToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if r.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if endedAt.Valid {
		if r.EndedAt, err = parseTimePtr(&endedAt.String); err != nil {
			return nil, fmt.Errorf("parse ended_at: %w", err)
		}
	}
	r.Status = RunStatus(status)
	r.FilePath = filePath.String
	r.FileSize = fileSize.Int64
	r.Checksum = checksum.String
	r.ErrorMessage = errMsg.String
	r.ResumeToken = resumeToken.String
	return &r, nil
}

func (s *Store) GetBackupRun(ctx context.Context, id string) (*BackupRun, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+backupRunColumns+" FROM backup_runs WHERE id = ?", id)
	r, err := scanBackupRun(row)
	if err != nil {
		return nil, fmt.Errorf("get backup run %q: %w", id, err)
	}
	return r, nil
}

// ListCompletedRuns returns Completed runs with a non-null file_path/size,
// ordered by started_at descending — the Retention Engine's input (§4.J).
func (s *Store) ListCompletedRuns(ctx context.Context) ([]*BackupRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+backupRunColumns+` FROM backup_runs
		 WHERE status = ? AND file_path IS NOT NULL AND file_size IS NOT NULL
		 ORDER BY started_at DESC`, string(RunCompleted))
	if err != nil {
		return nil, fmt.Errorf("list completed runs: %w", err)
	}
	defer rows.Close()

	var out []*BackupRun
	for rows.Next() {
		r, err := scanBackupRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListStaleNonTerminalRuns returns non-terminal runs started before cutoff,
// reclaimed as Failed on daemon startup (crash recovery, spec.md §3).
func (s *Store) ListStaleNonTerminalRuns(ctx context.Context, cutoff time.Time) ([]*BackupRun, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+backupRunColumns+` FROM backup_runs
		 WHERE status NOT IN (?, ?, ?) AND started_at < ?`,
		string(RunCompleted), string(RunFailed), string(RunCancelled), cutoff.Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("list stale runs: %w", err)
	}
	defer rows.Close()

	var out []*BackupRun
	for rows.Next() {
		r, err := scanBackupRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteBackupRun hard-purges a terminal run row (called only by the
// Retention Engine, per spec.md §3's ownership note).
func (s *Store) DeleteBackupRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for delete run %q: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM transfer_chunks WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("delete chunks for run %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM backup_runs WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete run %q: %w", id, err)
	}
	return tx.Commit()
}

// --- TransferChunk ---

// BulkCreateTransferChunks inserts the Pending rows for a run in one
// transaction before the sender begins (spec.md §4.H step 7).
func (s *Store) BulkCreateTransferChunks(ctx context.Context, runID string, chunkSizes []uint32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx for bulk chunk create: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO transfer_chunks (run_id, chunk_index, chunk_size, status) VALUES (?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("prepare bulk chunk insert: %w", err)
	}
	defer stmt.Close()

	for i, size := range chunkSizes {
		if _, err := stmt.ExecContext(ctx, runID, i, size, string(ChunkPending)); err != nil {
			return fmt.Errorf("insert chunk %d for run %q: %w", i, runID, err)
		}
	}
	return tx.Commit()
}

// UpdateTransferChunkStatus updates one chunk row in-line on ack.
func (s *Store) UpdateTransferChunkStatus(ctx context.Context, runID string, index uint32, status ChunkStatus, errMsg string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfer_chunks SET status = ?, transfer_time = ?, error = ?
		WHERE run_id = ? AND chunk_index = ?
	`, string(status), now.Format(timeFormat), nullableString(errMsg), runID, index)
	if err != nil {
		return fmt.Errorf("update chunk %d for run %q: %w", index, runID, err)
	}
	return nil
}

func (s *Store) ListTransferChunks(ctx context.Context, runID string) ([]*TransferChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT run_id, chunk_index, chunk_size, status, transfer_time, error FROM transfer_chunks WHERE run_id = ? ORDER BY chunk_index",
		runID)
	if err != nil {
		return nil, fmt.Errorf("list chunks for run %q: %w", runID, err)
	}
	defer rows.Close()

	var out []*TransferChunk
	for rows.Next() {
		var c TransferChunk
		var transferTime, errMsg sql.NullString
		if err := rows.Scan(&c.RunID, &c.ChunkIndex, &c.ChunkSize, &c.Status, &transferTime, &errMsg); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if transferTime.Valid {
			if c.TransferTime, err = parseTimePtr(&transferTime.String); err != nil {
				return nil, fmt.Errorf("parse transfer_time: %w", err)
			}
		}
		c.Error = errMsg.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- RetentionPolicy ---

func (s *Store) PutRetentionPolicy(ctx context.Context, p *RetentionPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO retention_policies (id, name, max_age_days, max_count, max_storage_bytes, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			max_age_days = excluded.max_age_days,
			max_count = excluded.max_count,
			max_storage_bytes = excluded.max_storage_bytes,
			enabled = excluded.enabled
	`, p.ID, p.Name, nullableIntPtr(p.MaxAgeDays), nullableIntPtr(p.MaxCount),
		nullableInt64Ptr(p.MaxStorageBytes), boolToInt(p.Enabled), p.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put retention policy %q: %w", p.Name, err)
	}
	return nil
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

const retentionPolicyColumns = `id, name, max_age_days, max_count, max_storage_bytes, enabled, created_at`

func scanRetentionPolicy(row interface{ Scan(...any) error }) (*RetentionPolicy, error) {
	var p RetentionPolicy
	var maxAge, maxCount sql.NullInt64
	var maxStorage sql.NullInt64
	var enabled int
	var createdAt string
	err := row.Scan(&p.ID, &p.Name, &maxAge, &maxCount, &maxStorage, &enabled, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if maxAge.Valid {
		v := int(maxAge.Int64)
		p.MaxAgeDays = &v
	}
	if maxCount.Valid {
		v := int(maxCount.Int64)
		p.MaxCount = &v
	}
	if maxStorage.Valid {
		v := maxStorage.Int64
		p.MaxStorageBytes = &v
	}
	p.Enabled = enabled != 0
	if p.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &p, nil
}

func (s *Store) GetRetentionPolicy(ctx context.Context, id string) (*RetentionPolicy, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+retentionPolicyColumns+" FROM retention_policies WHERE id = ?", id)
	p, err := scanRetentionPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("get retention policy %q: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListEnabledRetentionPolicies(ctx context.Context) ([]*RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+retentionPolicyColumns+" FROM retention_policies WHERE enabled = 1 ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list retention policies: %w", err)
	}
	defer rows.Close()

	var out []*RetentionPolicy
	for rows.Next() {
		p, err := scanRetentionPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("scan retention policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- ClientCredential ---

func (s *Store) PutClientCredential(ctx context.Context, c *ClientCredential) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_credentials (client_id, secret_hash, permissions, is_active, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			permissions = excluded.permissions,
			is_active = excluded.is_active,
			expires_at = excluded.expires_at
	`, c.ClientID, c.SecretHash, strings.Join(c.Permissions, ","), boolToInt(c.IsActive),
		formatTimePtr(c.ExpiresAt), c.CreatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("put client credential %q: %w", c.ClientID, err)
	}
	return nil
}

const clientCredentialColumns = `client_id, secret_hash, permissions, is_active, expires_at, created_at`

func scanClientCredential(row interface{ Scan(...any) error }) (*ClientCredential, error) {
	var c ClientCredential
	var permissions string
	var isActive int
	var expiresAt sql.NullString
	var createdAt string
	err := row.Scan(&c.ClientID, &c.SecretHash, &permissions, &isActive, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if permissions != "" {
		c.Permissions = strings.Split(permissions, ",")
	}
	c.IsActive = isActive != 0
	if expiresAt.Valid {
		if c.ExpiresAt, err = parseTimePtr(&expiresAt.String); err != nil {
			return nil, fmt.Errorf("parse expires_at: %w", err)
		}
	}
	if c.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &c, nil
}

func (s *Store) GetClientCredential(ctx context.Context, clientID string) (*ClientCredential, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+clientCredentialColumns+" FROM client_credentials WHERE client_id = ?", clientID)
	c, err := scanClientCredential(row)
	if err != nil {
		return nil, fmt.Errorf("get client credential %q: %w", clientID, err)
	}
	return c, nil
}

func (s *Store) ListClientCredentials(ctx context.Context) ([]*ClientCredential, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+clientCredentialColumns+" FROM client_credentials ORDER BY client_id")
	if err != nil {
		return nil, fmt.Errorf("list client credentials: %w", err)
	}
	defer rows.Close()

	var out []*ClientCredential
	for rows.Next() {
		c, err := scanClientCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client credential: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) DisableClientCredential(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE client_credentials SET is_active = 0 WHERE client_id = ?", clientID)
	if err != nil {
		return fmt.Errorf("disable client credential %q: %w", clientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
