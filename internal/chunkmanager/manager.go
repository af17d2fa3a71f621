// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package chunkmanager

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/korrelius/coldbackup/internal/checksum"
	"github.com/korrelius/coldbackup/internal/protocol"
)

// StorageConfig is the destination a finalized transfer is moved into.
type StorageConfig struct {
	BaseDir        string
	LayoutStrategy LayoutStrategy
	PathTemplate   string
}

// Manager tracks every in-flight or resumable transfer session. One Manager
// serves one Receiver listener; sessions are addressed by transfer_id.
type Manager struct {
	mu sync.Mutex

	scratchDir string
	storages   map[string]StorageConfig
	ttl        time.Duration

	sessions    map[string]*session
	byResume    map[string]string // resume_token -> transfer_id
}

// New returns a Manager that scratch-writes under scratchDir and finalizes
// into one of the named storages.
func New(scratchDir string, storages map[string]StorageConfig, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Manager{
		scratchDir: scratchDir,
		storages:   storages,
		ttl:        ttl,
		sessions:   make(map[string]*session),
		byResume:   make(map[string]string),
	}
}

// Initialize opens a brand-new transfer session and returns its id and
// resume token (spec.md §4.E: initialize(metadata) -> transfer_id).
func (m *Manager) Initialize(metadata Metadata, expectedChunks int) (transferID, resumeToken string, err error) {
	if err := os.MkdirAll(m.scratchDir, 0o755); err != nil {
		return "", "", fmt.Errorf("creating scratch dir: %w", err)
	}

	transferID = uuid.NewString()
	resumeToken = uuid.NewString()
	scratchPath := filepath.Join(m.scratchDir, transferID+".scratch")

	f, err := os.OpenFile(scratchPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "", fmt.Errorf("creating scratch file: %w", err)
	}

	now := time.Now()
	sess := &session{
		transferID:     transferID,
		resumeToken:    resumeToken,
		metadata:       metadata,
		expectedChunks: expectedChunks,
		received:       newBitset(expectedChunks),
		chunkDigests:   make(map[int]string),
		scratchPath:    scratchPath,
		scratchFile:    f,
		createdAt:      now,
	}
	sess.touch(m.ttl, now)

	m.mu.Lock()
	m.sessions[transferID] = sess
	m.byResume[resumeToken] = transferID
	m.mu.Unlock()

	return transferID, resumeToken, nil
}

// Restore reattaches to an existing session by resume token, validating
// that metadata matches the original declaration before allowing the
// sender to continue presenting chunks (spec.md §4.E: raises ResumeConflict
// on fingerprint/size mismatch).
func (m *Manager) Restore(resumeToken string, metadata Metadata) (transferID string, nextExpected int, err error) {
	m.mu.Lock()
	id, ok := m.byResume[resumeToken]
	if !ok {
		m.mu.Unlock()
		return "", 0, protocol.ErrResumeConflict
	}
	sess := m.sessions[id]
	m.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.expired(time.Now()) {
		return "", 0, protocol.ErrResumeConflict
	}
	if sess.metadata.Filename != metadata.Filename ||
		sess.metadata.Size != metadata.Size ||
		sess.metadata.SHA256 != metadata.SHA256 {
		return "", 0, protocol.ErrResumeConflict
	}

	sess.touch(m.ttl, time.Now())
	return sess.transferID, sess.nextExpected, nil
}

// AcceptChunk presents one chunk for a session. Chunks must be presented in
// strict ascending index order; an already-accepted index is treated
// idempotently if its payload matches, and rejected with ChecksumMismatch
// if it doesn't (spec.md §4.E).
func (m *Manager) AcceptChunk(transferID string, index int, payload []byte, declaredSHA256 string) (ChunkResult, error) {
	sess, err := m.lookup(transferID)
	if err != nil {
		return ChunkResult{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if index < 0 || index >= sess.expectedChunks {
		return ChunkResult{Success: false, ChunkIndex: index, Error: protocol.ErrOutOfOrder.Error()}, protocol.ErrOutOfOrder
	}

	sum := sha256.Sum256(payload)
	actualSHA256 := hex.EncodeToString(sum[:])
	if declaredSHA256 != "" && actualSHA256 != declaredSHA256 {
		return ChunkResult{Success: false, ChunkIndex: index, Error: protocol.ErrChecksumMismatch.Error()}, protocol.ErrChecksumMismatch
	}

	if sess.received.isSet(index) {
		if sess.chunkDigests[index] != actualSHA256 {
			return ChunkResult{Success: false, ChunkIndex: index, Error: protocol.ErrChecksumMismatch.Error()}, protocol.ErrChecksumMismatch
		}
		// Idempotent re-presentation of an already-accepted chunk.
		return ChunkResult{Success: true, ChunkIndex: index}, nil
	}

	if index != sess.nextExpected {
		return ChunkResult{Success: false, ChunkIndex: index, Error: protocol.ErrOutOfOrder.Error()}, protocol.ErrOutOfOrder
	}

	if _, err := sess.scratchFile.Write(payload); err != nil {
		return ChunkResult{Success: false, ChunkIndex: index, Error: err.Error()}, fmt.Errorf("writing chunk %d: %w", index, err)
	}

	sess.received.set(index)
	sess.chunkDigests[index] = actualSHA256
	sess.nextExpected++
	sess.touch(m.ttl, time.Now())

	return ChunkResult{Success: true, ChunkIndex: index}, nil
}

// Finalize requires every chunk to have been accepted, verifies the
// assembled file's whole-file digests, and moves it into its storage's
// target directory per the configured layout strategy.
func (m *Manager) Finalize(transferID, storageName string) (finalPath string, err error) {
	sess, err := m.lookup(transferID)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !sess.received.allSet() {
		return "", fmt.Errorf("chunkmanager: finalize called with %d/%d chunks received", sess.received.count(), sess.expectedChunks)
	}

	if err := sess.scratchFile.Sync(); err != nil {
		return "", fmt.Errorf("syncing scratch file: %w", err)
	}
	if err := sess.scratchFile.Close(); err != nil {
		return "", fmt.Errorf("closing scratch file: %w", err)
	}

	digests, err := checksum.SumFile(sess.scratchPath)
	if err != nil {
		return "", fmt.Errorf("summing scratch file: %w", err)
	}
	if digests.MD5 != sess.metadata.MD5 || digests.SHA256 != sess.metadata.SHA256 {
		os.Remove(sess.scratchPath)
		return "", protocol.ErrIntegrity
	}

	storage, ok := m.storages[storageName]
	if !ok {
		return "", fmt.Errorf("chunkmanager: unknown storage %q", storageName)
	}

	dir := ResolveDir(storage.LayoutStrategy, storage.PathTemplate, TemplateTokens{
		Server:    sess.metadata.Server,
		Database:  sess.metadata.Database,
		Type:      sess.metadata.Type,
		CreatedAt: sess.createdAt,
	})
	destDir := filepath.Join(storage.BaseDir, dir)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("creating destination dir: %w", err)
	}

	destPath := filepath.Join(destDir, Sanitize(sess.metadata.Filename))
	if err := os.Rename(sess.scratchPath, destPath); err != nil {
		return "", fmt.Errorf("moving scratch to destination: %w", err)
	}

	m.mu.Lock()
	delete(m.sessions, transferID)
	delete(m.byResume, sess.resumeToken)
	m.mu.Unlock()

	return destPath, nil
}

// Abort discards a session and its scratch file without finalizing it.
func (m *Manager) Abort(transferID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[transferID]
	if ok {
		delete(m.sessions, transferID)
		delete(m.byResume, sess.resumeToken)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.scratchFile.Close()
	return os.Remove(sess.scratchPath)
}

func (m *Manager) lookup(transferID string) (*session, error) {
	m.mu.Lock()
	sess, ok := m.sessions[transferID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("chunkmanager: unknown transfer %q", transferID)
	}
	return sess, nil
}

// ReapExpired discards every session whose TTL has elapsed, closing and
// removing its scratch file. Intended to run on its own periodic schedule,
// independent of the transfer path (spec.md §4.E).
func (m *Manager) ReapExpired() int {
	now := time.Now()

	m.mu.Lock()
	var expired []*session
	for id, sess := range m.sessions {
		if sess.expired(now) {
			expired = append(expired, sess)
			delete(m.sessions, id)
			delete(m.byResume, sess.resumeToken)
		}
	}
	m.mu.Unlock()

	for _, sess := range expired {
		sess.mu.Lock()
		sess.scratchFile.Close()
		os.Remove(sess.scratchPath)
		sess.mu.Unlock()
	}
	return len(expired)
}
