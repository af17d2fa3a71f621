// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package chunkmanager

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/korrelius/coldbackup/internal/checksum"
	"github.com/korrelius/coldbackup/internal/protocol"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	scratch := filepath.Join(t.TempDir(), "scratch")
	dest := t.TempDir()
	storages := map[string]StorageConfig{
		"default": {BaseDir: dest, LayoutStrategy: LayoutServerDate},
	}
	return New(scratch, storages, time.Hour), dest
}

func sumOf(t *testing.T, payload []byte) checksum.Digests {
	t.Helper()
	d, err := checksum.Sum(bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("checksum.Sum: %v", err)
	}
	return d
}

func TestChunkManager_FullLifecycle(t *testing.T) {
	mgr, destDir := newTestManager(t)

	chunks := [][]byte{[]byte("hello "), []byte("world")}
	full := append(append([]byte{}, chunks[0]...), chunks[1]...)
	digests := sumOf(t, full)

	meta := Metadata{Filename: "db.bak", Size: uint64(len(full)), MD5: digests.MD5, SHA256: digests.SHA256, Server: "db1"}

	transferID, _, err := mgr.Initialize(meta, len(chunks))
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	for i, c := range chunks {
		sum := sumOf(t, c)
		res, err := mgr.AcceptChunk(transferID, i, c, sum.SHA256)
		if err != nil {
			t.Fatalf("AcceptChunk(%d): %v", i, err)
		}
		if !res.Success {
			t.Fatalf("AcceptChunk(%d) not successful: %+v", i, res)
		}
	}

	finalPath, err := mgr.Finalize(transferID, "default")
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if filepath.Dir(finalPath) == destDir {
		t.Errorf("expected finalPath under a server/date subdirectory, got %s", finalPath)
	}

	got, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("reading finalized file: %v", err)
	}
	if string(got) != string(full) {
		t.Errorf("finalized content mismatch: got %q want %q", got, full)
	}
}

func TestChunkManager_OutOfOrderRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	meta := Metadata{Filename: "x.bak", Size: 10}
	transferID, _, err := mgr.Initialize(meta, 2)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := mgr.AcceptChunk(transferID, 1, []byte("b"), ""); err != protocol.ErrOutOfOrder {
		t.Errorf("expected ErrOutOfOrder presenting chunk 1 before chunk 0, got %v", err)
	}
}

func TestChunkManager_ChecksumMismatchRejected(t *testing.T) {
	mgr, _ := newTestManager(t)
	meta := Metadata{Filename: "x.bak", Size: 10}
	transferID, _, err := mgr.Initialize(meta, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := mgr.AcceptChunk(transferID, 0, []byte("a"), "deadbeef"); err != protocol.ErrChecksumMismatch {
		t.Errorf("expected ErrChecksumMismatch, got %v", err)
	}
}

func TestChunkManager_IdempotentRepresentation(t *testing.T) {
	mgr, _ := newTestManager(t)
	meta := Metadata{Filename: "x.bak", Size: 10}
	transferID, _, err := mgr.Initialize(meta, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	payload := []byte("a")
	sum := sumOf(t, payload)
	if _, err := mgr.AcceptChunk(transferID, 0, payload, sum.SHA256); err != nil {
		t.Fatalf("first AcceptChunk: %v", err)
	}
	res, err := mgr.AcceptChunk(transferID, 0, payload, sum.SHA256)
	if err != nil {
		t.Fatalf("re-presented AcceptChunk: %v", err)
	}
	if !res.Success {
		t.Error("expected idempotent re-presentation to succeed")
	}
}

func TestChunkManager_RestoreRejectsMismatchedMetadata(t *testing.T) {
	mgr, _ := newTestManager(t)
	meta := Metadata{Filename: "x.bak", Size: 10, SHA256: "aaa"}
	_, token, err := mgr.Initialize(meta, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	_, _, err = mgr.Restore(token, Metadata{Filename: "x.bak", Size: 999, SHA256: "aaa"})
	if err != protocol.ErrResumeConflict {
		t.Errorf("expected ErrResumeConflict, got %v", err)
	}
}

func TestChunkManager_RestoreReturnsNextExpected(t *testing.T) {
	mgr, _ := newTestManager(t)
	meta := Metadata{Filename: "x.bak", Size: 10, SHA256: "aaa"}
	transferID, token, err := mgr.Initialize(meta, 2)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	payload := []byte("a")
	sum := sumOf(t, payload)
	if _, err := mgr.AcceptChunk(transferID, 0, payload, sum.SHA256); err != nil {
		t.Fatalf("AcceptChunk: %v", err)
	}

	id, next, err := mgr.Restore(token, meta)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if id != transferID {
		t.Errorf("expected same transfer id, got %s", id)
	}
	if next != 1 {
		t.Errorf("expected next expected chunk 1, got %d", next)
	}
}

func TestChunkManager_ReapExpired(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.ttl = -time.Second // force immediate expiry

	meta := Metadata{Filename: "x.bak", Size: 10}
	transferID, _, err := mgr.Initialize(meta, 1)
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if n := mgr.ReapExpired(); n != 1 {
		t.Errorf("expected 1 reaped session, got %d", n)
	}
	if _, err := mgr.lookup(transferID); err == nil {
		t.Error("expected session to be gone after reap")
	}
}
