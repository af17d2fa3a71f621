// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestTransferRequest_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := &TransferRequest{
		Metadata: TransferMetadata{
			Filename:  "a.bin",
			Size:      1024,
			MD5:       "d41d8cd98f00b204e9800998ecf8427e",
			SHA256:    "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
			CreatedAt: "2026-07-30T00:00:00Z",
		},
		Chunking: ChunkingParams{ChunkSize: 8 << 20, MaxConcurrent: 1, Parallel: false},
		Auth:     AuthParams{ClientID: "client-1", ClientSecret: "s3cr3t"},
	}

	if err := WriteTransferRequest(&buf, req); err != nil {
		t.Fatalf("WriteTransferRequest: %v", err)
	}

	got, err := ReadTransferRequest(&buf)
	if err != nil {
		t.Fatalf("ReadTransferRequest: %v", err)
	}
	if got.Metadata.Filename != req.Metadata.Filename {
		t.Errorf("expected filename %q, got %q", req.Metadata.Filename, got.Metadata.Filename)
	}
	if got.Auth.ClientID != req.Auth.ClientID {
		t.Errorf("expected client id %q, got %q", req.Auth.ClientID, got.Auth.ClientID)
	}
}

func TestChunkData_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	chunk := &ChunkData{Index: 2, Size: 5, SHA256: "abc123", Data: "aGVsbG8="}

	if err := WriteChunkData(&buf, chunk); err != nil {
		t.Fatalf("WriteChunkData: %v", err)
	}
	got, err := ReadChunkData(&buf)
	if err != nil {
		t.Fatalf("ReadChunkData: %v", err)
	}
	if got.Index != chunk.Index || got.Data != chunk.Data {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, chunk)
	}
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], MaxRequestFrameSize+1)
	buf.Write(lenBuf[:])

	if _, err := ReadTransferRequest(&buf); err == nil {
		t.Fatal("expected error for oversized frame, got nil")
	}
}

func TestReadFrame_RejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.WriteString("short")

	if _, err := ReadTransferRequest(&buf); err == nil {
		t.Fatal("expected error for truncated frame, got nil")
	}
}

func TestDefaultChunkSize(t *testing.T) {
	if got := DefaultChunkSize(1024); got != DefaultChunkSizeSmall {
		t.Errorf("expected small chunk size for tiny file, got %d", got)
	}
	if got := DefaultChunkSize(2 << 30); got != DefaultChunkSizeLarge {
		t.Errorf("expected large chunk size for 2 GiB file, got %d", got)
	}
}

func TestIsRetriable(t *testing.T) {
	if !IsRetriable(ErrConnect) {
		t.Error("ErrConnect should be retriable")
	}
	if IsRetriable(ErrAuth) {
		t.Error("ErrAuth should not be retriable")
	}
	if IsRetriable(ErrResumeConflict) {
		t.Error("ErrResumeConflict should not be retriable")
	}
}
