// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package chunkmanager implements the Chunk Manager (spec.md §4.E): the
// receiver-side per-transfer state that assembles chunks presented in
// strict ascending order into one finalized, integrity-verified archive.
package chunkmanager

import (
	"os"
	"sync"
	"time"

	"github.com/korrelius/coldbackup/internal/protocol"
)

// Metadata identifies the file being transferred and its declared whole-file
// digests, echoing protocol.TransferMetadata.
type Metadata struct {
	Filename string
	Size     uint64
	MD5      string
	SHA256   string
	Server   string
	Database string
	Type     string
}

// bitset is a fixed-size bit array sized at initialization time, per
// spec.md §9 (ii): "the bitset of received chunks is a fixed-size bit
// array ... not a dynamic map."
type bitset struct {
	bits []uint64
	n    int
}

func newBitset(n int) *bitset {
	return &bitset{bits: make([]uint64, (n+63)/64), n: n}
}

func (b *bitset) set(i int) {
	b.bits[i/64] |= 1 << uint(i%64)
}

func (b *bitset) isSet(i int) bool {
	return b.bits[i/64]&(1<<uint(i%64)) != 0
}

func (b *bitset) allSet() bool {
	full := b.n / 64
	for i := 0; i < full; i++ {
		if b.bits[i] != ^uint64(0) {
			return false
		}
	}
	rem := b.n % 64
	if rem == 0 {
		return true
	}
	mask := uint64(1<<uint(rem)) - 1
	return b.bits[full]&mask == mask
}

func (b *bitset) count() int {
	c := 0
	for i := 0; i < b.n; i++ {
		if b.isSet(i) {
			c++
		}
	}
	return c
}

// session is one in-flight or resumable transfer.
type session struct {
	mu sync.Mutex

	transferID  string
	resumeToken string
	metadata    Metadata

	expectedChunks int
	nextExpected   int
	received       *bitset
	chunkDigests   map[int]string // sha256 of accepted chunk payloads, for idempotent re-presentation checks

	scratchPath string
	scratchFile *os.File

	createdAt time.Time
	expiresAt time.Time
}

func (s *session) expired(now time.Time) bool {
	return now.After(s.expiresAt)
}

func (s *session) touch(ttl time.Duration, now time.Time) {
	s.expiresAt = now.Add(ttl)
}

// ChunkResult mirrors protocol.ChunkResult for the manager's callers.
type ChunkResult = protocol.ChunkResult
