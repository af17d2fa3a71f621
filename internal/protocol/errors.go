// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package protocol

import "errors"

// Transport error kinds (spec §7). Connect, Tls, Protocol and Timeout are
// retriable by the sender's backoff wrapper; Auth, ResumeConflict and
// IntegrityFailure are not.
var (
	ErrConnect        = errors.New("protocol: connect failed")
	ErrTLS            = errors.New("protocol: tls handshake failed")
	ErrProtocol       = errors.New("protocol: protocol violation")
	ErrTimeout        = errors.New("protocol: timed out")
	ErrAuth           = errors.New("protocol: authentication failed")
	ErrResumeConflict = errors.New("protocol: resume fingerprint mismatch")
	ErrIntegrity      = errors.New("protocol: integrity verification failed")

	// ErrOutOfOrder is raised by the chunk manager when a chunk index does
	// not match the next expected index in a strict-sequence session.
	ErrOutOfOrder = errors.New("protocol: chunk presented out of order")

	// ErrChecksumMismatch is raised when a chunk's declared SHA-256 does not
	// match its payload, or when a re-presented chunk at an already-accepted
	// index carries a different payload.
	ErrChecksumMismatch = errors.New("protocol: chunk checksum mismatch")
)

// IsRetriable reports whether err is one of the transport-layer conditions
// the sender's retry wrapper should re-attempt (§4.F).
func IsRetriable(err error) bool {
	switch {
	case errors.Is(err, ErrConnect), errors.Is(err, ErrTLS),
		errors.Is(err, ErrProtocol), errors.Is(err, ErrTimeout):
		return true
	default:
		return false
	}
}
