// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package transfer implements the client-side Transfer Sender (spec.md
// §4.F) and the server-side Transfer Receiver (§4.G): both ends of the
// chunked, resumable, checksum-verified file-transfer protocol.
package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/korrelius/coldbackup/internal/protocol"
)

// Request describes one file to transfer.
type Request struct {
	Path         string
	// Filename overrides the name recorded in transfer metadata (and thus
	// the receiver's destination filename); defaults to filepath.Base(Path).
	Filename     string
	SourceConfig string
	ClientID     string
	ClientSecret string
	MD5          string
	SHA256       string
	CreatedAt    time.Time

	// OnChunkAck, if set, is invoked synchronously after every chunk ack
	// (including skipped-on-resume chunks, reported as success) so a
	// caller can mirror per-chunk delivery state elsewhere.
	OnChunkAck func(index uint32, success bool)
}

// Sender drives the client side of the chunked transfer protocol against
// one Receiver address, retrying transient failures with resume.
type Sender struct {
	TLSConfig *tls.Config
	Backoff   Backoff
	Logger    *slog.Logger

	// BytesPerSec caps outbound chunk throughput. Zero or negative means
	// unlimited.
	BytesPerSec int64
}

// NewSender returns a Sender with the spec's default backoff tuning.
func NewSender(tlsConfig *tls.Config, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{TLSConfig: tlsConfig, Backoff: DefaultBackoff(), Logger: logger}
}

// Send transfers req.Path to address, retrying with resume on transient
// transport failures until Backoff.MaxAttempts is exhausted.
func (s *Sender) Send(ctx context.Context, address string, req Request) error {
	info, err := os.Stat(req.Path)
	if err != nil {
		return fmt.Errorf("transfer: stat %s: %w", req.Path, err)
	}
	size := uint64(info.Size())

	var resumeToken string
	var resume bool

	for attempt := 1; ; attempt++ {
		attemptErr := s.attempt(ctx, address, req, size, resume, resumeToken, func(token string) {
			resumeToken = token
		})
		if attemptErr == nil {
			return nil
		}

		if errors.Is(attemptErr, protocol.ErrResumeConflict) || ctx.Err() != nil {
			return attemptErr
		}
		if !protocol.IsRetriable(attemptErr) {
			return attemptErr
		}
		if attempt >= s.Backoff.MaxAttempts {
			return fmt.Errorf("transfer: exhausted %d attempts: %w", attempt, attemptErr)
		}

		delay := s.Backoff.Delay(attempt)
		s.Logger.Warn("transfer attempt failed, retrying", "attempt", attempt, "delay", delay, "error", attemptErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		resume = true
	}
}

// attempt performs one full connect-handshake-chunks-finalize pass.
func (s *Sender) attempt(ctx context.Context, address string, req Request, size uint64, resume bool, resumeToken string, onResumeToken func(string)) error {
	timeout := WholeTransferTimeout(0, size)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dial(attemptCtx, address, s.TLSConfig)
	if err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrConnect, err)
	}
	defer conn.Close()

	f, err := os.Open(req.Path)
	if err != nil {
		return fmt.Errorf("transfer: opening %s: %w", req.Path, err)
	}
	defer f.Close()

	chunkSize := protocol.DefaultChunkSize(size)
	limiter := newRateLimiter(s.BytesPerSec)

	filename := req.Filename
	if filename == "" {
		filename = filepath.Base(req.Path)
	}

	request := &protocol.TransferRequest{
		Metadata: protocol.TransferMetadata{
			Filename:  filename,
			Size:      size,
			MD5:       req.MD5,
			SHA256:    req.SHA256,
			CreatedAt: req.CreatedAt.UTC().Format(time.RFC3339),
		},
		Chunking: protocol.ChunkingParams{
			ChunkSize: chunkSize,
		},
		ResumeTransfer: resume,
		ResumeToken:    resumeToken,
		Auth:           protocol.AuthParams{ClientID: req.ClientID, ClientSecret: req.ClientSecret},
	}
	if req.SourceConfig != "" {
		request.Metadata.SourceConfig = &protocol.SourceConfig{Name: req.SourceConfig}
	}

	setDeadline(conn, 30*time.Second)
	if err := protocol.WriteTransferRequest(conn, request); err != nil {
		return fmt.Errorf("%w: writing request: %v", protocol.ErrProtocol, err)
	}

	setDeadline(conn, 30*time.Second)
	resp, err := protocol.ReadTransferResponse(conn)
	if err != nil {
		return classifyReadErr(err)
	}
	if !resp.Success {
		return fmt.Errorf("%w: %s", protocol.ErrAuth, resp.Error)
	}
	if resp.ResumeToken != "" {
		onResumeToken(resp.ResumeToken)
	}

	alreadyReceived := map[uint32]bool{}
	if resume && resp.Additional != "" {
		var indices []uint32
		if err := json.Unmarshal([]byte(resp.Additional), &indices); err == nil {
			for _, i := range indices {
				alreadyReceived[i] = true
			}
		}
	}

	numChunks := (size + uint64(chunkSize) - 1) / uint64(chunkSize)
	if numChunks == 0 {
		numChunks = 1
	}

	buf := make([]byte, chunkSize)
	for i := uint32(0); uint64(i) < numChunks; i++ {
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("transfer: reading chunk %d: %w", i, err)
		}
		payload := buf[:n]

		if alreadyReceived[i] {
			if req.OnChunkAck != nil {
				req.OnChunkAck(i, true)
			}
			continue
		}

		if err := waitBudget(ctx, limiter, len(payload)); err != nil {
			return fmt.Errorf("transfer: rate limiter wait: %w", err)
		}

		sum := sha256.Sum256(payload)
		chunk := &protocol.ChunkData{
			Index:  i,
			Size:   uint32(n),
			SHA256: hex.EncodeToString(sum[:]),
			Data:   base64.StdEncoding.EncodeToString(payload),
		}

		setDeadline(conn, 30*time.Second)
		if err := protocol.WriteChunkData(conn, chunk); err != nil {
			return fmt.Errorf("%w: writing chunk %d: %v", protocol.ErrProtocol, i, err)
		}

		setDeadline(conn, 30*time.Second)
		ack, err := protocol.ReadChunkResult(conn)
		if err != nil {
			return classifyReadErr(err)
		}
		if ack.ChunkIndex != i {
			return fmt.Errorf("%w: ack for chunk %d, expected %d", protocol.ErrProtocol, ack.ChunkIndex, i)
		}
		if req.OnChunkAck != nil {
			req.OnChunkAck(i, ack.Success)
		}
		if !ack.Success {
			return fmt.Errorf("%w: %s", protocol.ErrChecksumMismatch, ack.Error)
		}
	}

	setDeadline(conn, 30*time.Second)
	final, err := protocol.ReadTransferResponse(conn)
	if err != nil {
		return classifyReadErr(err)
	}
	if !final.Success {
		return fmt.Errorf("%w: %s", protocol.ErrIntegrity, final.Error)
	}

	return nil
}

func dial(ctx context.Context, address string, tlsConfig *tls.Config) (*tls.Conn, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	conn := tls.Client(rawConn, tlsConfig)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", protocol.ErrTLS, err)
	}
	conn.SetDeadline(time.Time{})
	return conn, nil
}

func setDeadline(conn net.Conn, d time.Duration) {
	conn.SetDeadline(time.Now().Add(d))
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: %v", protocol.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", protocol.ErrProtocol, err)
}
