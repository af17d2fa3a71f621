// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package transfer

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/korrelius/coldbackup/internal/auth"
	"github.com/korrelius/coldbackup/internal/catalog"
	"github.com/korrelius/coldbackup/internal/chunkmanager"
	"github.com/korrelius/coldbackup/internal/protocol"
)

// idleTimeout bounds every socket read/write (spec.md §4.G).
const idleTimeout = 30 * time.Second

// Receiver is the server side of the chunked transfer protocol: a TLS
// listener that authenticates and assembles transfers via a
// chunkmanager.Manager.
type Receiver struct {
	Listen      string
	TLSConfig   *tls.Config
	Manager     *chunkmanager.Manager
	Auth        *auth.Authenticator
	MaxConns    int
	DefaultStorage string
	Logger      *slog.Logger
}

// NewReceiver returns a Receiver with a default connection cap of 8.
func NewReceiver(listen string, tlsConfig *tls.Config, manager *chunkmanager.Manager, authenticator *auth.Authenticator, defaultStorage string, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		Listen:         listen,
		TLSConfig:      tlsConfig,
		Manager:        manager,
		Auth:           authenticator,
		MaxConns:       8,
		DefaultStorage: defaultStorage,
		Logger:         logger,
	}
}

// Run listens on r.Listen and accepts connections until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ln, err := tls.Listen("tcp", r.Listen, r.TLSConfig)
	if err != nil {
		return fmt.Errorf("transfer: listening on %s: %w", r.Listen, err)
	}
	return r.RunListener(ctx, ln)
}

// RunListener accepts connections on an already-bound listener until ctx is
// cancelled, handling each accepted connection on its own goroutine
// (spec.md §5: "each accepted transfer connection" runs on its own
// scheduling unit). Exposed separately from Run so tests and callers that
// need the bound address up front can create the listener themselves.
func (r *Receiver) RunListener(ctx context.Context, ln net.Listener) error {
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sem := make(chan struct{}, r.MaxConns)

	r.Logger.Info("receiver listening", "address", r.Listen)

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
			if delay > 5*time.Second {
				delay = 5 * time.Second
			}
			r.Logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
			time.Sleep(delay)
			continue
		}
		consecutiveErrors = 0

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			conn.Close()
			return nil
		}

		go func() {
			defer func() { <-sem }()
			r.handleConn(ctx, conn)
		}()
	}
}

func (r *Receiver) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	setDeadline(conn, idleTimeout)
	req, err := protocol.ReadTransferRequest(conn)
	if err != nil {
		r.Logger.Warn("reading transfer request", "error", err)
		return
	}

	token, err := r.Auth.Authenticate(ctx, req.Auth.ClientID, req.Auth.ClientSecret)
	if err != nil {
		r.writeFailure(conn, "authentication failed")
		return
	}
	if err := r.Auth.Authorize(ctx, token, catalog.PermissionTransfer); err != nil {
		r.writeFailure(conn, "not authorized for transfer")
		return
	}

	metadata := chunkmanager.Metadata{
		Filename: req.Metadata.Filename,
		Size:     req.Metadata.Size,
		MD5:      req.Metadata.MD5,
		SHA256:   req.Metadata.SHA256,
	}
	if req.Metadata.SourceConfig != nil {
		metadata.Server = req.Metadata.SourceConfig.Name
	}

	chunkSize := req.Chunking.ChunkSize
	if chunkSize == 0 {
		chunkSize = protocol.DefaultChunkSize(req.Metadata.Size)
	}
	expectedChunks := int((uint64(req.Metadata.Size) + uint64(chunkSize) - 1) / uint64(chunkSize))
	if expectedChunks == 0 {
		expectedChunks = 1
	}

	var transferID string
	nextExpected := 0
	resumeToken := req.ResumeToken

	if req.ResumeTransfer && req.ResumeToken != "" {
		transferID, nextExpected, err = r.Manager.Restore(req.ResumeToken, metadata)
		if err != nil {
			r.writeFailure(conn, err.Error())
			return
		}
	} else {
		transferID, resumeToken, err = r.Manager.Initialize(metadata, expectedChunks)
		if err != nil {
			r.writeFailure(conn, err.Error())
			return
		}
	}

	already := make([]uint32, nextExpected)
	for i := range already {
		already[i] = uint32(i)
	}
	additional, _ := json.Marshal(already)

	setDeadline(conn, idleTimeout)
	if err := protocol.WriteTransferResponse(conn, &protocol.TransferResponse{
		Success:     true,
		Additional:  string(additional),
		ResumeToken: resumeToken,
	}); err != nil {
		r.Logger.Warn("writing transfer response", "error", err)
		return
	}

	for i := nextExpected; i < expectedChunks; i++ {
		setDeadline(conn, idleTimeout)
		chunk, err := protocol.ReadChunkData(conn)
		if err != nil {
			r.Logger.Warn("reading chunk data", "transfer_id", transferID, "error", err)
			return
		}

		payload, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			r.writeChunkAck(conn, chunk.Index, false, "invalid base64 payload")
			return
		}
		sum := sha256.Sum256(payload)
		if chunk.SHA256 != "" && hex.EncodeToString(sum[:]) != chunk.SHA256 {
			r.writeChunkAck(conn, chunk.Index, false, protocol.ErrChecksumMismatch.Error())
			return
		}

		result, err := r.Manager.AcceptChunk(transferID, int(chunk.Index), payload, chunk.SHA256)
		setDeadline(conn, idleTimeout)
		if werr := protocol.WriteChunkResult(conn, &result); werr != nil {
			r.Logger.Warn("writing chunk ack", "error", werr)
			return
		}
		if err != nil {
			return
		}
	}

	finalPath, err := r.Manager.Finalize(transferID, r.DefaultStorage)
	if err != nil {
		r.writeFailure(conn, err.Error())
		return
	}

	setDeadline(conn, idleTimeout)
	protocol.WriteTransferResponse(conn, &protocol.TransferResponse{Success: true, Additional: finalPath})
}

func (r *Receiver) writeFailure(conn net.Conn, reason string) {
	setDeadline(conn, idleTimeout)
	protocol.WriteTransferResponse(conn, &protocol.TransferResponse{Success: false, Error: reason})
}

func (r *Receiver) writeChunkAck(conn net.Conn, index uint32, success bool, reason string) {
	setDeadline(conn, idleTimeout)
	protocol.WriteChunkResult(conn, &protocol.ChunkResult{Success: success, ChunkIndex: index, Error: reason})
}
