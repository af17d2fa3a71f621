// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxRequestFrameSize bounds the Request frame (§6: 1 MiB).
const MaxRequestFrameSize = 1 << 20

// MaxChunkFrameSize bounds a Chunk frame, including its base64 payload
// (§6: 100 MiB covers the inlined payload).
const MaxChunkFrameSize = 100 << 20

// DefaultChunkSizeSmall is the chunk size used for files up to 1 GiB.
const DefaultChunkSizeSmall = 8 << 20

// DefaultChunkSizeLarge is the chunk size used for files above 1 GiB.
const DefaultChunkSizeLarge = 32 << 20

const oneGiB = 1 << 30

// DefaultChunkSize picks the chunk size for a file of the given size,
// per spec: 8 MiB at or below 1 GiB, 32 MiB above.
func DefaultChunkSize(fileSize uint64) uint32 {
	if fileSize <= oneGiB {
		return DefaultChunkSizeSmall
	}
	return DefaultChunkSizeLarge
}

// ErrTruncatedFrame is returned when a frame's declared length cannot be
// fully read from the connection.
var ErrTruncatedFrame = errors.New("protocol: truncated frame")

// ErrFrameTooLarge is returned when a frame's declared length exceeds the
// caller-supplied maximum.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// writeFrame writes a u32 big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// readFrame reads a u32 big-endian length prefix and exactly that many
// bytes, rejecting frames whose declared length exceeds max.
func readFrame(r io.Reader, max uint32) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading frame length", ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > max {
		return nil, fmt.Errorf("%w: %d bytes declared, max %d", ErrFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: reading frame payload", ErrTruncatedFrame)
		}
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// WriteTransferRequest writes a Request frame.
func WriteTransferRequest(w io.Writer, req *TransferRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling transfer request: %w", err)
	}
	return writeFrame(w, payload)
}

// ReadTransferRequest reads and decodes a Request frame.
func ReadTransferRequest(r io.Reader) (*TransferRequest, error) {
	payload, err := readFrame(r, MaxRequestFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading transfer request: %w", err)
	}
	var req TransferRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("decoding transfer request: %w", err)
	}
	return &req, nil
}

// WriteTransferResponse writes a Response frame.
func WriteTransferResponse(w io.Writer, resp *TransferResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshaling transfer response: %w", err)
	}
	return writeFrame(w, payload)
}

// ReadTransferResponse reads and decodes a Response frame.
func ReadTransferResponse(r io.Reader) (*TransferResponse, error) {
	payload, err := readFrame(r, MaxRequestFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading transfer response: %w", err)
	}
	var resp TransferResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding transfer response: %w", err)
	}
	return &resp, nil
}

// WriteChunkData writes a Chunk frame.
func WriteChunkData(w io.Writer, chunk *ChunkData) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("marshaling chunk data: %w", err)
	}
	return writeFrame(w, payload)
}

// ReadChunkData reads and decodes a Chunk frame.
func ReadChunkData(r io.Reader) (*ChunkData, error) {
	payload, err := readFrame(r, MaxChunkFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading chunk data: %w", err)
	}
	var chunk ChunkData
	if err := json.Unmarshal(payload, &chunk); err != nil {
		return nil, fmt.Errorf("decoding chunk data: %w", err)
	}
	return &chunk, nil
}

// WriteChunkResult writes an Ack frame.
func WriteChunkResult(w io.Writer, result *ChunkResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling chunk result: %w", err)
	}
	return writeFrame(w, payload)
}

// ReadChunkResult reads and decodes an Ack frame.
func ReadChunkResult(r io.Reader) (*ChunkResult, error) {
	payload, err := readFrame(r, MaxRequestFrameSize)
	if err != nil {
		return nil, fmt.Errorf("reading chunk result: %w", err)
	}
	var result ChunkResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("decoding chunk result: %w", err)
	}
	return &result, nil
}
