// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package protocol implements the length-prefixed JSON framing used between
// an orchestrator (sender) and a receiver daemon over a TLS connection
// (client certificate optional): Request, Response, Chunk/Ack pairs in
// ascending order, then a Final Response.
package protocol

// TransferMetadata describes the file being transferred.
type TransferMetadata struct {
	Filename      string        `json:"filename"`
	Size          uint64        `json:"size"`
	MD5           string        `json:"md5"`
	SHA256        string        `json:"sha256"`
	SourceConfig  *SourceConfig `json:"source_config,omitempty"`
	CreatedAt     string        `json:"created_at"`
}

// SourceConfig names the BackupConfig an archive was produced from; the
// receiver uses Name as the {server} segment of its directory layout.
type SourceConfig struct {
	Name string `json:"name"`
}

// ChunkingParams describes how the sender will split the file.
type ChunkingParams struct {
	ChunkSize     uint32 `json:"chunk_size"`
	MaxConcurrent uint16 `json:"max_concurrent"`
	Parallel      bool   `json:"parallel"`
}

// AuthParams carries the client credential presented for this transfer.
type AuthParams struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TransferRequest is the first frame a sender transmits.
type TransferRequest struct {
	Metadata       TransferMetadata `json:"metadata"`
	Chunking       ChunkingParams   `json:"chunking"`
	ResumeTransfer bool             `json:"resume_transfer"`
	ResumeToken    string           `json:"resume_token,omitempty"`
	Auth           AuthParams       `json:"auth"`
}

// TransferResponse answers a TransferRequest. On a resume, Additional
// carries the JSON-encoded array of already-received chunk indices.
type TransferResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	Additional string `json:"additional,omitempty"`
	ResumeToken string `json:"resume_token,omitempty"`
}

// ChunkData carries one chunk's payload, base64-encoded.
type ChunkData struct {
	Index  uint32 `json:"index"`
	Size   uint32 `json:"size"`
	SHA256 string `json:"sha256"`
	Data   string `json:"data"`
}

// ChunkResult acknowledges one ChunkData frame.
type ChunkResult struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	ChunkIndex uint32 `json:"chunk_index"`
}
