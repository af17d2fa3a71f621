// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package checksum computes MD5 and SHA-256 digests of a stream in a single
// pass (spec.md §4.D).
package checksum

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const bufferSize = 64 * 1024

// Digests holds the hex-encoded MD5 and SHA-256 of a stream.
type Digests struct {
	MD5    string
	SHA256 string
}

// Sum reads r to completion, feeding MD5 and SHA-256 together through a
// single io.MultiWriter pass, and returns both as hex strings.
func Sum(r io.Reader) (Digests, error) {
	md5h := md5.New()
	sha256h := sha256.New()
	mw := io.MultiWriter(md5h, sha256h)

	buf := make([]byte, bufferSize)
	if _, err := io.CopyBuffer(mw, r, buf); err != nil {
		return Digests{}, fmt.Errorf("computing checksums: %w", err)
	}

	return Digests{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}

// SumFile opens path and computes its Digests.
func SumFile(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, fmt.Errorf("opening %s for checksum: %w", path, err)
	}
	defer f.Close()
	return Sum(f)
}

// Verify reports whether both digests of r match the declared values.
func Verify(r io.Reader, declaredMD5, declaredSHA256 string) (bool, error) {
	got, err := Sum(r)
	if err != nil {
		return false, err
	}
	return got.MD5 == declaredMD5 && got.SHA256 == declaredSHA256, nil
}
