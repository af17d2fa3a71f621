// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package chunkmanager

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// LayoutStrategy places a finalized archive under a storage's base
// directory (spec.md §4.E).
type LayoutStrategy string

const (
	LayoutServerDate LayoutStrategy = "server/date"
	LayoutDateServer LayoutStrategy = "date/server"
	LayoutFlatServer LayoutStrategy = "flat-server"
	LayoutTemplate   LayoutStrategy = "template"
)

// invalidPathChars matches characters not safe to embed in a directory or
// file name on common POSIX/Windows filesystems.
var invalidPathChars = regexp.MustCompile(`[<>:"|?*\x00-\x1f]`)

// Sanitize strips OS-invalid characters from one path segment.
func Sanitize(segment string) string {
	segment = invalidPathChars.ReplaceAllString(segment, "")
	segment = strings.TrimSpace(segment)
	segment = strings.Trim(segment, "/\\.")
	if segment == "" {
		return "unnamed"
	}
	return segment
}

// TemplateTokens are substituted into a `template` strategy's path pattern.
type TemplateTokens struct {
	Server      string
	Database    string
	Type        string // the database engine/service type
	CreatedAt   time.Time
}

func (t TemplateTokens) expand(tmpl string) string {
	r := strings.NewReplacer(
		"{server}", Sanitize(t.Server),
		"{database}", Sanitize(t.Database),
		"{type}", Sanitize(t.Type),
		"{year}", strconv.Itoa(t.CreatedAt.Year()),
		"{month}", fmt.Sprintf("%02d", int(t.CreatedAt.Month())),
		"{monthname}", t.CreatedAt.Month().String(),
		"{day}", fmt.Sprintf("%02d", t.CreatedAt.Day()),
		"{hour}", fmt.Sprintf("%02d", t.CreatedAt.Hour()),
	)
	return r.Replace(tmpl)
}

// ResolveDir computes the destination directory (relative to a storage's
// base directory) for one finalized archive, per the configured strategy.
func ResolveDir(strategy LayoutStrategy, pathTemplate string, tokens TemplateTokens) string {
	server := Sanitize(tokens.Server)
	dateDir := fmt.Sprintf("%04d-%02d-%02d", tokens.CreatedAt.Year(), tokens.CreatedAt.Month(), tokens.CreatedAt.Day())

	switch strategy {
	case LayoutDateServer:
		return filepath.Join(dateDir, server)
	case LayoutFlatServer:
		return server
	case LayoutTemplate:
		return filepath.FromSlash(tokens.expand(pathTemplate))
	default: // LayoutServerDate
		return filepath.Join(server, dateDir)
	}
}
