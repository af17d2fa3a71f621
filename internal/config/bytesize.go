// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package config loads and validates the YAML configuration for the
// coldbackup receiver daemon and orchestrator CLI.
package config

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseByteSize converts human-readable strings like "256mb", "1gb" into bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	multiplier := int64(1)
	numPart := s
	switch {
	case strings.HasSuffix(s, "kb"):
		multiplier = 1024
		numPart = strings.TrimSuffix(s, "kb")
	case strings.HasSuffix(s, "mb"):
		multiplier = 1024 * 1024
		numPart = strings.TrimSuffix(s, "mb")
	case strings.HasSuffix(s, "gb"):
		multiplier = 1024 * 1024 * 1024
		numPart = strings.TrimSuffix(s, "gb")
	case strings.HasSuffix(s, "b"):
		numPart = strings.TrimSuffix(s, "b")
	}

	numPart = strings.TrimSpace(numPart)
	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("size %q must not be negative", s)
	}

	return int64(value * float64(multiplier)), nil
}
