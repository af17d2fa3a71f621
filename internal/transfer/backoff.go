// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package transfer

import (
	"math/rand"
	"time"
)

// Backoff configures the Sender's retry wrapper (spec.md §4.F): exponential
// backoff with optional ±10% jitter, bounded attempts.
type Backoff struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Jitter       bool
}

// DefaultBackoff matches spec.md §4.F's suggested tuning.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     2 * time.Minute,
		Jitter:       true,
	}
}

// Delay returns the backoff duration before retry attempt n (1-indexed).
func (b Backoff) Delay(attempt int) time.Duration {
	delay := b.InitialDelay << uint(attempt-1)
	if delay <= 0 || delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	if b.Jitter {
		spread := float64(delay) * 0.10
		delay = delay - time.Duration(spread) + time.Duration(rand.Float64()*2*spread)
	}
	return delay
}

// WholeTransferTimeout implements spec.md §4.F's adaptive timeout:
// max(configured, 60s) + 60s × ceil(size / 100 MiB), capped at 30 min.
func WholeTransferTimeout(configured time.Duration, size uint64) time.Duration {
	base := configured
	if base < 60*time.Second {
		base = 60 * time.Second
	}
	const hundredMiB = 100 << 20
	chunks := (size + hundredMiB - 1) / hundredMiB
	total := base + time.Duration(chunks)*60*time.Second
	if total > 30*time.Minute {
		total = 30 * time.Minute
	}
	return total
}
