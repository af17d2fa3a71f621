// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package transfer

import (
	"context"

	"golang.org/x/time/rate"
)

// maxBurstBytes bounds how many bytes a single WaitN reservation may cover,
// so a large chunk doesn't block behind one enormous reservation.
const maxBurstBytes = 256 * 1024

// newRateLimiter returns a token-bucket limiter rated at bytesPerSec, or nil
// if bytesPerSec is non-positive (no throttling).
func newRateLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst > maxBurstBytes {
		burst = maxBurstBytes
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// waitBudget blocks until the limiter has granted n bytes of budget,
// splitting the reservation into burst-sized pieces. A nil limiter never
// blocks.
func waitBudget(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return nil
	}
	burst := limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}
