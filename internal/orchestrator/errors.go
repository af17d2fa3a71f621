// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package orchestrator

import "errors"

// Error kinds for the orchestrator's own steps (spec.md §7). Failures
// originating in internal/service, internal/transfer or internal/protocol
// keep their own sentinel errors and are wrapped, not replaced.
var (
	ErrValidation  = errors.New("orchestrator: validation failed")
	ErrPreflight   = errors.New("orchestrator: pre-flight check failed")
	ErrCompression = errors.New("orchestrator: compression failed")
	ErrVerify      = errors.New("orchestrator: database did not accept a connection after restart")
)
