// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package scheduler

import "errors"

var (
	ErrInvalidRecurrence = errors.New("scheduler: invalid recurrence")
	ErrRunInFlight       = errors.New("scheduler: a run is already in flight for this config")
)
