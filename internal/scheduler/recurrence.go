// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

package scheduler

import (
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/korrelius/coldbackup/internal/catalog"
)

// nextFireAt computes next_fire_at from (recurrence, base), where base is
// last_fire_at if set, else created_at (spec.md §3 Schedule invariant).
func nextFireAt(sc *catalog.Schedule, base time.Time) (time.Time, error) {
	switch sc.RecurrenceKind {
	case catalog.RecurrenceHourly:
		n, err := intervalCount(sc.RecurrenceValue)
		if err != nil {
			return time.Time{}, err
		}
		return base.Add(time.Duration(n) * time.Hour), nil

	case catalog.RecurrenceDaily:
		n, err := intervalCount(sc.RecurrenceValue)
		if err != nil {
			return time.Time{}, err
		}
		hh, mm, err := parseAnchor(sc.AnchorTime)
		if err != nil {
			return time.Time{}, err
		}
		return applyAnchor(base.AddDate(0, 0, n), hh, mm), nil

	case catalog.RecurrenceWeekly:
		n, err := intervalCount(sc.RecurrenceValue)
		if err != nil {
			return time.Time{}, err
		}
		hh, mm, err := parseAnchor(sc.AnchorTime)
		if err != nil {
			return time.Time{}, err
		}
		return applyAnchor(base.AddDate(0, 0, 7*n), hh, mm), nil

	case catalog.RecurrenceCron:
		schedule, err := cron.ParseStandard(sc.RecurrenceValue)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRecurrence, err)
		}
		return schedule.Next(base), nil

	default:
		return time.Time{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRecurrence, sc.RecurrenceKind)
	}
}

// validateRecurrence checks that a Schedule's recurrence fields parse,
// without computing a fire time. Used by AddOrUpdateSchedule to reject bad
// input before it's persisted.
func validateRecurrence(sc *catalog.Schedule) error {
	_, err := nextFireAt(sc, time.Now().UTC())
	return err
}

func intervalCount(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: interval value %q must be a positive integer", ErrInvalidRecurrence, value)
	}
	return n, nil
}

func parseAnchor(anchor string) (hh, mm int, err error) {
	t, err := time.Parse("15:04", anchor)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: anchor_time %q must be HH:MM: %v", ErrInvalidRecurrence, anchor, err)
	}
	return t.Hour(), t.Minute(), nil
}

func applyAnchor(t time.Time, hh, mm int) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hh, mm, 0, 0, t.Location())
}
