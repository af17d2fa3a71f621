// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package service controls a named local database service via systemctl,
// bounded by exec.CommandContext timeouts (spec.md §4.A). The orchestrator
// decides retry policy; this package performs no retries of its own.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Error kinds returned by Controller operations (spec.md §7).
var (
	ErrNotFound    = errors.New("service: not found")
	ErrNoPermission = errors.New("service: permission denied")
	ErrBusy        = errors.New("service: busy")
	ErrTimeout     = errors.New("service: operation timed out")
)

// mariadbLikeUnits is consulted to build NotFound's suggestion list.
var mariadbLikeUnits = []string{"mariadb", "mysql", "mysqld", "percona-server"}

// Describe summarizes a unit's controllability, reported as a structured
// advisory when the orchestrator's pre-flight step aborts.
type Describe struct {
	Exists      bool
	Active      bool
	CanStop     bool
	CanPause    bool
	Dependents  []string
	DependedOn  []string
	Advisory    string
	Suggestions []string // populated only when Exists is false
}

// Controller manages one systemd unit through systemctl.
type Controller struct {
	Unit    string
	Timeout time.Duration
}

// NewController returns a Controller for the given systemd unit name.
func NewController(unit string) *Controller {
	return &Controller{Unit: unit, Timeout: defaultTimeout}
}

func (c *Controller) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultTimeout
	}
	return c.Timeout
}

func (c *Controller) run(ctx context.Context, args ...string) (string, string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	cmd := exec.CommandContext(cctx, "systemctl", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return stdout.String(), stderr.String(), fmt.Errorf("%w: systemctl %s", ErrTimeout, strings.Join(args, " "))
	}
	return stdout.String(), stderr.String(), err
}

// Status runs `systemctl is-active` and reports whether the unit is running.
func (c *Controller) Status(ctx context.Context) (bool, error) {
	stdout, _, err := c.run(ctx, "is-active", c.Unit)
	if errors.Is(err, ErrTimeout) {
		return false, err
	}
	state := strings.TrimSpace(stdout)
	if state == "active" {
		return true, nil
	}
	if state == "" || strings.Contains(state, "not-found") {
		return false, fmt.Errorf("%w: unit %q", ErrNotFound, c.Unit)
	}
	return false, nil
}

// Describe reports can-stop/can-pause and dependency info for the pre-flight
// step (§4.H step 2) to surface as an advisory.
func (c *Controller) Describe(ctx context.Context) (*Describe, error) {
	active, err := c.Status(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Describe{
				Exists:      false,
				Advisory:    fmt.Sprintf("service %q was not found on this host", c.Unit),
				Suggestions: mariadbLikeUnits,
			}, nil
		}
		return nil, err
	}

	stdout, _, err := c.run(ctx, "show", c.Unit, "--property=Requires,RequiredBy,CanStop")
	if err != nil && !errors.Is(err, ErrTimeout) {
		return nil, fmt.Errorf("describing service %q: %w", c.Unit, err)
	}

	d := &Describe{Exists: true, Active: active, CanStop: true, CanPause: true}
	for _, line := range strings.Split(stdout, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		switch k {
		case "Requires":
			d.DependedOn = splitUnitList(v)
		case "RequiredBy":
			d.Dependents = splitUnitList(v)
		case "CanStop":
			d.CanStop = v == "yes"
		}
	}
	if !d.CanStop {
		d.Advisory = fmt.Sprintf("service %q cannot be stopped by this unit (CanStop=no)", c.Unit)
	}
	return d, nil
}

func splitUnitList(v string) []string {
	var out []string
	for _, s := range strings.Fields(v) {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Stop stops the unit, returning success only if it reaches Stopped within
// the controller's timeout.
func (c *Controller) Stop(ctx context.Context) error {
	_, stderr, err := c.run(ctx, "stop", c.Unit)
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if err != nil {
		return classifyFailure(c.Unit, stderr, err)
	}
	active, err := c.Status(ctx)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if active {
		return fmt.Errorf("%w: %q still active after stop", ErrBusy, c.Unit)
	}
	return nil
}

// Start starts the unit.
func (c *Controller) Start(ctx context.Context) error {
	_, stderr, err := c.run(ctx, "start", c.Unit)
	if errors.Is(err, ErrTimeout) {
		return err
	}
	if err != nil {
		return classifyFailure(c.Unit, stderr, err)
	}
	return nil
}

func classifyFailure(unit, stderr string, err error) error {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "could not be found"):
		return fmt.Errorf("%w: unit %q: %s", ErrNotFound, unit, strings.TrimSpace(stderr))
	case strings.Contains(lower, "permission") || strings.Contains(lower, "access denied") || strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: unit %q requires elevated privileges: %s", ErrNoPermission, unit, strings.TrimSpace(stderr))
	case strings.Contains(lower, "busy") || strings.Contains(lower, "in progress"):
		return fmt.Errorf("%w: unit %q: %s", ErrBusy, unit, strings.TrimSpace(stderr))
	default:
		return fmt.Errorf("service: unit %q: %w: %s", unit, err, strings.TrimSpace(stderr))
	}
}
