// Copyright (c) 2025 Korrelius. All rights reserved.
// Use of this source code is governed by the license found in the LICENSE file.

// Package alert defines the structured alert dispatch interface for terminal
// orchestrator failures (spec.md §5, §7). Rendering templates and delivering
// to a real SMTP/webhook endpoint are out of scope; this package ships the
// Dispatcher contract plus a rate-limited fan-out wrapper and two concrete
// sinks: a no-op and a log/slog-backed one.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Severity classifies an Event for downstream filtering/routing.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single alertable occurrence. Channel identifies the delivery
// route (e.g. "ops-email", "pagerduty") so per-channel rate limits (spec.md
// §5) can be enforced independently.
type Event struct {
	Channel   string
	Severity  Severity
	ConfigID  string
	RunID     string
	Message   string
	Err       error
	OccuredAt time.Time
}

// Dispatcher delivers an Event to whatever external collaborator renders and
// sends it. The orchestrator does not retry failed dispatches — Dispatch
// returning an error only means "this attempt was not delivered", and the
// caller records that in the run's log, per spec.md §7's "does not retry
// alert delivery" note.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// NoopDispatcher discards every Event. Used when no alerting collaborator is
// configured.
type NoopDispatcher struct{}

func (NoopDispatcher) Dispatch(context.Context, Event) error { return nil }

// LogDispatcher records Events through slog instead of delivering them
// anywhere. It stands in for the real SMTP/webhook renderer spec.md marks as
// an out-of-scope external collaborator.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, ev Event) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelWarn
	if ev.Severity == SeverityCritical {
		level = slog.LevelError
	}
	attrs := []any{
		"channel", ev.Channel,
		"severity", ev.Severity,
		"config_id", ev.ConfigID,
		"run_id", ev.RunID,
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	logger.Log(context.Background(), level, ev.Message, attrs...)
	return nil
}

// channelLimiter pairs a rate.Limiter with the time it was last used, so
// RateLimited can evict channels that have gone quiet.
type channelLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// RateLimited wraps a Dispatcher with a per-channel, per-hour cap (spec.md
// §5: "the alerting pipeline applies per-channel and per-hour caps"). Events
// exceeding the cap are dropped rather than queued — alerting is best-effort
// and must never block the orchestrator.
type RateLimited struct {
	Next     Dispatcher
	PerHour  int
	mu       sync.Mutex
	limiters map[string]*channelLimiter
}

// NewRateLimited builds a RateLimited wrapper allowing up to perHour Dispatch
// calls per distinct Event.Channel, with a burst of 1 (no bursting beyond the
// steady rate — alert floods are exactly what the cap exists to prevent).
func NewRateLimited(next Dispatcher, perHour int) *RateLimited {
	return &RateLimited{
		Next:     next,
		PerHour:  perHour,
		limiters: make(map[string]*channelLimiter),
	}
}

// Dispatch enforces the channel's cap before delegating to Next. It returns
// nil (not an error) when the cap is exceeded — a dropped alert is not a
// delivery failure worth retrying or logging as an error.
func (r *RateLimited) Dispatch(ctx context.Context, ev Event) error {
	if !r.allow(ev.Channel) {
		return nil
	}
	return r.Next.Dispatch(ctx, ev)
}

func (r *RateLimited) allow(channel string) bool {
	r.mu.Lock()
	entry, ok := r.limiters[channel]
	if !ok {
		perSecond := rate.Limit(float64(r.PerHour) / time.Hour.Seconds())
		entry = &channelLimiter{limiter: rate.NewLimiter(perSecond, 1)}
		r.limiters[channel] = entry
	}
	entry.lastUsed = time.Now()
	r.mu.Unlock()
	return entry.limiter.Allow()
}

// Evict removes channel limiters idle longer than staleAfter, bounding
// limiters's memory for deployments with many transient channel names.
func (r *RateLimited) Evict(staleAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	for channel, entry := range r.limiters {
		if entry.lastUsed.Before(cutoff) {
			delete(r.limiters, channel)
		}
	}
}
