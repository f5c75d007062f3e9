// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit decides whether an upstream generation call may proceed.
//
// Two independent throttles compose, and the stricter one always wins:
//
//   - a hard floor on request cadence (MinSpacing) that protects the
//     per-minute quota, and
//   - an exponential penalty (InitialBackoff doubling up to MaxBackoff)
//     entered only when the server actually answers 429, which protects the
//     per-day quota and respects the server's signal.
//
// State is persisted through a Store so the client and the relay daemon gate
// against the same history.
package ratelimit

import (
	"context"
	"strconv"
	"time"
)

const (
	// MinSpacing is the minimum interval between upstream requests.
	MinSpacing = 4 * time.Second

	// InitialBackoff is the first backoff window after a 429.
	InitialBackoff = 60 * time.Second

	// MaxBackoff caps the doubling backoff ladder.
	MaxBackoff = 300 * time.Second

	// StoreReadBound limits how long a gate check may wait on storage.
	// Past it the check degrades to Allowed: availability of the feature
	// takes priority over strict throttling when storage is unresponsive.
	StoreReadBound = 2 * time.Second
)

// Store is the slice of persisted state the limiter needs. *store.Store
// satisfies it.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	GetBounded(ctx context.Context, key string, timeout time.Duration) (string, bool)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Keys the limiter persists under. They mirror the store package's well-known
// keys but are accepted at construction so tests can isolate state.
const (
	keyLastRequestMS = "last_request_ms"
	keyBackoffMS     = "backoff_ms"
)

// Reason says which throttle denied a request.
type Reason int

const (
	// ReasonSpacing means the minimum request spacing has not elapsed.
	ReasonSpacing Reason = iota
	// ReasonBackoff means a server-triggered backoff window is active.
	ReasonBackoff
)

// String returns the wire-friendly name of the reason.
func (r Reason) String() string {
	if r == ReasonBackoff {
		return "backoff"
	}
	return "spacing"
}

// Decision is the outcome of a gate check.
type Decision struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is how long until the request would be allowed. Zero when
	// Allowed.
	Remaining time.Duration
	// Reason identifies the denying throttle. Meaningful only when denied.
	Reason Reason
}

// Limiter gates upstream calls against persisted request history.
// Construct one per process and pass it by reference; there is deliberately
// no package-level instance.
type Limiter struct {
	store Store

	// now is replaceable for tests.
	now func() time.Time

	// readBound is StoreReadBound, shortened in tests.
	readBound time.Duration
}

// New creates a Limiter backed by st.
func New(st Store) *Limiter {
	return &Limiter{
		store:     st,
		now:       time.Now,
		readBound: StoreReadBound,
	}
}

// CanMakeRequest reports whether a new upstream call may proceed right now.
//
// A backoff window that has merely expired is cleared as a side effect, so
// the expensive clear happens exactly once per window.
func (l *Limiter) CanMakeRequest(ctx context.Context) Decision {
	lastMS, haveLast := l.getBoundedInt(ctx, keyLastRequestMS)
	if !haveLast {
		// Never requested, or storage did not answer in time: fail open.
		return Decision{Allowed: true}
	}

	now := l.now()
	last := time.UnixMilli(lastMS)

	if backoffMS, ok := l.getBoundedInt(ctx, keyBackoffMS); ok {
		windowEnd := last.Add(time.Duration(backoffMS) * time.Millisecond)
		if now.Before(windowEnd) {
			return Decision{
				Remaining: windowEnd.Sub(now),
				Reason:    ReasonBackoff,
			}
		}
		// Window elapsed: clear it so the next check skips this branch.
		// A failed clear is harmless, it just re-clears next time.
		_ = l.store.Delete(ctx, keyBackoffMS)
	}

	if elapsed := now.Sub(last); elapsed < MinSpacing {
		return Decision{
			Remaining: MinSpacing - elapsed,
			Reason:    ReasonSpacing,
		}
	}

	return Decision{Allowed: true}
}

// RecordRequest stamps the current time as the last request timestamp.
func (l *Limiter) RecordRequest(ctx context.Context) {
	ms := strconv.FormatInt(l.now().UnixMilli(), 10)
	_ = l.store.Set(ctx, keyLastRequestMS, ms)
}

// RecordSuccess clears any active backoff. Called when an upstream call
// succeeds, so one good response ends the penalty ladder.
func (l *Limiter) RecordSuccess(ctx context.Context) {
	_ = l.store.Delete(ctx, keyBackoffMS)
}

// RecordRateLimitError advances the backoff ladder and returns the new
// window: 60s when no backoff was active, otherwise double the current value
// capped at 300s.
func (l *Limiter) RecordRateLimitError(ctx context.Context) time.Duration {
	next := InitialBackoff
	if currentMS, ok := l.getBoundedInt(ctx, keyBackoffMS); ok {
		next = 2 * time.Duration(currentMS) * time.Millisecond
		if next > MaxBackoff {
			next = MaxBackoff
		}
	}

	_ = l.store.Set(ctx, keyBackoffMS, strconv.FormatInt(next.Milliseconds(), 10))
	return next
}

// getBoundedInt reads an integer value with the fail-open bound applied.
func (l *Limiter) getBoundedInt(ctx context.Context, key string) (int64, bool) {
	raw, ok := l.store.GetBounded(ctx, key, l.readBound)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
