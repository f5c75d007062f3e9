// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import "time"

// Mode is the user-selected answer style.
type Mode string

const (
	// ModeBrief produces a short summary of the page.
	ModeBrief Mode = "brief"
	// ModeExplain produces a longer plain-language explanation.
	ModeExplain Mode = "explain"
	// ModeQuery answers a user question scoped to the page.
	ModeQuery Mode = "query"
)

// Status is where a run currently is.
type Status int

const (
	// StatusIdle means no run is active.
	StatusIdle Status = iota
	// StatusExtracting means page text is being gathered.
	StatusExtracting
	// StatusGating means the local rate-limit gate is being consulted.
	StatusGating
	// StatusStreaming means chunks are arriving.
	StatusStreaming
	// StatusSettled means the run finished (ok, retryable, or fatal).
	StatusSettled
)

// String returns the status name for display and logs.
func (s Status) String() string {
	switch s {
	case StatusExtracting:
		return "extracting"
	case StatusGating:
		return "gating"
	case StatusStreaming:
		return "streaming"
	case StatusSettled:
		return "settled"
	default:
		return "idle"
	}
}

// FatalKind says why a run is fatal, which decides what the UI tells the
// user to do.
type FatalKind int

const (
	// FatalExtraction: the page yielded no usable text. Try another page.
	FatalExtraction FatalKind = iota
	// FatalCredential: the upstream rejected the key. Fix the credential.
	FatalCredential
	// FatalSetup: no credential is stored yet. Run first-time setup.
	FatalSetup
)

// =============================================================================
// EVENTS
// =============================================================================

// Event is anything the controller tells its consumer. Events arrive in
// order on Controller.Events(); the consumer renders, it never decides.
type Event interface{ isEvent() }

// ModeChangedEvent fires immediately on mode selection, before any run.
type ModeChangedEvent struct{ Mode Mode }

// StatusEvent reports a run phase change.
type StatusEvent struct{ Status Status }

// TextEvent carries the full accumulated text after a chunk arrived.
// Renders are idempotent over the whole text, never a diff.
type TextEvent struct{ Text string }

// SettledOkEvent means the run completed with usable text.
type SettledOkEvent struct{ Text string }

// RetryableEvent means the run failed but can be retried. When Countdown is
// positive an auto-retry countdown is running; zero means manual retry only.
type RetryableEvent struct {
	Message   string
	Countdown time.Duration
}

// CountdownTickEvent updates the remaining auto-retry wait, at 10 Hz or
// better.
type CountdownTickEvent struct{ Remaining time.Duration }

// FatalEvent means the run failed and retrying the same inputs cannot help.
type FatalEvent struct {
	Message string
	Kind    FatalKind
}

func (ModeChangedEvent) isEvent()   {}
func (StatusEvent) isEvent()        {}
func (TextEvent) isEvent()          {}
func (SettledOkEvent) isEvent()     {}
func (RetryableEvent) isEvent()     {}
func (CountdownTickEvent) isEvent() {}
func (FatalEvent) isEvent()         {}
