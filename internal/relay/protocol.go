// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// CHANNEL WIRE PROTOCOL
// =============================================================================

// Request is the single message a client sends on a freshly opened channel.
type Request struct {
	// Credential is the upstream API key. The relay is the only process
	// that forwards it upstream.
	Credential string `json:"credential"`
	// Prompt is the fully assembled single-turn prompt.
	Prompt string `json:"prompt"`
	// SystemPrompt is the system instruction for the generation call.
	SystemPrompt string `json:"systemPrompt"`
}

// Message types. A stream is zero or more chunks followed by exactly one
// terminal message (done or error), in send order.
const (
	TypeChunk = "chunk"
	TypeDone  = "done"
	TypeError = "error"
)

// Message is one relay-to-client message.
type Message struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// =============================================================================
// ERROR CODES
// =============================================================================

// Error string codes carried in Message.Error. Prefix-matched by the client.
const (
	// CodeInvalidKey means the upstream rejected the credential.
	CodeInvalidKey = "INVALID_KEY"

	// codeRateLimitedPrefix starts a throttle error:
	// RATE_LIMITED:<remainingMs>:<human message>.
	codeRateLimitedPrefix = "RATE_LIMITED:"

	// CodeChannelLost is synthesized client-side when the transport tears
	// down before a terminal message arrives.
	CodeChannelLost = "CHANNEL_LOST"
)

// FormatRateLimited builds a RATE_LIMITED error code string.
func FormatRateLimited(remaining time.Duration, message string) string {
	return codeRateLimitedPrefix + strconv.FormatInt(remaining.Milliseconds(), 10) + ":" + message
}

// =============================================================================
// ERROR CLASSIFICATION
// =============================================================================

// ErrorKind is the failure taxonomy the controller acts on.
type ErrorKind int

const (
	// KindGeneric is any unclassified upstream failure. Retryable, manual.
	KindGeneric ErrorKind = iota
	// KindInvalidKey is a credential rejection. Fatal until the user acts.
	KindInvalidKey
	// KindThrottled is a rate limit with a known wait. Retryable, countdown.
	KindThrottled
	// KindNetwork is a connectivity failure. Retryable, manual.
	KindNetwork
	// KindChannelLost is a transport teardown without a terminal message.
	KindChannelLost
)

// Classified is a parsed Message.Error.
type Classified struct {
	Kind      ErrorKind
	Remaining time.Duration // Valid for KindThrottled.
	Message   string        // Human-readable remainder.
}

// networkHints mark messages produced by transport failures rather than the
// upstream API itself.
var networkHints = []string{
	"request failed",
	"connection",
	"network",
	"timeout",
	"no such host",
	"stream read failed",
}

// ClassifyError parses a wire error string by prefix into the taxonomy.
func ClassifyError(raw string) Classified {
	switch {
	case raw == CodeInvalidKey:
		return Classified{Kind: KindInvalidKey, Message: "API key was rejected"}

	case raw == CodeChannelLost:
		return Classified{Kind: KindChannelLost, Message: "connection to relay lost"}

	case strings.HasPrefix(raw, codeRateLimitedPrefix):
		rest := raw[len(codeRateLimitedPrefix):]
		msPart, msg, _ := strings.Cut(rest, ":")
		ms, err := strconv.ParseInt(msPart, 10, 64)
		if err != nil || ms < 0 {
			return Classified{Kind: KindGeneric, Message: raw}
		}
		return Classified{
			Kind:      KindThrottled,
			Remaining: time.Duration(ms) * time.Millisecond,
			Message:   msg,
		}
	}

	lower := strings.ToLower(raw)
	for _, hint := range networkHints {
		if strings.Contains(lower, hint) {
			return Classified{Kind: KindNetwork, Message: raw}
		}
	}
	return Classified{Kind: KindGeneric, Message: raw}
}
