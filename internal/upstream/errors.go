// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"errors"
	"fmt"
)

// Sentinel errors for status-code classification.
var (
	// ErrInvalidKey indicates the credential was rejected (HTTP 400/403).
	ErrInvalidKey = errors.New("invalid API key")

	// ErrRateLimited indicates the server throttled the request (HTTP 429).
	ErrRateLimited = errors.New("rate limited")
)

// APIError is a non-2xx response that is neither a credential rejection nor
// a throttle. Message carries the server-supplied description when the error
// body was parseable, otherwise a generic one.
type APIError struct {
	Status  int
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("upstream error (HTTP %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("upstream error (HTTP %d)", e.Status)
}

// IsInvalidKey reports whether err is a credential rejection.
func IsInvalidKey(err error) bool {
	return errors.Is(err, ErrInvalidKey)
}

// IsRateLimited reports whether err is a throttling response.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
