// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"strconv"
	"time"
)

// FormatTimeRemaining renders a wait duration for display: whole seconds
// below a minute, otherwise ceiling minutes, pluralized.
//
//	45s  -> "45 seconds"
//	61s  -> "2 minutes"
//	60s  -> "1 minute"
func FormatTimeRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	seconds := int64((d + time.Second - 1) / time.Second)
	if seconds < 60 {
		if seconds == 1 {
			return "1 second"
		}
		return strconv.FormatInt(seconds, 10) + " seconds"
	}

	minutes := (seconds + 59) / 60
	if minutes == 1 {
		return "1 minute"
	}
	return strconv.FormatInt(minutes, 10) + " minutes"
}
