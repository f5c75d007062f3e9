// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import "github.com/jeranaias/pagebrief/internal/session"

// sessionEventMsg wraps one controller event for the Bubble Tea update loop.
type sessionEventMsg struct {
	event session.Event
}

// sessionClosedMsg signals that the controller has shut down.
type sessionClosedMsg struct{}
