// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the keyboard shortcuts for the reader view.
type KeyMap struct {
	Brief   key.Binding
	Explain key.Binding
	Query   key.Binding
	Submit  key.Binding
	Retry   key.Binding
	Cancel  key.Binding
	Quit    key.Binding
}

// DefaultKeyMap returns the standard key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Brief: key.NewBinding(
			key.WithKeys("1"),
			key.WithHelp("1", "brief"),
		),
		Explain: key.NewBinding(
			key.WithKeys("2"),
			key.WithHelp("2", "explain"),
		),
		Query: key.NewBinding(
			key.WithKeys("3"),
			key.WithHelp("3", "ask"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "submit"),
		),
		Retry: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "retry"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "cancel"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
