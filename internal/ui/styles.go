// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import "github.com/charmbracelet/lipgloss"

// Styles holds the lipgloss styles for the reader view.
type Styles struct {
	Title     lipgloss.Style
	TabActive lipgloss.Style
	Tab       lipgloss.Style
	Status    lipgloss.Style
	Error     lipgloss.Style
	Countdown lipgloss.Style
	Help      lipgloss.Style
	Prompt    lipgloss.Style
}

// DefaultStyles returns the standard styling.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")),
		TabActive: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")),
		Tab: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		Status: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		Countdown: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
		Prompt: lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")),
	}
}
