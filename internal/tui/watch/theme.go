// Package watch renders the progress of gathered invocations.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme centralizes all styling for the watch view.
type Theme struct {
	// Status colors
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusPending lipgloss.Style

	// UI elements
	Border  lipgloss.Style
	Title   lipgloss.Style
	Command lipgloss.Style
	Dim     lipgloss.Style
	Spinner lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusPending: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple).
			Padding(0, 1),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")),
		Command: lipgloss.NewStyle().Foreground(lipgloss.Color("#61AFEF")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Spinner: lipgloss.NewStyle().Foreground(purple),
	}
}
