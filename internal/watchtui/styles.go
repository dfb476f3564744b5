package watchtui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/taskloop/taskloop/internal/theme"
)

// Header and status bar.
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBase).
			Background(theme.ColorBlue).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(theme.ColorSubtext0).
			Background(theme.ColorSurface0).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorLavender).
			Background(theme.ColorSurface0)

	statusValueStyle = lipgloss.NewStyle().
				Foreground(theme.ColorSubtext0).
				Background(theme.ColorSurface0)

	stoppingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorPeach).
			Background(theme.ColorSurface0)
)

// Info line labels and values.
var (
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorMauve)

	valueStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText)

	dimStyle = lipgloss.NewStyle().
			Foreground(theme.ColorOverlay0)
)

// Transcript line styles.
var (
	agentTextStyle = lipgloss.NewStyle().
			Foreground(theme.ColorText)

	thoughtStyle = lipgloss.NewStyle().
			Foreground(theme.ColorOverlay0).
			Italic(true)

	toolStyle = lipgloss.NewStyle().
			Foreground(theme.ColorYellow)

	toolFailedStyle = lipgloss.NewStyle().
			Foreground(theme.ColorRed)

	iterationStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorBlue)

	failureStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorRed)

	escalationStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorPeach)

	doneStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(theme.ColorGreen)
)
