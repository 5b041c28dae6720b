package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/chaz8081/watchlink/internal/protocol"
)

// UI chrome colors.
var (
	colorBorder  = lipgloss.Color("#4b5563")
	colorDimmed  = lipgloss.Color("#6b7280")
	colorBright  = lipgloss.Color("#f9fafb")
	colorHealthy = lipgloss.Color("#22c55e")
	colorWarning = lipgloss.Color("#d97706")
	colorDanger  = lipgloss.Color("#dc2626")
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorBright)
	dimStyle      = lipgloss.NewStyle().Foreground(colorDimmed)
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(colorHealthy)
	errorStyle    = lipgloss.NewStyle().Foreground(colorDanger)
	warnStyle     = lipgloss.NewStyle().Foreground(colorWarning)
	panelStyle    = lipgloss.NewStyle().
			Padding(0, 1).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder)
)

// statusColor returns the color for a session status.
func statusColor(s protocol.Status) lipgloss.Color {
	switch s {
	case protocol.StatusConnected:
		return colorHealthy
	case protocol.StatusConnecting:
		return colorWarning
	default:
		return colorDanger
	}
}

// batteryColor grades a battery level.
func batteryColor(pct int) lipgloss.Color {
	switch {
	case pct < 20:
		return colorDanger
	case pct < 50:
		return colorWarning
	default:
		return colorHealthy
	}
}
