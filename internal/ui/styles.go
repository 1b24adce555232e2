package ui

import "github.com/charmbracelet/lipgloss"

// Colors used in the viewer.
var (
	colorPrimary   = lipgloss.Color("62")  // Purple
	colorSecondary = lipgloss.Color("241") // Gray
	colorMuted     = lipgloss.Color("240") // Darker gray
	colorHighlight = lipgloss.Color("212") // Pink
	colorSuccess   = lipgloss.Color("78")  // Green
	colorData      = lipgloss.Color("75")  // Blue: all events of a pair
	colorOther     = lipgloss.Color("214") // Orange: "other" overlay
)

// Header style for the top line.
var Header = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255")).
	Background(colorPrimary).
	Padding(0, 1)

// PanelTitle style for "k1/k2" titles.
var PanelTitle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("255"))

// PanelTitleDerived marks panels with a side filled by symmetry.
var PanelTitleDerived = lipgloss.NewStyle().
	Foreground(colorSecondary).
	Italic(true)

// Panel wraps one histogram.
var Panel = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorMuted)

// SelectedPanel wraps the highlighted histogram.
var SelectedPanel = Panel.
	BorderForeground(colorHighlight)

// BarData style for bars of the combined histogram.
var BarData = lipgloss.NewStyle().Foreground(colorData)

// BarOther style for the "other" overlay.
var BarOther = lipgloss.NewStyle().Foreground(colorOther)

// StatusBar style for the bottom status bar.
var StatusBar = lipgloss.NewStyle().
	Foreground(lipgloss.Color("255")).
	Background(lipgloss.Color("236")).
	Padding(0, 1)

// StatusBarKey style for key hints in status bar.
var StatusBarKey = lipgloss.NewStyle().
	Foreground(colorHighlight).
	Bold(true)

// StatusBarText style for descriptive text in status bar.
var StatusBarText = lipgloss.NewStyle().
	Foreground(colorSecondary)

// StateDone style for the state badge after success.
var StateDone = lipgloss.NewStyle().
	Foreground(colorSuccess).
	Bold(true)

// ErrorStyle for displaying errors.
var ErrorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("196")).
	Bold(true).
	Padding(0, 1)

// HelpStyle for muted hints.
var HelpStyle = lipgloss.NewStyle().
	Foreground(colorMuted).
	Padding(1, 2)

// DebugPanel frames the debug overlay.
var DebugPanel = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(colorPrimary).
	Padding(1, 2)

// DebugHeaderStyle for section headers inside the debug overlay.
var DebugHeaderStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(colorHighlight)

// SpinnerStyle colors the running indicator.
var SpinnerStyle = lipgloss.NewStyle().Foreground(colorSuccess)
