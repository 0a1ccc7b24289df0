package commands

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	colorAccent = lipgloss.Color("#14b8a6")
	colorGood   = lipgloss.Color("#22c55e")
	colorWarn   = lipgloss.Color("#eab308")
	colorBad    = lipgloss.Color("#ef4444")
	colorInfo   = lipgloss.Color("#3b82f6")
	colorMuted  = lipgloss.Color("#6b7280")
	ColorDim    = lipgloss.Color("#4b5563")
	colorText   = lipgloss.Color("#f9fafb")
)

func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

// Message and status box styles.
var (
	StyleHeader  = fg(colorText).Bold(true)
	StyleLabel   = fg(colorMuted).Width(16)
	StyleValue   = fg(colorText)
	StyleSuccess = fg(colorGood)
	StyleWarning = fg(colorWarn)
	StyleInfo    = fg(colorInfo)
	StyleDim     = fg(ColorDim)
	StyleBox     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(ColorDim).Padding(0, 1)
)

// Record and balance table cells.
var (
	StyleTableHeader = fg(colorAccent).Bold(true).Padding(0, 1)
	StyleTableRow    = fg(colorText).Padding(0, 1)
	StyleTableRowAlt = fg(colorMuted).Padding(0, 1)
)

// badgeColors maps record, health and solvency states to a badge background.
var badgeColors = map[string]lipgloss.Color{
	"success":   colorGood,
	"healthy":   colorGood,
	"solvent":   colorGood,
	"failed":    colorBad,
	"unhealthy": colorBad,
	"insolvent": colorBad,
	"pending":   colorWarn,
}

// StatusBadge renders a status as a colored badge, or plain text off a terminal.
func StatusBadge(status string) string {
	if !isTTY() {
		return status
	}
	bg, ok := badgeColors[status]
	if !ok {
		bg = colorMuted
	}
	return lipgloss.NewStyle().
		Foreground(lipgloss.Color("#000000")).
		Background(bg).
		Bold(true).
		Padding(0, 1).
		Render(status)
}

// Logo is the product name in the accent color.
func Logo() string {
	return fg(colorAccent).Bold(true).Render("escrowd")
}
