package debugger

import "github.com/charmbracelet/lipgloss"

// Node status glyphs. Each reads without color.
const (
	GlyphCurrent   = "▸"
	GlyphPassed    = "✓"
	GlyphFailed    = "✗"
	GlyphIterating = "⟳"
	GlyphCaught    = "⚑"
)

var (
	colorGreen  = lipgloss.Color("42")
	colorRed    = lipgloss.Color("196")
	colorYellow = lipgloss.Color("214")
	colorCyan   = lipgloss.Color("51")
	colorDim    = lipgloss.Color("240")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	currentStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorYellow)

	passedStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	failedStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	iteratingStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	caughtStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	keyStyle = lipgloss.NewStyle().
			Foreground(colorCyan)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)
